package notify

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
	}
}

func TestSendMessagePostsHeadersAndBody(t *testing.T) {
	var got *http.Request
	var body string
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			got = r
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			body = string(raw)
			return okResponse(), nil
		}),
	}

	err := SendMessage(context.Background(), client, "http://ntfy.local/domagent", Message{
		Title:    "domagent",
		Body:     "start the bridge",
		Priority: "high",
		Tags:     []string{"warning", "plug"},
	})
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if got.Method != http.MethodPost {
		t.Fatalf("method = %s; want POST", got.Method)
	}
	if got.URL.Path != "/domagent" {
		t.Fatalf("path = %s; want /domagent", got.URL.Path)
	}
	if got.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("content type = %q; want text/plain", got.Header.Get("Content-Type"))
	}
	if got.Header.Get("Title") != "domagent" || got.Header.Get("Priority") != "high" {
		t.Fatalf("headers = %v; want title and priority", got.Header)
	}
	if got.Header.Get("Tags") != "warning,plug" {
		t.Fatalf("tags = %q; want warning,plug", got.Header.Get("Tags"))
	}
	if body != "start the bridge" {
		t.Fatalf("body = %q; want %q", body, "start the bridge")
	}
}

func TestSendReturnsErrorOnNon2xx(t *testing.T) {
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("boom")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	if err := Send(context.Background(), client, "http://ntfy.local/x", "hi"); err == nil {
		t.Fatal("expected error for non-2xx status")
	}
}

func TestSendRejectsEmptyEndpoint(t *testing.T) {
	if err := Send(context.Background(), nil, " ", "hi"); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}
