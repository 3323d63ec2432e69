package session

import "testing"

func TestURLMatcher(t *testing.T) {
	match, err := URLMatcher([]string{"http://*", "https://*", "file://*", "about:blank*"})
	if err != nil {
		t.Fatalf("URLMatcher() error: %v", err)
	}
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.test/a/b?c=d", true},
		{"http://localhost:3000/", true},
		{"file:///tmp/index.html", true},
		{"about:blank", true},
		{"chrome://settings", false},
		{"chrome-extension://abc/popup.html", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := match(tt.url); got != tt.want {
			t.Fatalf("match(%q) = %v; want %v", tt.url, got, tt.want)
		}
		if got := DefaultEligible(tt.url); got != tt.want {
			t.Fatalf("DefaultEligible(%q) = %v; want %v", tt.url, got, tt.want)
		}
	}
}
