package netutil

import (
	"net"
	"strconv"
	"testing"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestSelectBindAddrPreferredFree(t *testing.T) {
	port := freePort(t)

	got, err := SelectBindAddr("127.0.0.1", port, nil, false)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if want := "127.0.0.1:" + strconv.Itoa(port); got != want {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, want)
	}
}

func TestSelectBindAddrFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()
	busyPort := busy.Addr().(*net.TCPAddr).Port
	free := freePort(t)

	if _, err := SelectBindAddr("127.0.0.1", busyPort, []int{free}, false); err == nil {
		t.Fatal("SelectBindAddr() without fallback succeeded on a busy port")
	}

	got, err := SelectBindAddr("127.0.0.1", busyPort, []int{busyPort, free}, true)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if want := "127.0.0.1:" + strconv.Itoa(free); got != want {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, want)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"localhost", true},
		{"::1", true},
		{"[::1]", true},
		{"0.0.0.0", false},
		{"192.168.1.10", false},
		{"example.com", false},
	}
	for _, tt := range tests {
		if got := IsLoopbackHost(tt.host); got != tt.want {
			t.Fatalf("IsLoopbackHost(%q) = %v; want %v", tt.host, got, tt.want)
		}
	}
}
