package commands

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "1.2.3" {
		t.Fatalf("version output = %q; want 1.2.3", got)
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	root := NewRootCmd("dev")
	for _, name := range []string{"agent", "bridge", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
	bridgeCmd, _, _ := root.Find([]string{"bridge"})
	if bridgeCmd.Flags().Lookup("mcp") == nil {
		t.Fatal("bridge has no --mcp flag")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v; want %v", in, got, want)
		}
	}
}

func TestLogLevelOverride(t *testing.T) {
	root := NewRootCmd("dev")
	root.SetArgs([]string{"version", "--log-level", "debug"})
	root.SetOut(&bytes.Buffer{})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	versionCmd, _, _ := root.Find([]string{"version"})
	if got := logLevelOverride(versionCmd, "info"); got != "debug" {
		t.Fatalf("logLevelOverride() = %q; want debug", got)
	}
}
