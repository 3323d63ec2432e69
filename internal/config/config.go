package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultRelayHost = "127.0.0.1"
	DefaultRelayPort = 18792
	DefaultRelayPath = "/extension"
)

// AgentConfig holds configuration for the extension-side agent.
type AgentConfig struct {
	// Bridge the agent dials
	RelayHost string
	RelayPort int
	RelayPath string

	// Browser debugging endpoint
	CDPAddress string
	CDPPort    int

	// Page-control backend: "debugger" or "executor"
	Backend string

	// Durable state: "file", "sqlite" or "memory"
	StateStore string
	StatePath  string

	// Auto-attach
	ScanSchedule string
	ScanDelay    time.Duration
	EligibleURLs []string

	OverlaySettingsPath string
	GuidanceNTFYURL     string
	StatusAddr          string

	// Optional Chromium launch
	LaunchBrowser bool
	ChromiumPath  string
	ProfileDir    string

	PreflightTimeout      time.Duration
	ConnectTimeout        time.Duration
	TabLoadTimeout        time.Duration
	PageCommandTimeout    time.Duration
	ForwardCommandTimeout time.Duration

	LogLevel string
	LogFile  string
}

// LoadAgent reads agent configuration from environment variables and optional .env file.
func LoadAgent() (*AgentConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &AgentConfig{
		RelayHost:             getEnvOrDefault("DOMAGENT_RELAY_HOST", DefaultRelayHost),
		RelayPort:             getEnvPortOrDefault("DOMAGENT_RELAY_PORT", DefaultRelayPort),
		RelayPath:             getEnvOrDefault("DOMAGENT_RELAY_PATH", DefaultRelayPath),
		CDPAddress:            getEnvOrDefault("DOMAGENT_CDP_HOST", "127.0.0.1"),
		CDPPort:               getEnvPortOrDefault("DOMAGENT_CDP_PORT", 9222),
		Backend:               strings.ToLower(getEnvOrDefault("DOMAGENT_BACKEND", "debugger")),
		StateStore:            strings.ToLower(getEnvOrDefault("DOMAGENT_STATE_STORE", "file")),
		StatePath:             getEnvOrDefault("DOMAGENT_STATE_PATH", "./state"),
		ScanSchedule:          getEnvOrDefault("DOMAGENT_SCAN_SCHEDULE", "@every 10s"),
		ScanDelay:             getEnvDurationMSOrDefault("DOMAGENT_SCAN_DELAY_MS", time.Second),
		EligibleURLs:          getEnvListOrDefault("DOMAGENT_ELIGIBLE_URLS", []string{"http://*", "https://*", "file://*", "about:blank*"}),
		OverlaySettingsPath:   getEnvOrDefault("DOMAGENT_OVERLAY_SETTINGS", ""),
		GuidanceNTFYURL:       getEnvOrDefault("DOMAGENT_GUIDANCE_NTFY_URL", ""),
		StatusAddr:            getEnvOrDefault("DOMAGENT_STATUS_ADDR", "127.0.0.1:18793"),
		LaunchBrowser:         getEnvBoolOrDefault("DOMAGENT_LAUNCH_BROWSER", false),
		ChromiumPath:          getEnvOrDefault("CHROMIUM_PATH", ""),
		ProfileDir:            getEnvOrDefault("CHROMIUM_PROFILE_DIR", "./chromium-profile"),
		PreflightTimeout:      getEnvDurationMSOrDefault("DOMAGENT_PREFLIGHT_TIMEOUT_MS", 2*time.Second),
		ConnectTimeout:        getEnvDurationMSOrDefault("DOMAGENT_CONNECT_TIMEOUT_MS", 5*time.Second),
		TabLoadTimeout:        getEnvDurationMSOrDefault("DOMAGENT_TAB_LOAD_TIMEOUT_MS", 10*time.Second),
		PageCommandTimeout:    getEnvDurationMSOrDefault("DOMAGENT_PAGE_COMMAND_TIMEOUT_MS", 15*time.Second),
		ForwardCommandTimeout: getEnvDurationMSOrDefault("DOMAGENT_FORWARD_COMMAND_TIMEOUT_MS", 30*time.Second),
		LogLevel:              strings.ToLower(getEnvOrDefault("DOMAGENT_LOG_LEVEL", "info")),
		LogFile:               getEnvOrDefault("DOMAGENT_LOG_FILE", "logs/domagent_agent.log"),
	}

	if cfg.RelayPath == "" || !strings.HasPrefix(cfg.RelayPath, "/") {
		cfg.RelayPath = "/" + strings.TrimPrefix(cfg.RelayPath, "/")
	}
	switch cfg.Backend {
	case "debugger", "executor":
	default:
		return nil, fmt.Errorf("agent config: DOMAGENT_BACKEND must be debugger or executor, got %q", cfg.Backend)
	}
	return cfg, nil
}

// RelayBaseURL is the HTTP address used for the reachability preflight.
func (c *AgentConfig) RelayBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.RelayHost, c.RelayPort)
}

// RelayWSURL is the websocket address of the bridge's extension endpoint.
func (c *AgentConfig) RelayWSURL() string {
	return fmt.Sprintf("ws://%s:%d%s", c.RelayHost, c.RelayPort, c.RelayPath)
}

// CDPURL returns the browser's HTTP debugging endpoint.
func (c *AgentConfig) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvPortOrDefault falls back to the default for values outside 1..65535.
func getEnvPortOrDefault(key string, defaultVal int) int {
	port := getEnvIntOrDefault(key, defaultVal)
	if port <= 0 || port > 65535 {
		slog.Warn("invalid port, using default", "key", key, "value", port, "default", defaultVal)
		return defaultVal
	}
	return port
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationMSOrDefault(key string, defaultVal time.Duration) time.Duration {
	ms := getEnvIntOrDefault(key, -1)
	if ms <= 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
