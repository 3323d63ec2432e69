package config

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BridgeConfig holds configuration for the bridge the agent connects to.
type BridgeConfig struct {
	BindHost       string
	Port           int
	PortCandidates []int
	AutoPort       bool
	ExtensionPath  string
	CommandTimeout time.Duration
	PingInterval   time.Duration
	EventLog       string
	// FeedsPath names an optional YAML file routing events to SSE feeds.
	FeedsPath      string
	AllowRemote    bool
	LogLevel       string
	LogFile        string
}

// LoadBridge reads bridge configuration from environment variables and optional .env file.
func LoadBridge() (*BridgeConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &BridgeConfig{
		BindHost:       getEnvOrDefault("DOMAGENT_BRIDGE_BIND_ADDR", DefaultRelayHost),
		Port:           getEnvPortOrDefault("DOMAGENT_BRIDGE_PORT", DefaultRelayPort),
		AutoPort:       getEnvBoolOrDefault("DOMAGENT_BRIDGE_AUTO_PORT", false),
		ExtensionPath:  getEnvOrDefault("DOMAGENT_RELAY_PATH", DefaultRelayPath),
		CommandTimeout: getEnvDurationMSOrDefault("DOMAGENT_BRIDGE_COMMAND_TIMEOUT_MS", 30*time.Second),
		PingInterval:   getEnvDurationMSOrDefault("DOMAGENT_BRIDGE_PING_INTERVAL_MS", 20*time.Second),
		EventLog:       getEnvOrDefault("DOMAGENT_BRIDGE_EVENT_LOG", ""),
		FeedsPath:      getEnvOrDefault("DOMAGENT_BRIDGE_FEEDS", ""),
		AllowRemote:    getEnvBoolOrDefault("DOMAGENT_BRIDGE_ALLOW_REMOTE", false),
		LogLevel:       strings.ToLower(getEnvOrDefault("DOMAGENT_BRIDGE_LOG_LEVEL", "info")),
		LogFile:        getEnvOrDefault("DOMAGENT_BRIDGE_LOG_FILE", "logs/domagent_bridge.log"),
	}
	for _, raw := range getEnvListOrDefault("DOMAGENT_BRIDGE_PORT_CANDIDATES", nil) {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 && p <= 65535 {
			cfg.PortCandidates = append(cfg.PortCandidates, p)
		}
	}
	if cfg.CommandTimeout < time.Second {
		cfg.CommandTimeout = time.Second
	}
	if !strings.HasPrefix(cfg.ExtensionPath, "/") {
		cfg.ExtensionPath = "/" + cfg.ExtensionPath
	}
	return cfg, nil
}
