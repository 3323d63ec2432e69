package relay

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// FeedConfig describes a named stream of forwarded events.
type FeedConfig struct {
	Name          string `yaml:"name"`
	MethodPattern string `yaml:"method_pattern"`
	// SessionScope is "any" (default), "top" (no child session) or "child".
	SessionScope string `yaml:"session_scope,omitempty"`
}

// DefaultJournalParamsLimit caps the params journaled per event.
const DefaultJournalParamsLimit = 64 << 10

// RelayConfig is the top-level YAML configuration.
type RelayConfig struct {
	Feeds []FeedConfig `yaml:"feeds"`
	// JournalParamsLimit is the largest params payload journaled verbatim.
	// Zero means DefaultJournalParamsLimit; negative disables truncation.
	JournalParamsLimit int `yaml:"journal_params_limit,omitempty"`
}

// DefaultConfig streams every event on a single "cdp" feed.
func DefaultConfig() *RelayConfig {
	return &RelayConfig{Feeds: []FeedConfig{{Name: "cdp", MethodPattern: "*"}}}
}

// LoadConfig reads and validates a relay YAML config file.
func LoadConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RelayConfig) validate() error {
	if len(c.Feeds) == 0 {
		return fmt.Errorf("relay config: no feeds")
	}
	for i, f := range c.Feeds {
		if f.Name == "" {
			return fmt.Errorf("relay config: feed[%d] missing name", i)
		}
		if f.MethodPattern == "" {
			return fmt.Errorf("relay config: feed[%d] (%s) missing method_pattern", i, f.Name)
		}
		if _, err := glob.Compile(f.MethodPattern); err != nil {
			return fmt.Errorf("relay config: feed[%d] (%s) bad method_pattern: %w", i, f.Name, err)
		}
		switch f.SessionScope {
		case "", "any", "top", "child":
		default:
			return fmt.Errorf("relay config: feed[%d] (%s) session_scope must be any, top or child", i, f.Name)
		}
	}
	return nil
}
