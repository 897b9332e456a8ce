package canguard

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. It is loaded once at startup
// and immutable afterwards; the identifier-range table in particular has no
// hot reload.
type Config struct {
	Ranges   []IdentifierRange `yaml:"ranges"`
	Window   WindowConfig      `yaml:"window"`
	Baseline BaselineConfig    `yaml:"baseline"`
	Learning LearningConfig    `yaml:"learning"`
	Pattern  PatternCheck      `yaml:"pattern_check"`

	Detectors map[string]DetectorConfig `yaml:"detectors"`

	Ledger LedgerConfig `yaml:"ledger"`
	Alerts AlertsConfig `yaml:"alerts"`
	API    APIConfig    `yaml:"api"`
	Source SourceConfig `yaml:"source"`
}

type WindowConfig struct {
	Size           int     `yaml:"size"`
	DominanceRatio float64 `yaml:"dominance_ratio"`
}

type BaselineConfig struct {
	Capacity int `yaml:"capacity"`
}

type LearningConfig struct {
	// Frames is how many initial frames feed the baseline store before
	// detection starts. Zero disables the built-in phase; callers may
	// still pre-learn explicitly.
	Frames int `yaml:"frames"`
}

type LedgerConfig struct {
	Path  string `yaml:"path"`
	Batch int    `yaml:"batch"`
}

type AlertsConfig struct {
	Log     bool          `yaml:"log"`
	Webhook WebhookConfig `yaml:"webhook"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Redis   RedisConfig   `yaml:"redis"`
}

type WebhookConfig struct {
	URL string `yaml:"url"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
	Recent  int    `yaml:"recent"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type SourceConfig struct {
	// Interface is the SocketCAN interface to listen on (e.g. can0).
	Interface string `yaml:"interface"`
	// ReplayDir, when set, replaces the live bus with candump logs read
	// from this directory.
	ReplayDir string `yaml:"replay_dir"`
	// Rate paces replay in frames per second; zero replays as fast as
	// the engine accepts.
	Rate float64 `yaml:"rate"`
}

// DefaultConfig mirrors the legacy deployment: the six-domain range table,
// a ten-frame window at 70% dominance, a hundred baselines, dominance
// detection only.
func DefaultConfig() *Config {
	return &Config{
		Ranges:   DefaultRanges(),
		Window:   WindowConfig{Size: DefaultWindowSize, DominanceRatio: DefaultDominanceRatio},
		Baseline: BaselineConfig{Capacity: DefaultBaselineCapacity},
		Pattern:  PatternCheck{Enabled: false, MaxDistance: 16},
		Detectors: map[string]DetectorConfig{
			"identifier_flood": {Enabled: true},
		},
		Ledger: LedgerConfig{Path: "can_ids.db", Batch: 100},
		Alerts: AlertsConfig{Log: true},
		API:    APIConfig{Addr: ":8080"},
		Source: SourceConfig{Interface: "can0"},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults untouched.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects tables and thresholds the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Ranges) == 0 {
		return fmt.Errorf("no identifier ranges configured")
	}
	for i, r := range c.Ranges {
		if r.Domain == "" {
			return fmt.Errorf("range %d has empty domain", i)
		}
		if r.Start > r.End {
			return fmt.Errorf("range %d (%s): start 0x%X after end 0x%X", i, r.Domain, r.Start, r.End)
		}
		if r.End > MaxIdentifier {
			return fmt.Errorf("range %d (%s): end 0x%X beyond 29-bit identifier space", i, r.Domain, r.End)
		}
		if r.MinValue > r.MaxValue {
			return fmt.Errorf("range %d (%s): min %d above max %d", i, r.Domain, r.MinValue, r.MaxValue)
		}
	}
	if c.Window.Size < 2 {
		return fmt.Errorf("window size %d too small", c.Window.Size)
	}
	if c.Window.DominanceRatio <= 0 || c.Window.DominanceRatio > 1 {
		return fmt.Errorf("dominance ratio %.2f outside (0, 1]", c.Window.DominanceRatio)
	}
	if c.Baseline.Capacity < 1 {
		return fmt.Errorf("baseline capacity %d too small", c.Baseline.Capacity)
	}
	if c.Learning.Frames < 0 {
		return fmt.Errorf("learning frames cannot be negative")
	}
	if c.Pattern.Enabled && c.Pattern.MaxDistance < 1 {
		return fmt.Errorf("pattern check enabled with max_distance %d", c.Pattern.MaxDistance)
	}
	for name := range c.Detectors {
		if _, known := trafficDetectors[name]; !known {
			return fmt.Errorf("unknown traffic detector %q", name)
		}
	}
	if c.Source.Rate < 0 {
		return fmt.Errorf("replay rate cannot be negative")
	}
	return nil
}

// windowDetectors merges the configured dominance ratio into the detector
// map handed to the traffic window.
func (c *Config) windowDetectors() map[string]DetectorConfig {
	detectors := make(map[string]DetectorConfig, len(c.Detectors))
	for name, cfg := range c.Detectors {
		detectors[name] = cfg
	}
	flood, ok := detectors["identifier_flood"]
	if !ok {
		return detectors
	}
	thresholds := make(map[string]float64, len(flood.Thresholds)+1)
	thresholds["dominance_ratio"] = c.Window.DominanceRatio
	for k, v := range flood.Thresholds {
		thresholds[k] = v
	}
	flood.Thresholds = thresholds
	detectors["identifier_flood"] = flood
	return detectors
}
