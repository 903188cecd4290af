package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Hubs            []HubConfig    `yaml:"hubs"`
	Engine          EngineConfig   `yaml:"engine"`
	Poll            PollConfig     `yaml:"poll"`
	Battery         BatteryConfig  `yaml:"battery"`
	Database        DatabaseConfig `yaml:"database"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	HTTP            HTTPConfig     `yaml:"http"`
	MQTT            MQTTConfig     `yaml:"mqtt"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	Log             LogConfig      `yaml:"log"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// HubConfig contains connection settings for one ShadeAuto hub
type HubConfig struct {
	Name    string   `yaml:"name"`
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	Timeout Duration `yaml:"timeout"` // HTTP timeout for regular hub requests
}

// EngineConfig tunes the command/state reconciliation engine
type EngineConfig struct {
	MinSpacing   Duration     `yaml:"min_spacing"`   // Minimum gap between two control commands
	ArmDelay     Duration     `yaml:"arm_delay"`     // Delay before the long-poll watcher starts reading
	Hold         Duration     `yaml:"hold"`          // Long-poll hold time
	Failsafe     Duration     `yaml:"failsafe"`      // Give up on settlement after this long since the last command
	ErrorBackoff Duration     `yaml:"error_backoff"` // Backoff after a failed long-poll
	Tolerance    int          `yaml:"tolerance"`     // Position units accepted as "at target"
	FullTravel   Duration     `yaml:"full_travel"`   // Assumed time for a 0 -> 100 move
	RefreshRPS   float64      `yaml:"refresh_rps"`   // Max status refreshes per second
	Verify       VerifyConfig `yaml:"verify"`
}

// VerifyConfig controls the verify-and-retry supervisor
type VerifyConfig struct {
	Enabled *bool    `yaml:"enabled"`
	Delay   Duration `yaml:"delay"`
}

// IsEnabled returns whether verification is enabled (default: true)
func (c VerifyConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// PollConfig contains periodic status poll settings
type PollConfig struct {
	Interval      Duration `yaml:"interval"`       // Idle poll interval
	BurstInterval Duration `yaml:"burst_interval"` // Poll interval right after a command
	BurstCycles   int      `yaml:"burst_cycles"`   // Number of burst polls after a command
}

// BatteryConfig contains battery reporting settings
type BatteryConfig struct {
	LowThreshold int `yaml:"low_threshold"` // Percent at or below which the battery is reported low
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains command ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HTTPConfig contains API server settings
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	TopicRoot string `yaml:"topic_root"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from raw YAML, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./shaded.sqlite"
	}

	for i := range cfg.Hubs {
		hub := &cfg.Hubs[i]
		if hub.Port == 0 {
			hub.Port = 10123
		}
		if hub.Timeout == 0 {
			hub.Timeout = Duration(10 * time.Second)
		}
		if hub.Name == "" {
			hub.Name = hub.Host
		}
	}

	// Engine defaults
	e := &cfg.Engine
	if e.MinSpacing == 0 {
		e.MinSpacing = Duration(750 * time.Millisecond)
	}
	if e.ArmDelay == 0 {
		e.ArmDelay = Duration(e.MinSpacing.Duration() + 200*time.Millisecond)
	}
	if e.Hold == 0 {
		e.Hold = Duration(2 * time.Second)
	}
	if e.Failsafe == 0 {
		e.Failsafe = Duration(120 * time.Second)
	}
	if e.ErrorBackoff == 0 {
		e.ErrorBackoff = Duration(1 * time.Second)
	}
	if e.Tolerance == 0 {
		e.Tolerance = 2
	}
	if e.FullTravel == 0 {
		e.FullTravel = Duration(25 * time.Second)
	}
	if e.RefreshRPS == 0 {
		e.RefreshRPS = 2.0
	}
	if e.Verify.Delay == 0 {
		e.Verify.Delay = Duration(20 * time.Second)
	}

	// Poll defaults
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = Duration(30 * time.Second)
	}
	if cfg.Poll.BurstInterval == 0 {
		cfg.Poll.BurstInterval = Duration(2 * time.Second)
	}
	if cfg.Poll.BurstCycles == 0 {
		cfg.Poll.BurstCycles = 5
	}

	if cfg.Battery.LowThreshold == 0 {
		cfg.Battery.LowThreshold = 20
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// HTTP defaults
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 9090
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}

	// MQTT defaults
	if cfg.MQTT.TopicRoot == "" {
		cfg.MQTT.TopicRoot = "shaded"
	}

	if cfg.EventBus.Workers <= 0 {
		cfg.EventBus.Workers = 4
	}
	if cfg.EventBus.QueueSize <= 0 {
		cfg.EventBus.QueueSize = 100
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks the configuration once at startup.
func (cfg *Config) Validate() error {
	var errs []error

	if len(cfg.Hubs) == 0 {
		errs = append(errs, errors.New("at least one hub must be configured"))
	}
	seen := make(map[string]bool)
	for i, hub := range cfg.Hubs {
		if strings.TrimSpace(hub.Host) == "" {
			errs = append(errs, fmt.Errorf("hubs[%d]: host is required", i))
		}
		if seen[hub.Name] {
			errs = append(errs, fmt.Errorf("hubs[%d]: duplicate hub name %q", i, hub.Name))
		}
		seen[hub.Name] = true
		if hub.Port <= 0 || hub.Port > 65535 {
			errs = append(errs, fmt.Errorf("hubs[%d]: invalid port %d", i, hub.Port))
		}
	}

	e := cfg.Engine
	if e.Tolerance < 0 || e.Tolerance > 100 {
		errs = append(errs, fmt.Errorf("engine.tolerance must be within 0..100, got %d", e.Tolerance))
	}
	if e.MinSpacing < 0 || e.Hold < 0 || e.Failsafe < 0 || e.FullTravel < 0 {
		errs = append(errs, errors.New("engine durations must not be negative"))
	}
	if e.RefreshRPS < 0 {
		errs = append(errs, errors.New("engine.refresh_rps must not be negative"))
	}
	if cfg.Poll.BurstCycles < 0 {
		errs = append(errs, errors.New("poll.burst_cycles must not be negative"))
	}
	if cfg.Battery.LowThreshold < 0 || cfg.Battery.LowThreshold > 100 {
		errs = append(errs, fmt.Errorf("battery.low_threshold must be within 0..100, got %d", cfg.Battery.LowThreshold))
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}

	return errors.Join(errs...)
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
