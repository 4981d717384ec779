package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides (TIMELAPSE_DELAY_SECONDS, ...).
const EnvPrefix = "timelapse"

// DefaultDelaySeconds replaces a non-positive delay.
const DefaultDelaySeconds = 3

// Backends
const (
	BackendGStreamer = "gstreamer"
	BackendSynthetic = "synthetic"
)

// Config represents the complete timelapse configuration
type Config struct {
	Device         string `yaml:"device" split_words:"true"`
	HWAccel        bool   `yaml:"hw_accel" split_words:"true"`
	DelaySeconds   int    `yaml:"delay_s" split_words:"true"`
	LogFile        string `yaml:"log_file" split_words:"true"` // empty disables the tailer
	OutputDir      string `yaml:"output_dir" split_words:"true"`
	Backend        string `yaml:"backend"`
	StillMaxRate   int    `yaml:"still_max_rate" split_words:"true"` // stills per second
	ShutdownGraceS int    `yaml:"shutdown_grace_s" split_words:"true"`

	Tailer    TailerConfig    `yaml:"tailer"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Display   DisplayConfig   `yaml:"display"`
	Synthetic SyntheticConfig `yaml:"synthetic"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// TailerConfig contains log file tailing settings
type TailerConfig struct {
	RetryInterval  time.Duration `yaml:"retry_interval" split_words:"true"`
	PollInterval   time.Duration `yaml:"poll_interval" split_words:"true"`
	MaxRecordBytes int           `yaml:"max_record_bytes" split_words:"true"`
}

// OverlayConfig contains caption settings
type OverlayConfig struct {
	Placeholder     string        `yaml:"placeholder"`
	RefreshInterval time.Duration `yaml:"refresh_interval" split_words:"true"` // 0 = apply records immediately
}

// DisplayConfig contains display sink settings
type DisplayConfig struct {
	Fullscreen bool `yaml:"fullscreen"`
	Sync       bool `yaml:"sync"`
}

// SyntheticConfig contains the pure-Go test source settings
type SyntheticConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

// MQTTConfig contains MQTT broker settings. Empty broker disables MQTT.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id" split_words:"true"`
	ControlTopic string `yaml:"control_topic" split_words:"true"`
	EventsTopic  string `yaml:"events_topic" split_words:"true"`
	Encoding     string `yaml:"encoding"` // json, msgpack
	QoS          byte   `yaml:"qos"`
}

// MetricsConfig contains the prometheus endpoint. Empty address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Device:         "/dev/video0",
		DelaySeconds:   DefaultDelaySeconds,
		OutputDir:      "images",
		Backend:        BackendGStreamer,
		StillMaxRate:   1,
		ShutdownGraceS: 2,
		Tailer: TailerConfig{
			RetryInterval:  time.Second,
			PollInterval:   100 * time.Millisecond,
			MaxRecordBytes: 64 * 1024,
		},
		Overlay: OverlayConfig{
			Placeholder: "starting",
		},
		Display: DisplayConfig{
			Fullscreen: true,
		},
		Synthetic: SyntheticConfig{
			Width:  320,
			Height: 240,
			FPS:    10,
		},
		MQTT: MQTTConfig{
			ClientID:     "timelapse",
			ControlTopic: "timelapse/control",
			EventsTopic:  "timelapse/events",
			Encoding:     "json",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file on top of the defaults.
// It does not validate: flags may still override fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from TIMELAPSE_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// Normalize fixes values that have a documented fallback.
func (c *Config) Normalize() {
	if c.DelaySeconds <= 0 {
		c.DelaySeconds = DefaultDelaySeconds
	}
	if c.ShutdownGraceS < 0 {
		c.ShutdownGraceS = 0
	}
}

// Delay returns the display delay as a duration.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// ShutdownDeadline is how long a graceful drain may take before teardown is forced.
func (c *Config) ShutdownDeadline() time.Duration {
	return c.Delay() + time.Duration(c.ShutdownGraceS)*time.Second
}

// Validate checks the configuration for values the program cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.DelaySeconds <= 0 {
		errs = append(errs, fmt.Errorf("delay_s must be > 0 (got %d)", c.DelaySeconds))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if c.StillMaxRate < 1 {
		errs = append(errs, fmt.Errorf("still_max_rate must be >= 1 (got %d)", c.StillMaxRate))
	}

	switch c.Backend {
	case BackendGStreamer:
		if c.Device == "" {
			errs = append(errs, errors.New("device is required for the gstreamer backend"))
		}
	case BackendSynthetic:
		if c.Synthetic.Width <= 0 || c.Synthetic.Height <= 0 {
			errs = append(errs, fmt.Errorf("synthetic size must be positive (got %dx%d)", c.Synthetic.Width, c.Synthetic.Height))
		}
		if c.Synthetic.FPS <= 0 {
			errs = append(errs, fmt.Errorf("synthetic fps must be > 0 (got %d)", c.Synthetic.FPS))
		}
	default:
		errs = append(errs, fmt.Errorf("backend must be %q or %q (got %q)", BackendGStreamer, BackendSynthetic, c.Backend))
	}

	if c.Tailer.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("tailer.retry_interval must be > 0 (got %v)", c.Tailer.RetryInterval))
	}
	if c.Tailer.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("tailer.poll_interval must be > 0 (got %v)", c.Tailer.PollInterval))
	}
	if c.Tailer.MaxRecordBytes <= 0 {
		errs = append(errs, fmt.Errorf("tailer.max_record_bytes must be > 0 (got %d)", c.Tailer.MaxRecordBytes))
	}
	if c.Overlay.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("overlay.refresh_interval must be >= 0 (got %v)", c.Overlay.RefreshInterval))
	}

	if c.MQTT.Broker != "" {
		switch c.MQTT.Encoding {
		case "json", "msgpack":
		default:
			errs = append(errs, fmt.Errorf("mqtt.encoding must be json or msgpack (got %q)", c.MQTT.Encoding))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS))
		}
		if c.MQTT.ClientID == "" {
			errs = append(errs, errors.New("mqtt.client_id is required when a broker is set"))
		}
	}

	return errors.Join(errs...)
}
