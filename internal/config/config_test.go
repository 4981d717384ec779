package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timelapse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Second, cfg.Delay())
	assert.Equal(t, time.Second, cfg.Tailer.RetryInterval)
	assert.Equal(t, "starting", cfg.Overlay.Placeholder)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
delay_s: 5
hw_accel: true
log_file: /var/log/irc
tailer:
  poll_interval: 50ms
mqtt:
  broker: localhost:1883
  encoding: msgpack
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.DelaySeconds)
	assert.True(t, cfg.HWAccel)
	assert.Equal(t, "/var/log/irc", cfg.LogFile)
	assert.Equal(t, 50*time.Millisecond, cfg.Tailer.PollInterval)
	assert.Equal(t, time.Second, cfg.Tailer.RetryInterval, "untouched fields keep defaults")
	assert.Equal(t, "msgpack", cfg.MQTT.Encoding)
	assert.Equal(t, "images", cfg.OutputDir)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "delay_s: [oops"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TIMELAPSE_DELAY_SECONDS", "7")
	t.Setenv("TIMELAPSE_HW_ACCEL", "true")
	t.Setenv("TIMELAPSE_TAILER_RETRY_INTERVAL", "250ms")
	t.Setenv("TIMELAPSE_MQTT_BROKER", "broker:1883")

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg))

	assert.Equal(t, 7, cfg.DelaySeconds)
	assert.True(t, cfg.HWAccel)
	assert.Equal(t, 250*time.Millisecond, cfg.Tailer.RetryInterval)
	assert.Equal(t, "broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "/dev/video0", cfg.Device, "unset variables keep the current value")
}

func TestNormalize_NonPositiveDelay(t *testing.T) {
	for _, d := range []int{0, -1, -30} {
		cfg := Default()
		cfg.DelaySeconds = d
		cfg.Normalize()
		assert.Equal(t, DefaultDelaySeconds, cfg.DelaySeconds)
	}
}

func TestShutdownDeadline(t *testing.T) {
	cfg := Default()
	cfg.DelaySeconds = 5
	cfg.ShutdownGraceS = 2
	assert.Equal(t, 7*time.Second, cfg.ShutdownDeadline())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "opengl" }, "backend must be"},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }, "output_dir is required"},
		{"zero retry", func(c *Config) { c.Tailer.RetryInterval = 0 }, "tailer.retry_interval"},
		{"zero max record", func(c *Config) { c.Tailer.MaxRecordBytes = 0 }, "tailer.max_record_bytes"},
		{"zero still rate", func(c *Config) { c.StillMaxRate = 0 }, "still_max_rate"},
		{"missing device", func(c *Config) { c.Device = "" }, "device is required"},
		{"synthetic fps", func(c *Config) { c.Backend = BackendSynthetic; c.Synthetic.FPS = 0 }, "synthetic fps"},
		{"mqtt encoding", func(c *Config) { c.MQTT.Broker = "b:1883"; c.MQTT.Encoding = "xml" }, "mqtt.encoding"},
		{"mqtt qos", func(c *Config) { c.MQTT.Broker = "b:1883"; c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"negative refresh", func(c *Config) { c.Overlay.RefreshInterval = -time.Second }, "overlay.refresh_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_SyntheticNeedsNoDevice(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendSynthetic
	cfg.Device = ""
	assert.NoError(t, cfg.Validate())
}
