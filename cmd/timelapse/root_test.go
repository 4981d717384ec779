package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/timelapse-delay/internal/config"
	"github.com/e7canasta/timelapse-delay/internal/graph"
)

// execute runs the command with args and returns the configuration it
// would have run with.
func execute(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var got *config.Config
	cmd := newCommand(func(_ context.Context, cfg *config.Config) error {
		got = cfg
		return nil
	})
	if args == nil {
		args = []string{} // nil makes cobra fall back to os.Args
	}
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return got, err
}

func TestFlags_Defaults(t *testing.T) {
	cfg, err := execute(t)
	require.NoError(t, err)

	assert.Equal(t, "/dev/video0", cfg.Device)
	assert.False(t, cfg.HWAccel)
	assert.Equal(t, 3*time.Second, cfg.Delay())
	assert.Empty(t, cfg.LogFile)
	assert.Equal(t, "images", cfg.OutputDir)
}

func TestFlags_ShortForms(t *testing.T) {
	cfg, err := execute(t, "-a", "-d", "/dev/video2", "-w", "10", "ticker.log")
	require.NoError(t, err)

	assert.True(t, cfg.HWAccel)
	assert.Equal(t, "/dev/video2", cfg.Device)
	assert.Equal(t, 10, cfg.DelaySeconds)
	assert.Equal(t, "ticker.log", cfg.LogFile)
}

func TestFlags_NonPositiveDelayFallsBack(t *testing.T) {
	cfg, err := execute(t, "--delay=-4")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultDelaySeconds, cfg.DelaySeconds)
}

func TestFlags_OverrideConfigFileOnlyWhenSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timelapse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: /dev/video5\ndelay_s: 7\noutput_dir: shots\n"), 0o644))

	cfg, err := execute(t, "--config", path, "--output-dir", "elsewhere")
	require.NoError(t, err)

	assert.Equal(t, "/dev/video5", cfg.Device, "unset flag keeps the file value")
	assert.Equal(t, 7, cfg.DelaySeconds)
	assert.Equal(t, "elsewhere", cfg.OutputDir)
}

func TestFlags_Errors(t *testing.T) {
	_, err := execute(t, "a.log", "b.log")
	assert.Error(t, err, "at most one log file")

	_, err = execute(t, "--bogus")
	assert.Error(t, err)

	_, err = execute(t, "--backend", "opengl")
	assert.ErrorContains(t, err, "backend")

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFlags_Debug(t *testing.T) {
	cfg, err := execute(t, "--debug", "--backend", "synthetic", "--mqtt-broker", "localhost:1883", "--metrics-addr", ":9100")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, config.BackendSynthetic, cfg.Backend)
	assert.Equal(t, "localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestRenderBanner(t *testing.T) {
	cfg := config.Default()
	cfg.LogFile = "ticker.log"

	out := renderBanner(cfg, graph.AccelHardware, 42, true)
	assert.Contains(t, out, "vaapi")
	assert.Contains(t, out, "ticker.log")
	assert.Contains(t, out, "index 42")
	assert.Contains(t, out, "press q")

	cfg.LogFile = ""
	assert.Contains(t, renderBanner(cfg, graph.AccelSoftware, 0, false), "starting")
}

func TestSendQuitNeverBlocks(t *testing.T) {
	quit := make(chan string, 1)
	sendQuit(quit, "mqtt")
	sendQuit(quit, "keyboard")
	assert.Equal(t, "mqtt", <-quit)
	assert.Empty(t, quit)
}
