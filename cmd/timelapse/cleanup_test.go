package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/timelapse-delay/internal/config"
)

func TestCleanups_ReverseOrderAndCombinedErrors(t *testing.T) {
	var order []string
	var c cleanups
	c.add(func() error { order = append(order, "metrics"); return errors.New("shutdown: busy") })
	c.add(func() error { order = append(order, "graph"); return nil })
	c.add(func() error { order = append(order, "mqtt"); return errors.New("unsubscribe timeout") })

	err := c.run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown: busy")
	assert.Contains(t, err.Error(), "unsubscribe timeout")
	assert.Equal(t, []string{"mqtt", "graph", "metrics"}, order)

	assert.NoError(t, c.run(), "a second run has nothing left")
}

// runWith calls run the way main does and reports its error.
func runWith(t *testing.T, cfg *config.Config, after time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), after)
	defer cancel()
	return run(ctx, cfg)
}

func syntheticConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Backend = config.BackendSynthetic
	cfg.Synthetic = config.SyntheticConfig{Width: 64, Height: 48, FPS: 10}
	cfg.DelaySeconds = 1
	cfg.ShutdownGraceS = 1
	cfg.OutputDir = filepath.Join(t.TempDir(), "images")
	cfg.Log.Level = "error"
	return cfg
}

func TestRun_SyntheticGracefulStop(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a real-time graph")
	}
	cfg := syntheticConfig(t)
	cfg.Metrics.Addr = "127.0.0.1:0"

	require.NoError(t, runWith(t, cfg, 1500*time.Millisecond))

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "stills written before the quit")
}

func TestRun_StartupFailureReleasesGraph(t *testing.T) {
	// nothing listens on this port: startup fails after the graph is built
	cfg := syntheticConfig(t)
	cfg.MQTT.Broker = "127.0.0.1:1"

	err := runWith(t, cfg, 10*time.Second)
	assert.ErrorContains(t, err, "mqtt")
}
