package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"go.uber.org/multierr"

	"github.com/e7canasta/timelapse-delay/internal/config"
	"github.com/e7canasta/timelapse-delay/internal/control"
	"github.com/e7canasta/timelapse-delay/internal/delayqueue"
	"github.com/e7canasta/timelapse-delay/internal/emitter"
	"github.com/e7canasta/timelapse-delay/internal/frameindex"
	"github.com/e7canasta/timelapse-delay/internal/graph"
	"github.com/e7canasta/timelapse-delay/internal/graph/gstreamer"
	"github.com/e7canasta/timelapse-delay/internal/graph/synthetic"
	"github.com/e7canasta/timelapse-delay/internal/keyboard"
	"github.com/e7canasta/timelapse-delay/internal/logging"
	"github.com/e7canasta/timelapse-delay/internal/metrics"
	"github.com/e7canasta/timelapse-delay/internal/overlay"
	"github.com/e7canasta/timelapse-delay/internal/runloop"
	"github.com/e7canasta/timelapse-delay/internal/tailer"
)

const shutdownTimeout = 5 * time.Second

// run wires one capture session and blocks until it ends.
func run(parent context.Context, cfg *config.Config) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The listener puts the terminal in raw mode, so it has to exist before
	// the logger picks its line endings.
	keys, keysErr := keyboard.StartStdin()
	if keys != nil {
		defer func() { err = multierr.Append(err, keys.Stop()) }()
	}

	zl, err := logging.Setup(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		OutputPaths: []string{"stderr"},
		RawTerminal: keys != nil,
	})
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	var release cleanups
	defer func() { err = multierr.Append(err, release.run()) }()

	if keysErr != nil {
		slog.Info("timelapse: keyboard quit disabled", "reason", keysErr)
	}

	runID := uuid.NewString()
	accel := graph.AccelSoftware
	if cfg.HWAccel {
		accel = graph.AccelHardware
	}

	startIndex, err := frameindex.Resume(cfg.OutputDir)
	if err != nil {
		return err
	}

	if isatty.IsTerminal(os.Stderr.Fd()) {
		printBanner(os.Stderr, renderBanner(cfg, accel, startIndex, keys != nil), keys != nil)
	}
	slog.Info("timelapse: starting",
		"run_id", runID,
		"backend", cfg.Backend,
		"device", cfg.Device,
		"acceleration", accel.String(),
		"delay", cfg.Delay(),
		"log_file", cfg.LogFile,
		"output_dir", cfg.OutputDir,
		"start_index", startIndex,
	)

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		var srv *metrics.Server
		srv, err = metrics.Serve(cfg.Metrics.Addr, m)
		if err != nil {
			return err
		}
		release.add(func() error {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	state := overlay.New(cfg.Overlay.Placeholder)
	if cfg.Overlay.RefreshInterval > 0 {
		state = overlay.NewDeferred(cfg.Overlay.Placeholder)
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	g, err := graph.Build(backend, accel, graph.Params{
		Device:       cfg.Device,
		DisplayQueue: displayQueue(cfg),
		OutputDir:    cfg.OutputDir,
		StartIndex:   startIndex,
		MaxRate:      cfg.StillMaxRate,
		Sync:         cfg.Display.Sync,
		Fullscreen:   cfg.Display.Fullscreen,
		Overlay:      state,
	})
	if err != nil {
		return err
	}
	// runloop stops the graph too; Stop is idempotent
	release.add(g.Stop)

	quit := make(chan string, 4)
	rc := &runloop.Context{
		RunID:           runID,
		Graph:           g,
		Overlay:         state,
		Quit:            quit,
		Metrics:         m,
		RefreshInterval: cfg.Overlay.RefreshInterval,
		DrainDeadline:   cfg.ShutdownDeadline(),
	}

	if cfg.MQTT.Broker != "" {
		var closeMQTT func() error
		closeMQTT, err = startMQTT(ctx, cfg.MQTT, rc, quit)
		if err != nil {
			return err
		}
		release.add(closeMQTT)
	}

	if cfg.LogFile != "" {
		sink := &runloop.CaptionSink{Overlay: state, Emitter: rc.Emitter, Metrics: m}
		var t *tailer.Tailer
		t, err = tailer.New(tailer.Config{
			Path:           cfg.LogFile,
			RetryInterval:  cfg.Tailer.RetryInterval,
			PollInterval:   cfg.Tailer.PollInterval,
			MaxRecordBytes: cfg.Tailer.MaxRecordBytes,
			Observer:       m,
		}, sink)
		if err != nil {
			return err
		}
		rc.Tailer = t
	}

	if keys != nil {
		go forwardQuit(ctx, keys.Quit(), quit, "keyboard")
	}

	outcome, err := runloop.Run(ctx, rc)
	slog.Info("timelapse: stopped", "run_id", runID, "outcome", outcome.String())
	return err
}

func newBackend(cfg *config.Config) (graph.Backend, error) {
	switch cfg.Backend {
	case config.BackendSynthetic:
		b, err := synthetic.New(synthetic.Config{
			Width:  cfg.Synthetic.Width,
			Height: cfg.Synthetic.Height,
			FPS:    cfg.Synthetic.FPS,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendGStreamer:
		b, err := gstreamer.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// displayQueue holds frames for the delay; the caps are unbounded so the
// threshold alone decides when frames leave.
func displayQueue(cfg *config.Config) delayqueue.Config {
	return delayqueue.Config{MinThreshold: cfg.Delay()}
}

// startMQTT connects, starts the event emitter and the control handler.
// The returned func stops both and disconnects.
func startMQTT(ctx context.Context, cfg config.MQTTConfig, rc *runloop.Context, quit chan<- string) (func() error, error) {
	client, err := emitter.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	em, err := emitter.NewMQTTEmitter(client, cfg, rc.RunID)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	rc.Emitter = em

	h := control.NewHandler(cfg, client, control.Callbacks{
		OnQuit:      func() { sendQuit(quit, "mqtt") },
		OnGetStatus: rc.Status,
	})
	if err := h.Start(ctx); err != nil {
		_ = em.Close()
		client.Disconnect(250)
		return nil, err
	}

	return func() error {
		err := multierr.Combine(h.Stop(), em.Close())
		client.Disconnect(250)
		st := em.Stats()
		slog.Info("mqtt: disconnected", "published", st.Published, "dropped", st.Dropped, "errors", st.Errors)
		return err
	}, nil
}

func forwardQuit(ctx context.Context, from <-chan struct{}, to chan<- string, source string) {
	select {
	case <-from:
		sendQuit(to, source)
	case <-ctx.Done():
	}
}

// sendQuit never blocks: a pending request is as good as a second one.
func sendQuit(to chan<- string, source string) {
	select {
	case to <- source:
	default:
	}
}
