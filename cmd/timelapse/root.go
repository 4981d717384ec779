package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/e7canasta/timelapse-delay/internal/config"
)

type options struct {
	configPath  string
	hwAccel     bool
	device      string
	delay       int
	backend     string
	outputDir   string
	metricsAddr string
	mqttBroker  string
	debug       bool
}

type runFunc func(ctx context.Context, cfg *config.Config) error

func newRootCmd() *cobra.Command {
	return newCommand(run)
}

func newCommand(runE runFunc) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "timelapse [LOGFILE]",
		Short: "Delayed live camera display with a ticker caption, saving one still per second",
		Long: `timelapse shows the camera feed on screen a fixed number of seconds late,
with the last line of LOGFILE drawn on top, and writes one JPEG per second
into the output directory. Press q (or send SIGINT) to stop; the delayed
frames still in flight are shown before exit.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), opts, args)
			if err != nil {
				return err
			}
			return runE(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	f.BoolVarP(&opts.hwAccel, "hw-accel", "a", false, "use the VAAPI topology (MJPEG camera, hardware decode and encode)")
	f.StringVarP(&opts.device, "device", "d", "", "camera device (default /dev/video0)")
	f.IntVarP(&opts.delay, "delay", "w", 0, "display delay in seconds (<= 0 means 3)")
	f.StringVar(&opts.backend, "backend", "", "graph backend: gstreamer or synthetic")
	f.StringVar(&opts.outputDir, "output-dir", "", "directory stills are written to (default images)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.StringVar(&opts.mqttBroker, "mqtt-broker", "", "MQTT broker host:port for control and events")
	f.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	return cmd
}

// loadConfig layers defaults, the config file, TIMELAPSE_* variables and the
// flags the user actually set, in that order.
func loadConfig(flags *pflag.FlagSet, opts options, args []string) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if flags.Changed("hw-accel") {
		cfg.HWAccel = opts.hwAccel
	}
	if flags.Changed("device") {
		cfg.Device = opts.device
	}
	if flags.Changed("delay") {
		cfg.DelaySeconds = opts.delay
	}
	if flags.Changed("backend") {
		cfg.Backend = opts.backend
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = opts.outputDir
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if flags.Changed("mqtt-broker") {
		cfg.MQTT.Broker = opts.mqttBroker
	}
	if opts.debug {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}
	if len(args) == 1 {
		cfg.LogFile = args[0]
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
