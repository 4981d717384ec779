// Command irc-logger joins an IRC channel and appends every channel message
// to a file as a ticker record, for timelapse to tail.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/timelapse-delay/internal/irclog"
	"github.com/e7canasta/timelapse-delay/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg        irclog.Config
		maxRetries int
		debug      bool
	)

	cmd := &cobra.Command{
		Use:          "irc-logger",
		Short:        "Append IRC channel messages to a ticker file",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := irclog.New(cfg)
			if err != nil {
				return err
			}

			logCfg := logging.DefaultConfig()
			if debug {
				logCfg.Level = "debug"
				logCfg.Development = true
			}
			zl, err := logging.Setup(logCfg)
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rc := irclog.DefaultReconnectConfig()
			rc.MaxRetries = maxRetries
			err = irclog.RunWithReconnect(ctx, client.Run, rc)
			slog.Info("irc-logger: stopped", "logged", client.Logged(), "error", err)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Server, "server", "irc.libera.chat:6667", "IRC server host:port")
	f.StringVar(&cfg.Channel, "channel", "#gstreamer", "channel to log")
	f.StringVar(&cfg.Nick, "nick", "timelapse-ticker", "nickname")
	f.StringVar(&cfg.Out, "out", "irc_messages", "file records are appended to")
	f.IntVar(&maxRetries, "max-retries", 5, "consecutive failed connections before giving up (0 = never)")
	f.BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}
