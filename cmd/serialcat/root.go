package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	serial "github.com/luhtfiimanal/go-dbus-serial"
)

const version = "0.2.0"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "serialcat",
		Short:        "Relay a brokered serial channel to stdio or a PTY",
		Long:         "serialcat announces readiness to the serial broker on the system bus and, once the broker opens the channel, relays bytes between the channel socket and stdin/stdout or a pseudo-terminal.",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd)
			if err != nil {
				return err
			}
			initLogging(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, runOptions{
				stdin:  cmd.InOrStdin(),
				stdout: cmd.OutOrStdout(),
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.String("socket-path", serial.DefaultSocketPath, "broker socket path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("pty", false, "expose the channel as a pseudo-terminal instead of stdio")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
