package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	serial "github.com/luhtfiimanal/go-dbus-serial"
)

// Config is the serialcat configuration. Values come from, in increasing
// precedence: defaults, the YAML file, SERIALCAT_* environment variables and
// command-line flags.
type Config struct {
	SocketPath      string `mapstructure:"socket_path"`
	StatusInterface string `mapstructure:"status_interface"`
	StatusSignal    string `mapstructure:"status_signal"`
	LogLevel        string `mapstructure:"log_level"`
	PTY             bool   `mapstructure:"pty"`
	MetricsAddr     string `mapstructure:"metrics_addr"`
}

var flagKeys = map[string]string{
	"socket-path":  "socket_path",
	"log-level":    "log_level",
	"pty":          "pty",
	"metrics-addr": "metrics_addr",
}

func loadConfig(path string, cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetDefault("socket_path", serial.DefaultSocketPath)
	v.SetDefault("status_interface", serial.DefaultStatusInterface)
	v.SetDefault("status_signal", serial.DefaultStatusSignal)
	v.SetDefault("log_level", "info")
	v.SetDefault("pty", false)
	v.SetDefault("metrics_addr", "")
	v.SetEnvPrefix("SERIALCAT")
	v.AutomaticEnv()

	if cmd != nil {
		for flag, key := range flagKeys {
			if f := cmd.Flags().Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket_path must not be empty")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log_level: %w", err)
	}
	return &cfg, nil
}

func initLogging(level string) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	// default info
	l, err := logrus.ParseLevel(level)
	if err != nil {
		l = logrus.InfoLevel
	}
	logrus.SetLevel(l)
}
