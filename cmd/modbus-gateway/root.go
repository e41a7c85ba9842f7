package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus-gateway/internal/config"
)

var (
	cfgFile string
	verbose bool

	cfg    *config.Config
	logger *slog.Logger
	v      = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "modbus-gateway",
	Short: "Modbus TCP to serial gateway with a local IO slave",
	Long: `modbus-gateway relays Modbus TCP requests to devices on an RTU or ASCII
serial line and serves a local register map backed by the IO expanders.

Examples:
  # Run with defaults (gateway :503, slave :502, /dev/ttyUSB0 9600 8E1)
  modbus-gateway serve

  # Run from a config file with debug logging
  modbus-gateway serve --config /etc/modbus-gateway.yaml -v

  # Override the serial device from the environment
  MBGW_SERIAL_DEVICE=/dev/ttyAMA0 modbus-gateway serve

  # Print the effective configuration
  modbus-gateway config`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = newLogger(os.Stderr, cfg.Log, verbose)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// newLogger builds the process logger from the log section. verbose
// forces debug level.
func newLogger(w io.Writer, lc config.LogConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
