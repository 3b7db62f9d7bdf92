package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"altar/api/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	loadConfig := func() (config.Config, zerolog.Logger, error) {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return cfg, zerolog.Nop(), fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, newLogger(cfg, os.Stderr), nil
	}

	serve := newServeCmd(loadConfig)
	rootCmd := &cobra.Command{
		Use:           "api",
		Short:         "Altar collaborative room service",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          serve.RunE,
	}
	rootCmd.Flags().AddFlagSet(serve.Flags())
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional config file; environment variables override it")

	rootCmd.AddCommand(
		serve,
		newMigrateCmd(loadConfig),
		newTokenCmd(loadConfig),
	)
	return rootCmd
}

func newLogger(cfg config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(cfg.LogFormat, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "altar-api").Logger()
}
