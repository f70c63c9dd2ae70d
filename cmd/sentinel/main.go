// Command sentinel is the risk monitoring daemon and its operator tooling.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelai/sentinel/pkg/config"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Portfolio risk monitoring over filings and news",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config YAML (defaults apply when omitted)")

	root.AddCommand(newRunCmd(), newIngestCmd(), newQueryCmd(), newAlertsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.AppConfig, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
