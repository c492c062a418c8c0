// Package cmd implements the sibyl command line interface.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sibyl-ai/sibyl/internal/config"
	"github.com/sibyl-ai/sibyl/internal/log"
)

var (
	flagLogLevel string
	flagLogJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "sibyl",
	Short: "Question answering over your technical knowledge base",
	Long: `Sibyl ingests technical documents into a vector index and answers
questions about them, grounding every answer in retrieved passages and
citing its sources.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")
}

// loadConfig loads and validates configuration and builds the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", flagLogLevel, err)
	}

	logger := log.New(log.Config{Level: level, JSON: flagLogJSON})
	return cfg, logger, nil
}
