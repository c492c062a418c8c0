package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sibyl-ai/sibyl/internal/app"
	"github.com/sibyl-ai/sibyl/internal/index"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect or manage the vector index",
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index record count and size",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withIndex(cmd.Context(), func(ctx context.Context, idx index.Index, name string) error {
			stats, err := idx.Stats(ctx)
			if err != nil {
				return fmt.Errorf("reading stats: %w", err)
			}
			fmt.Printf("Index:   %s\nRecords: %d\nSize:    %d bytes\n", name, stats.RecordCount, stats.SizeBytes)
			return nil
		})
	},
}

var indexDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete the index and all its records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withIndex(cmd.Context(), func(ctx context.Context, idx index.Index, name string) error {
			if err := idx.DeleteAll(ctx); err != nil {
				return fmt.Errorf("deleting index: %w", err)
			}
			fmt.Printf("Deleted index %s\n", name)
			return nil
		})
	},
}

func init() {
	indexCmd.AddCommand(indexStatsCmd, indexDropCmd)
	rootCmd.AddCommand(indexCmd)
}

// withIndex wires the app and hands the index to fn.
func withIndex(ctx context.Context, fn func(context.Context, index.Index, string) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(context.Background()); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	return fn(ctx, a.Index, cfg.IndexName)
}
