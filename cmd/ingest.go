package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sibyl-ai/sibyl/internal/app"
	"github.com/sibyl-ai/sibyl/internal/retrieval"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Chunk, embed, and index documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd.Context(), args)
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(ctx context.Context, paths []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	docs := make([]retrieval.Document, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %q: %w", path, err)
		}
		docs = append(docs, retrieval.Document{Source: path, Text: string(data)})
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

	result, err := a.Retriever.Ingest(ctx, docs)
	if err != nil {
		return fmt.Errorf("ingesting: %w", err)
	}
	// Make the fresh records searchable right away on eventually consistent
	// backends.
	if err := a.Index.Refresh(ctx); err != nil {
		logger.Warn("refreshing index", "error", err)
	}

	fmt.Printf("Ingested %d document(s): %d chunk(s), %d inserted\n",
		result.Documents, result.Chunks, result.Inserted)
	for _, f := range result.Failed {
		fmt.Printf("  failed %s: %s\n", f.ID, f.Reason)
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d record(s) were rejected by the index", len(result.Failed))
	}
	return nil
}
