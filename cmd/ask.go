package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sibyl-ai/sibyl/internal/answer"
	"github.com/sibyl-ai/sibyl/internal/app"
)

var (
	flagAskStream   bool
	flagAskTopK     int
	flagAskProvider string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question against the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := answer.Options{Provider: flagAskProvider}
		if cmd.Flags().Changed("top-k") {
			opts.TopK = &flagAskTopK
		}
		return runAsk(cmd.Context(), strings.Join(args, " "), opts)
	},
}

func init() {
	askCmd.Flags().BoolVar(&flagAskStream, "stream", false, "stream the answer as it is generated")
	askCmd.Flags().IntVarP(&flagAskTopK, "top-k", "k", 0, "chunks to retrieve (0 = answer without retrieval)")
	askCmd.Flags().StringVar(&flagAskProvider, "provider", "", "override the configured LLM provider for this question")
	rootCmd.AddCommand(askCmd)
}

func runAsk(ctx context.Context, question string, opts answer.Options) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	// The provider override has to reach startup too, so the right plugin
	// is the one that gets initialized and registered.
	if opts.Provider != "" {
		cfg.Provider = opts.Provider
		if err := cfg.Validate(); err != nil {
			return err
		}
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

	if flagAskStream {
		return streamAnswer(ctx, a, question, opts)
	}

	result, err := a.Orchestrator.Answer(ctx, question, opts)
	if err != nil {
		return err
	}

	fmt.Println(result.Text)
	printSources(result.Sources)
	return nil
}

func streamAnswer(ctx context.Context, a *app.App, question string, opts answer.Options) error {
	var sources []string
	for ev := range a.Orchestrator.Stream(ctx, question, opts) {
		switch ev.Type {
		case answer.EventMetadata:
			sources = ev.Sources
		case answer.EventContent:
			fmt.Print(ev.Text)
		case answer.EventDone:
			fmt.Println()
			printSources(sources)
		case answer.EventError:
			fmt.Println()
			return ev.Err
		}
	}
	return nil
}

func printSources(sources []string) {
	if len(sources) == 0 {
		return
	}
	fmt.Println("\nSources:")
	for _, s := range sources {
		fmt.Printf("  - %s\n", s)
	}
}
