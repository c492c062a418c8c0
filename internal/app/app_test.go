package app

import (
	"context"
	"testing"

	"github.com/sibyl-ai/sibyl/internal/config"
)

func TestModelName(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		want     string
	}{
		{"gemini qualified", config.ProviderGemini, "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"ollama qualified", config.ProviderOllama, "llama3.3", "ollama/llama3.3"},
		{"openai qualified", config.ProviderOpenAI, "gpt-4o", "openai/gpt-4o"},
		{"already namespaced", config.ProviderGemini, "googleai/gemini-2.5-pro", "googleai/gemini-2.5-pro"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Provider: tt.provider, ModelName: tt.model}
			if got := modelName(cfg); got != tt.want {
				t.Errorf("modelName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetupIndexMemoryBackend(t *testing.T) {
	a := &App{}
	cfg := &config.Config{
		IndexBackend:   config.BackendMemory,
		IndexName:      "sibyl-docs",
		EmbedDimension: 8,
	}

	idx, err := a.setupIndex(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("setupIndex() error: %v", err)
	}
	if idx == nil {
		t.Fatal("setupIndex() returned nil index")
	}
}

func TestSetupIndexUnknownBackend(t *testing.T) {
	a := &App{}
	cfg := &config.Config{IndexBackend: "redis", EmbedDimension: 8}

	if _, err := a.setupIndex(context.Background(), cfg, nil); err == nil {
		t.Fatal("setupIndex() succeeded with unknown backend")
	}
}

func TestCloseEmptyApp(t *testing.T) {
	a := &App{}
	if err := a.Close(context.Background()); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
