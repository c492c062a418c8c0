package config

import (
	"errors"
	"strings"
	"testing"
)

// validConfig returns a configuration that passes Validate.
func validConfig() Config {
	return Config{
		Provider:       ProviderGemini,
		ModelName:      "gemini-2.5-flash",
		EmbedderModel:  "gemini-embedding-001",
		EmbedDimension: 1536,
		EmbedBatchSize: 64,
		EmbedRPS:       10,
		IndexBackend:   BackendMemory,
		IndexName:      "sibyl-docs",
		ChunkSize:      500,
		ChunkOverlap:   50,
		DefaultTopK:    5,
		IngestFanOut:   4,
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Provider = "anthropic-on-mars" },
			wantErr: ErrInvalidProvider,
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.IndexBackend = "faiss" },
			wantErr: ErrInvalidBackend,
		},
		{
			name: "opensearch backend without endpoint",
			mutate: func(c *Config) {
				c.IndexBackend = BackendOpenSearch
				c.OpenSearchURL = ""
			},
			wantErr: ErrMissingEndpoint,
		},
		{
			name: "pgvector backend without DSN",
			mutate: func(c *Config) {
				c.IndexBackend = BackendPgvector
				c.PostgresURL = ""
			},
			wantErr: ErrMissingEndpoint,
		},
		{
			name:    "zero dimension",
			mutate:  func(c *Config) { c.EmbedDimension = 0 },
			wantErr: ErrInvalidDimension,
		},
		{
			name:    "negative dimension",
			mutate:  func(c *Config) { c.EmbedDimension = -5 },
			wantErr: ErrInvalidDimension,
		},
		{
			name:    "zero chunk size",
			mutate:  func(c *Config) { c.ChunkSize = 0 },
			wantErr: ErrInvalidChunking,
		},
		{
			name:    "overlap equals chunk size",
			mutate:  func(c *Config) { c.ChunkOverlap = c.ChunkSize },
			wantErr: ErrInvalidChunking,
		},
		{
			name:    "overlap exceeds chunk size",
			mutate:  func(c *Config) { c.ChunkOverlap = c.ChunkSize + 100 },
			wantErr: ErrInvalidChunking,
		},
		{
			name:    "negative overlap",
			mutate:  func(c *Config) { c.ChunkOverlap = -1 },
			wantErr: ErrInvalidChunking,
		},
		{
			name:    "top-k above maximum",
			mutate:  func(c *Config) { c.DefaultTopK = MaxTopK + 1 },
			wantErr: ErrInvalidTopK,
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.EmbedBatchSize = 0 },
			wantErr: ErrInvalidBatching,
		},
		{
			name:    "zero fan-out",
			mutate:  func(c *Config) { c.IngestFanOut = 0 },
			wantErr: ErrInvalidBatching,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want errors.Is(_, %v)", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ZeroTopKAllowed(t *testing.T) {
	// k=0 degrades to the no-context branch; it is valid configuration.
	cfg := validConfig()
	cfg.DefaultTopK = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with k=0 = %v, want nil", err)
	}
}

func TestMarshalJSON_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.OpenSearchPassword = "super_secret_password_value"
	cfg.PostgresURL = "postgres://user:hunter2longpassword@db:5432/sibyl"

	data, err := cfg.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}

	out := string(data)
	if strings.Contains(out, "super_secret_password_value") {
		t.Error("password leaked in JSON output")
	}
	if strings.Contains(out, "hunter2longpassword") {
		t.Error("DSN credentials leaked in JSON output")
	}
	if !strings.Contains(out, maskedValue) {
		t.Error("masked placeholder missing from JSON output")
	}
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.OpenSearchPassword = "another_secret_that_is_long"

	if strings.Contains(cfg.String(), "another_secret_that_is_long") {
		t.Error("String() leaked a secret")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in       string
		fullMask bool
	}{
		{"", false},
		{"short", true},
		{"12345678", true},
		{"a_much_longer_secret", false},
	}

	for _, tt := range tests {
		got := maskSecret(tt.in)
		if tt.in == "" {
			if got != "" {
				t.Errorf("maskSecret(%q) = %q, want empty", tt.in, got)
			}
			continue
		}
		if tt.fullMask && got != maskedValue {
			t.Errorf("maskSecret(%q) = %q, want full mask", tt.in, got)
		}
		if strings.Contains(got, tt.in) {
			t.Errorf("maskSecret(%q) = %q leaks input", tt.in, got)
		}
	}
}
