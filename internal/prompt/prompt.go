// Package prompt turns retrieved chunks into the context block and final
// prompt handed to the language model.
package prompt

import (
	"fmt"
	"strings"

	"github.com/sibyl-ai/sibyl/internal/retrieval"
)

// NoContext is the exact context block used when retrieval returned nothing.
// Callers and tests match on it, so the string is part of the contract.
const NoContext = "No relevant context found in the knowledge base."

const systemInstruction = `You are a technical assistant answering questions about a knowledge base.
Answer using only the provided context. If the context does not contain
enough information to answer, say so explicitly instead of guessing.`

// FormatContext renders retrieved chunks into the context block. Each chunk
// becomes a labeled section carrying its source and relevance score (lower
// is better, three decimals); sections keep retrieval order and are
// separated by a divider line. No results yields NoContext.
func FormatContext(results []retrieval.Result) string {
	if len(results) == 0 {
		return NoContext
	}

	blocks := make([]string, len(results))
	for i, r := range results {
		source := r.Metadata["source"]
		if source == "" {
			source = "unknown"
		}
		blocks[i] = fmt.Sprintf("Source: %s (Relevance: %.3f)\n%s", source, r.Score, r.Text)
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

// ExtractSources returns the distinct sources of the results in first-seen
// order. Chunks without a source are skipped.
func ExtractSources(results []retrieval.Result) []string {
	var sources []string
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		s := r.Metadata["source"]
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		sources = append(sources, s)
	}
	return sources
}

// Build assembles the full prompt: the system instruction, the context
// block, and the user's question.
func Build(question, contextBlock string) string {
	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n\nContext:\n")
	b.WriteString(contextBlock)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer:")
	return b.String()
}
