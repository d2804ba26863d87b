// Package llm defines the model collaborators task workflows call out to.
package llm

import "context"

// Generator turns a prompt into note text.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Embedder produces a fixed-dimension vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
