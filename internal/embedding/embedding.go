// Package embedding computes vector embeddings for capability descriptors,
// search queries and owner memories.
package embedding

import (
	"context"
	"errors"
)

// ErrEmptyInput is returned when Embed is called without texts.
var ErrEmptyInput = errors.New("embedding: no texts to embed")

// Embedder turns texts into fixed-size vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size, or 0 when unknown.
	Dimensions() int

	// Close releases model or connection resources.
	Close() error
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, errors.New("embedding: expected exactly one vector")
	}
	return vecs[0], nil
}
