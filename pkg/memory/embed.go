// Package memory stores text with embeddings and retrieves it by similarity.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/pario-ai/relay/pkg/config"
)

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder is a deterministic feature-hashing embedder. Words and
// adjacent word pairs are hashed into Dims buckets with a signed weight and
// the result is L2-normalized.
type HashEmbedder struct {
	Dims int
}

// Embed implements Embedder.
func (h HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if h.Dims <= 0 {
		return nil, fmt.Errorf("hash embedder: dimensions must be positive")
	}
	vec := make([]float64, h.Dims)
	words := tokenize(text)
	for i, w := range words {
		h.add(vec, w, 1)
		if i > 0 {
			h.add(vec, words[i-1]+" "+w, 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

func (h HashEmbedder) add(vec []float64, feature string, weight float64) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.Dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	n := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= n
	}
}

// embedClient is satisfied by backend.Ollama.
type embedClient interface {
	Embed(ctx context.Context, model, text string) ([]float64, error)
}

// OllamaEmbedder asks an Ollama server for embeddings.
type OllamaEmbedder struct {
	client embedClient
	model  string
}

// NewOllamaEmbedder creates an OllamaEmbedder for model.
func NewOllamaEmbedder(client embedClient, model string) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model}
}

// Embed implements Embedder.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return o.client.Embed(ctx, o.model, text)
}

// NewEmbedder builds the embedder named by cfg.
func NewEmbedder(cfg config.MemoryConfig, client embedClient) (Embedder, error) {
	switch cfg.Embedder {
	case "", "hash":
		return HashEmbedder{Dims: cfg.Dimensions}, nil
	case "ollama":
		if client == nil {
			return nil, fmt.Errorf("ollama embedder: no client")
		}
		return NewOllamaEmbedder(client, cfg.OllamaModel), nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
