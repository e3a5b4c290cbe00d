// Package encoding turns located faces into comparable representations.
// Two strategies exist: learned embeddings and a geometric fallback that
// keeps the normalized crop plus landmark ratios. Encodings produced by
// different strategies or versions are never compared.
package encoding

import (
	"context"
	"fmt"
	"image"

	"github.com/kozaktomas/facegate/internal/facematch"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

// Kind names an encoding strategy.
type Kind string

const (
	KindEmbedding Kind = "embedding"
	KindGeometric Kind = "geometric"
)

// Encoding is the comparable representation of one face.
type Encoding struct {
	Kind    Kind
	Version string
	// Vector is the embedding for KindEmbedding and the landmark feature
	// vector for KindGeometric.
	Vector []float32
	// Crop is the normalized grayscale face, set for KindGeometric only.
	Crop *image.Gray
}

// Compatible returns faceerr.ErrIncompatibleEncodings unless e and o come
// from the same strategy and version.
func (e *Encoding) Compatible(o *Encoding) error {
	if e == nil || o == nil {
		return fmt.Errorf("nil encoding: %w", faceerr.ErrIncompatibleEncodings)
	}
	if e.Kind != o.Kind || e.Version != o.Version {
		return fmt.Errorf("%s/%s vs %s/%s: %w", e.Kind, e.Version, o.Kind, o.Version, faceerr.ErrIncompatibleEncodings)
	}
	if e.Kind == KindEmbedding && len(e.Vector) != len(o.Vector) {
		return fmt.Errorf("embedding dimensions %d vs %d: %w", len(e.Vector), len(o.Vector), faceerr.ErrIncompatibleEncodings)
	}
	if e.Kind == KindGeometric && (e.Crop == nil || o.Crop == nil) {
		return fmt.Errorf("geometric encoding without crop: %w", faceerr.ErrIncompatibleEncodings)
	}
	return nil
}

// Encoder converts a located face into an Encoding.
type Encoder interface {
	Encode(ctx context.Context, face *facematch.Face) (*Encoding, error)
	Kind() Kind
	// Version identifies the algorithm and its parameters. Cached
	// encodings with another version are recomputed.
	Version() string
	Close() error
}

// Strategy names accepted by configuration.
const (
	StrategyEmbedding = "embedding"
	StrategyGeometric = "geometric"
)
