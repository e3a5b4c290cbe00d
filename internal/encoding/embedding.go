package encoding

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/facematch"
	"github.com/kozaktomas/facegate/internal/faceerr"
	"github.com/kozaktomas/facegate/internal/fingerprint"
	"github.com/kozaktomas/facegate/internal/imaging"
)

// Embedder maps a face image to a fixed length identity vector.
type Embedder interface {
	Embed(ctx context.Context, face image.Image) ([]float32, error)
	Model() string
	Close() error
}

// Embedding encodes faces with a learned model.
type Embedding struct {
	emb Embedder
	dim int
}

// NewEmbedding wraps emb. A positive dim is enforced on every vector.
func NewEmbedding(emb Embedder, dim int) *Embedding {
	return &Embedding{emb: emb, dim: dim}
}

func (e *Embedding) Kind() Kind { return KindEmbedding }

func (e *Embedding) Version() string {
	if e.dim > 0 {
		return fmt.Sprintf("embedding/%s/%d", e.emb.Model(), e.dim)
	}
	return "embedding/" + e.emb.Model()
}

func (e *Embedding) Close() error { return e.emb.Close() }

// Encode implements Encoder.
func (e *Embedding) Encode(ctx context.Context, face *facematch.Face) (*Encoding, error) {
	input, err := cropOf(face)
	if err != nil {
		return nil, err
	}
	if b := input.Bounds(); b.Dx() != constants.EmbeddingInputSize || b.Dy() != constants.EmbeddingInputSize {
		input = imaging.Resize(input, constants.EmbeddingInputSize, constants.EmbeddingInputSize)
	}

	vec, err := e.emb.Embed(ctx, input)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", faceerr.ErrEncoding, e.emb.Model(), err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: %s returned an empty embedding", faceerr.ErrEncoding, e.emb.Model())
	}
	if e.dim > 0 && len(vec) != e.dim {
		return nil, fmt.Errorf("%w: %s returned %d dimensions, want %d", faceerr.ErrEncoding, e.emb.Model(), len(vec), e.dim)
	}
	return &Encoding{Kind: KindEmbedding, Version: e.Version(), Vector: vec}, nil
}

var _ Encoder = (*Embedding)(nil)

// HTTPEmbedder calls the embedding server's face endpoint.
type HTTPEmbedder struct {
	client *fingerprint.EmbeddingClient
}

// NewHTTPEmbedder wraps an embedding server client.
func NewHTTPEmbedder(client *fingerprint.EmbeddingClient) *HTTPEmbedder {
	return &HTTPEmbedder{client: client}
}

// Embed sends face as JPEG and returns the embedding of the most confident
// detection.
func (h *HTTPEmbedder) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	data, err := imaging.EncodeJPEG(face)
	if err != nil {
		return nil, err
	}
	return h.client.ComputeFaceEmbedding(ctx, data)
}

func (h *HTTPEmbedder) Model() string { return h.client.Model() }

func (h *HTTPEmbedder) Close() error { return nil }

// Open builds the encoder for strategy. The embedding strategy needs emb.
func Open(strategy string, emb Embedder, dim int, geometric *Geometric) (Encoder, error) {
	switch strategy {
	case StrategyEmbedding:
		if emb == nil {
			return nil, fmt.Errorf("%w: embedding strategy without an embedder", faceerr.ErrModelLoad)
		}
		return NewEmbedding(emb, dim), nil
	case "", StrategyGeometric:
		return geometric, nil
	default:
		return nil, fmt.Errorf("unknown encoding strategy %q", strategy)
	}
}
