// Package pipeline runs the decode, preprocess, locate and encode stages
// that turn an encoded image into a face encoding.
package pipeline

import (
	"context"
	"fmt"

	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/facematch"
	"github.com/kozaktomas/facegate/internal/imaging"
)

// ImageEncoder turns raw image bytes into an encoding. The scanner and
// the verification service depend on this rather than on Pipeline.
type ImageEncoder interface {
	EncodeImage(ctx context.Context, data []byte) (*encoding.Encoding, error)
	// Version identifies the encodings this encoder produces.
	Version() string
}

// Pipeline chains the image stages. It holds no mutable state and is safe
// for concurrent use when its locator and encoder are.
type Pipeline struct {
	preprocess imaging.Options
	locator    *facematch.Locator
	encoder    encoding.Encoder
}

// New returns a pipeline.
func New(preprocess imaging.Options, locator *facematch.Locator, encoder encoding.Encoder) *Pipeline {
	return &Pipeline{preprocess: preprocess, locator: locator, encoder: encoder}
}

// Version implements ImageEncoder.
func (p *Pipeline) Version() string {
	return p.encoder.Version()
}

// Encoder returns the configured encoding strategy.
func (p *Pipeline) Encoder() encoding.Encoder {
	return p.encoder
}

// Locate decodes and preprocesses data, then returns the primary face.
func (p *Pipeline) Locate(ctx context.Context, data []byte) (*facematch.Face, error) {
	gray, err := imaging.PreprocessBytes(data, p.preprocess)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	face, err := p.locator.Locate(gray, nil)
	if err != nil {
		return nil, fmt.Errorf("locating face: %w", err)
	}
	return face, nil
}

// EncodeImage implements ImageEncoder. The context is checked between
// stages, a running detector pass is never interrupted.
func (p *Pipeline) EncodeImage(ctx context.Context, data []byte) (*encoding.Encoding, error) {
	face, err := p.Locate(ctx, data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc, err := p.encoder.Encode(ctx, face)
	if err != nil {
		return nil, fmt.Errorf("encoding face: %w", err)
	}
	return enc, nil
}
