// Package pipelinetest provides a deterministic ImageEncoder whose "images"
// spell out the embedding they encode to.
package pipelinetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

// Version is the encoding version produced by Encoder.
const Version = "embedding/fake"

// Encoder decodes images of the form "face:0.1,0.2" into an embedding
// with that vector. "noface" yields faceerr.ErrNoFaceDetected, anything
// else faceerr.ErrImageDecode. Images prefixed with "slow:" wait for Delay
// or until the context ends.
type Encoder struct {
	Delay time.Duration
	Calls atomic.Int64
}

// Image builds an image spelling out vec.
func Image(vec ...float32) []byte {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return []byte("face:" + strings.Join(parts, ","))
}

// Slow marks img as one that takes Delay to encode.
func Slow(img []byte) []byte {
	return append([]byte("slow:"), img...)
}

// NoFace is an image without a face.
var NoFace = []byte("noface")

func (e *Encoder) Version() string {
	return Version
}

func (e *Encoder) EncodeImage(ctx context.Context, data []byte) (*encoding.Encoding, error) {
	e.Calls.Add(1)
	s := string(data)

	if rest, ok := strings.CutPrefix(s, "slow:"); ok {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s = rest
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s == string(NoFace) {
		return nil, fmt.Errorf("locating face: %w", faceerr.ErrNoFaceDetected)
	}
	body, ok := strings.CutPrefix(s, "face:")
	if !ok {
		return nil, fmt.Errorf("unknown image: %w", faceerr.ErrImageDecode)
	}
	var vec []float32
	for _, p := range strings.Split(body, ",") {
		v, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("bad component %q: %w", p, faceerr.ErrImageDecode)
		}
		vec = append(vec, float32(v))
	}
	return &encoding.Encoding{Kind: encoding.KindEmbedding, Version: Version, Vector: vec}, nil
}
