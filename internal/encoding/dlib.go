//go:build dlib

package encoding

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	face "github.com/Kagami/go-face"

	"github.com/kozaktomas/facegate/internal/faceerr"
	"github.com/kozaktomas/facegate/internal/imaging"
)

// Dlib embeds faces with dlib's ResNet model through go-face. The
// recognizer is not reentrant, calls are serialized.
type Dlib struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// NewDlib loads the dlib models from modelsDir.
func NewDlib(modelsDir string) (Embedder, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: dlib models in %s: %v", faceerr.ErrModelLoad, modelsDir, err)
	}
	return &Dlib{rec: rec}, nil
}

// Embed implements Embedder.
func (d *Dlib) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	data, err := imaging.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	f, err := d.rec.RecognizeSingle(data)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	if f == nil {
		return nil, errors.New("dlib found no face in crop")
	}
	return f.Descriptor[:], nil
}

func (d *Dlib) Model() string { return "dlib-resnet" }

func (d *Dlib) Close() error {
	d.rec.Close()
	return nil
}
