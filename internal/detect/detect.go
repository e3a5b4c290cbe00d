// Package detect wraps the face and facial feature detectors used by the
// locator and the geometric encoder.
package detect

import (
	"fmt"
	"image"
)

// Feature identifies a facial landmark class searched inside a face crop.
type Feature int

const (
	Eye Feature = iota
	Nose
	Mouth
)

func (f Feature) String() string {
	switch f {
	case Eye:
		return "eye"
	case Nose:
		return "nose"
	case Mouth:
		return "mouth"
	}
	return fmt.Sprintf("feature(%d)", int(f))
}

// Detector finds faces and facial features in grayscale images.
// Implementations must be safe for concurrent use.
type Detector interface {
	// DetectFaces returns candidate face regions. scaleFactor is the image
	// pyramid step, larger values scan fewer scales.
	DetectFaces(img *image.Gray, scaleFactor float64) []image.Rectangle
	// DetectFeatures returns landmark regions in face coordinates. Backends
	// that cannot find a feature class return nil.
	DetectFeatures(face *image.Gray, feature Feature) []image.Rectangle
	Close() error
}

// Backend names accepted by Open.
const (
	BackendPigo   = "pigo"
	BackendOpenCV = "opencv"
)

// Config selects and parameterizes a detector backend.
type Config struct {
	Backend string

	// pigo
	FaceCascade      string
	PuplocCascade    string
	ShiftFactor      float64
	QualityThreshold float32

	// opencv
	HaarDir string

	MinSize int
	MaxSize int
}

// Open loads the configured backend. Any failure to load a model file is
// reported as faceerr.ErrModelLoad.
func Open(cfg Config) (Detector, error) {
	switch cfg.Backend {
	case "", BackendPigo:
		return NewPigo(cfg)
	case BackendOpenCV:
		return NewOpenCV(cfg)
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}
