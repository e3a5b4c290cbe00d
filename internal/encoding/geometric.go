package encoding

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/kozaktomas/facegate/internal/detect"
	"github.com/kozaktomas/facegate/internal/facematch"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

const geometricVersion = "geometric-v1"

// Landmark vector layout: feature counts, then ratios when a full set of
// eyes, nose and mouth was found.
const (
	LandmarkCounts    = 3
	LandmarkRatios    = 7
	LandmarkVectorLen = LandmarkCounts + LandmarkRatios
)

// Geometric keeps the normalized crop and a landmark ratio vector. It is
// the fallback when no embedding model is available.
type Geometric struct {
	det      detect.Detector
	cropSize int
}

// NewGeometric returns a geometric encoder that runs landmark detection
// with det.
func NewGeometric(det detect.Detector, cropSize int) *Geometric {
	return &Geometric{det: det, cropSize: cropSize}
}

func (g *Geometric) Kind() Kind { return KindGeometric }

func (g *Geometric) Version() string {
	return fmt.Sprintf("%s/crop%d", geometricVersion, g.cropSize)
}

func (g *Geometric) Close() error { return nil }

// Encode implements Encoder.
func (g *Geometric) Encode(ctx context.Context, face *facematch.Face) (*Encoding, error) {
	if _, err := cropOf(face); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Encoding{
		Kind:    KindGeometric,
		Version: g.Version(),
		Vector:  g.features(face),
		Crop:    face.Crop,
	}, nil
}

// features builds the landmark vector: counts of eyes, noses and mouths,
// followed by seven ratios when two eyes, a nose and a mouth were found.
func (g *Geometric) features(face *facematch.Face) []float32 {
	crop := face.Crop
	eyes := g.det.DetectFeatures(crop, detect.Eye)
	noses := g.det.DetectFeatures(crop, detect.Nose)
	mouths := g.det.DetectFeatures(crop, detect.Mouth)

	vec := []float32{float32(len(eyes)), float32(len(noses)), float32(len(mouths))}

	left, right, ok := facematch.EyePair(eyes)
	nose, hasNose := facematch.LargestRegion(noses)
	mouth, hasMouth := facematch.LargestRegion(mouths)
	if !ok || !hasNose || !hasMouth {
		return vec
	}

	w := float64(crop.Bounds().Dx())
	h := float64(crop.Bounds().Dy())
	lx, ly := facematch.Center(left)
	rx, _ := facematch.Center(right)
	nx, ny := facematch.Center(nose)
	mx, my := facematch.Center(mouth)

	eyeDistance := math.Abs(rx - lx)
	eyeNose := 0.0
	if eyeDistance > 0 {
		eyeNose = math.Hypot(nx-lx, ny-ly) / eyeDistance
	}
	aspect := 1.0
	if r := face.Region; r.Dy() > 0 {
		aspect = float64(r.Dx()) / float64(r.Dy())
	}

	return append(vec,
		float32(eyeDistance/w),
		float32(nx/w), float32(ny/h),
		float32(mx/w), float32(my/h),
		float32(eyeNose),
		float32(aspect),
	)
}

var _ Encoder = (*Geometric)(nil)

func cropOf(face *facematch.Face) (*image.Gray, error) {
	if face == nil || face.Crop == nil || face.Crop.Bounds().Empty() {
		return nil, fmt.Errorf("empty face crop: %w", faceerr.ErrEncoding)
	}
	return face.Crop, nil
}
