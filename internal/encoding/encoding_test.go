package encoding

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/kozaktomas/facegate/internal/detect"
	"github.com/kozaktomas/facegate/internal/detect/detecttest"
	"github.com/kozaktomas/facegate/internal/facematch"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

func locatedFace(t *testing.T) *facematch.Face {
	t.Helper()
	l := facematch.NewLocator(detecttest.NewBlobDetector(), facematch.Options{})
	face, err := l.Locate(detecttest.Face(160, 0), nil)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	return face
}

func TestGeometric_CountsOnly(t *testing.T) {
	enc := NewGeometric(detecttest.NewBlobDetector(), 200)
	got, err := enc.Encode(context.Background(), locatedFace(t))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got.Kind != KindGeometric || got.Version != "geometric-v1/crop200" {
		t.Errorf("kind/version = %s/%s", got.Kind, got.Version)
	}
	if len(got.Vector) != LandmarkCounts {
		t.Fatalf("len(vector) = %d, want %d counts", len(got.Vector), LandmarkCounts)
	}
	if got.Crop == nil || got.Crop.Bounds().Dx() != 200 {
		t.Error("expected the 200px crop to be retained")
	}
}

func TestGeometric_FullFeatures(t *testing.T) {
	det := detecttest.NewBlobDetector()
	det.Features = map[detect.Feature][]image.Rectangle{
		detect.Eye:   {image.Rect(120, 50, 140, 70), image.Rect(40, 50, 60, 70)},
		detect.Nose:  {image.Rect(90, 90, 110, 120)},
		detect.Mouth: {image.Rect(70, 140, 130, 160)},
	}
	enc := NewGeometric(det, 200)
	face := locatedFace(t)

	got, err := enc.Encode(context.Background(), face)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(got.Vector) != LandmarkVectorLen {
		t.Fatalf("len(vector) = %d, want %d", len(got.Vector), LandmarkVectorLen)
	}

	want := []float64{
		2, 1, 1,
		80.0 / 200, // eye distance over width
		100.0 / 200, 105.0 / 200,
		100.0 / 200, 150.0 / 200,
		math.Hypot(50, 45) / 80,
		float64(face.Region.Dx()) / float64(face.Region.Dy()),
	}
	for i := range want {
		if math.Abs(float64(got.Vector[i])-want[i]) > 1e-5 {
			t.Errorf("vector[%d] = %v, want %v", i, got.Vector[i], want[i])
		}
	}
}

func TestGeometric_EmptyCrop(t *testing.T) {
	enc := NewGeometric(detecttest.NewBlobDetector(), 200)
	_, err := enc.Encode(context.Background(), &facematch.Face{Crop: image.NewGray(image.Rectangle{})})
	if !errors.Is(err, faceerr.ErrEncoding) {
		t.Errorf("Encode() error = %v, want ErrEncoding", err)
	}
	if _, err := enc.Encode(context.Background(), nil); !errors.Is(err, faceerr.ErrEncoding) {
		t.Errorf("Encode(nil) error = %v, want ErrEncoding", err)
	}
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if img.Bounds().Dx() != 150 {
		return nil, errors.New("unexpected input size")
	}
	return f.vec, f.err
}
func (f *fakeEmbedder) Model() string { return "fake" }
func (f *fakeEmbedder) Close() error  { return nil }

func TestEmbedding_Encode(t *testing.T) {
	tests := []struct {
		name    string
		emb     *fakeEmbedder
		dim     int
		wantErr error
	}{
		{"ok", &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}, 3, nil},
		{"any dim", &fakeEmbedder{vec: []float32{0.1, 0.2}}, 0, nil},
		{"empty", &fakeEmbedder{}, 3, faceerr.ErrEncoding},
		{"wrong dim", &fakeEmbedder{vec: []float32{1}}, 3, faceerr.ErrEncoding},
		{"model error", &fakeEmbedder{err: errors.New("down")}, 3, faceerr.ErrEncoding},
		{"deadline", &fakeEmbedder{err: context.DeadlineExceeded}, 3, context.DeadlineExceeded},
	}

	face := locatedFace(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewEmbedding(tt.emb, tt.dim)
			got, err := enc.Encode(context.Background(), face)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Encode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if got.Kind != KindEmbedding || got.Crop != nil {
				t.Errorf("unexpected encoding %+v", got)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	crop := image.NewGray(image.Rect(0, 0, 2, 2))
	geo := &Encoding{Kind: KindGeometric, Version: "g1", Crop: crop}
	emb3 := &Encoding{Kind: KindEmbedding, Version: "e1", Vector: make([]float32, 3)}

	tests := []struct {
		name string
		a, b *Encoding
		ok   bool
	}{
		{"same geometric", geo, &Encoding{Kind: KindGeometric, Version: "g1", Crop: crop}, true},
		{"same embedding", emb3, &Encoding{Kind: KindEmbedding, Version: "e1", Vector: make([]float32, 3)}, true},
		{"kind mismatch", geo, emb3, false},
		{"version mismatch", emb3, &Encoding{Kind: KindEmbedding, Version: "e2", Vector: make([]float32, 3)}, false},
		{"dimension mismatch", emb3, &Encoding{Kind: KindEmbedding, Version: "e1", Vector: make([]float32, 4)}, false},
		{"geometric without crop", geo, &Encoding{Kind: KindGeometric, Version: "g1"}, false},
		{"nil", geo, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.a.Compatible(tt.b)
			if tt.ok && err != nil {
				t.Errorf("Compatible() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, faceerr.ErrIncompatibleEncodings) {
				t.Errorf("Compatible() error = %v, want ErrIncompatibleEncodings", err)
			}
		})
	}
}

func TestDistances(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	if d := EuclideanDistance(a, b); math.Abs(d-math.Sqrt2) > 1e-9 {
		t.Errorf("EuclideanDistance() = %v, want sqrt(2)", d)
	}
	if d := EuclideanDistance(a, a); d != 0 {
		t.Errorf("EuclideanDistance(a, a) = %v, want 0", d)
	}
	if !math.IsInf(EuclideanDistance(a, []float32{1}), 1) {
		t.Error("length mismatch should be infinitely far")
	}
	if d := CosineDistance(a, b); math.Abs(d-1) > 1e-9 {
		t.Errorf("CosineDistance() = %v, want 1", d)
	}
	if d := CosineDistance(a, []float32{-1, 0}); math.Abs(d-2) > 1e-9 {
		t.Errorf("CosineDistance() opposite = %v, want 2", d)
	}
	if d := CosineDistance(a, []float32{0, 0}); d != 2 {
		t.Errorf("CosineDistance() zero vector = %v, want 2", d)
	}

	if _, err := DistanceByName("manhattan"); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestOpen(t *testing.T) {
	geo := NewGeometric(detecttest.NewBlobDetector(), 200)

	enc, err := Open(StrategyGeometric, nil, 0, geo)
	if err != nil || enc.Kind() != KindGeometric {
		t.Errorf("Open(geometric) = %v, %v", enc, err)
	}
	if _, err := Open(StrategyEmbedding, nil, 0, geo); !errors.Is(err, faceerr.ErrModelLoad) {
		t.Errorf("Open(embedding, nil) error = %v, want ErrModelLoad", err)
	}
	enc, err = Open(StrategyEmbedding, &fakeEmbedder{}, 128, geo)
	if err != nil || enc.Version() != "embedding/fake/128" {
		t.Errorf("Open(embedding) = %v, %v", enc, err)
	}
}
