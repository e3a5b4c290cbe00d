package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

func gradient(w, h int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			g.SetGray(x, y, color.Gray{Y: uint8(100 + (x+y)%50)})
		}
	}
	return g
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// withPNGSize rewrites the IHDR dimensions of a PNG and fixes its checksum.
func withPNGSize(data []byte, w, h uint32) []byte {
	out := bytes.Clone(data)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestDecode_Errors(t *testing.T) {
	small := encodePNG(t, gradient(40, 30))

	tests := []struct {
		name      string
		data      []byte
		maxPixels int
	}{
		{"nil buffer", nil, 0},
		{"empty buffer", []byte{}, 0},
		{"garbage", []byte("definitely not an image"), 0},
		{"over pixel limit", small, 40*30 - 1},
		{"huge header", withPNGSize(small, 100_000, 100_000), constants.MaxDecodePixels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, tt.maxPixels)
			if !errors.Is(err, faceerr.ErrImageDecode) {
				t.Errorf("Decode() error = %v, want ErrImageDecode", err)
			}
		})
	}
}

func TestDecode_PixelLimit(t *testing.T) {
	data := encodePNG(t, gradient(40, 30))

	tests := []struct {
		name      string
		maxPixels int
	}{
		{"no limit", 0},
		{"exact fit", 40 * 30},
		{"default limit", constants.MaxDecodePixels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode(data, tt.maxPixels)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 30 {
				t.Errorf("bounds = %v, want 40x30", b)
			}
		})
	}

	opts := DefaultOptions()
	opts.MaxPixels = 100
	if _, err := PreprocessBytes(data, opts); !errors.Is(err, faceerr.ErrImageDecode) {
		t.Errorf("PreprocessBytes() error = %v, want ErrImageDecode", err)
	}
}

func TestPreprocessBytes_ColorImage(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := range 30 {
		for x := range 40 {
			rgba.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 90, A: 255})
		}
	}

	gray, err := PreprocessBytes(encodePNG(t, rgba), DefaultOptions())
	if err != nil {
		t.Fatalf("PreprocessBytes() error = %v", err)
	}
	if gray.Bounds().Dx() != 40 || gray.Bounds().Dy() != 30 {
		t.Errorf("bounds = %v, want 40x30", gray.Bounds())
	}
}

func TestPreprocess_RejectsColorWithoutConversion(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 4))
	opts := DefaultOptions()
	opts.Grayscale = false

	if _, err := Preprocess(rgba, opts); !errors.Is(err, faceerr.ErrPreprocess) {
		t.Errorf("Preprocess() error = %v, want ErrPreprocess", err)
	}
	if _, err := Preprocess(gradient(4, 4), opts); err != nil {
		t.Errorf("Preprocess() on gray input error = %v", err)
	}
}

func TestPreprocess_EmptyImage(t *testing.T) {
	if _, err := Preprocess(nil, DefaultOptions()); !errors.Is(err, faceerr.ErrPreprocess) {
		t.Errorf("nil image error = %v, want ErrPreprocess", err)
	}
	if _, err := Preprocess(image.NewGray(image.Rectangle{}), DefaultOptions()); !errors.Is(err, faceerr.ErrPreprocess) {
		t.Errorf("empty image error = %v, want ErrPreprocess", err)
	}
}

func TestPreprocess_Deterministic(t *testing.T) {
	opts := DefaultOptions()
	opts.CLAHE = true
	src := gradient(64, 48)

	a, err := Preprocess(src, opts)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	b, err := Preprocess(src, opts)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Error("identical input produced different output")
	}
	if src.Pix[0] != 100 {
		t.Error("input image was modified")
	}
}

func TestEqualizeHist(t *testing.T) {
	g := gradient(50, 50)
	eq := EqualizeHist(g)

	lo, hi := uint8(255), uint8(0)
	for _, v := range eq.Pix {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if lo != 0 || hi != 255 {
		t.Errorf("equalized range = [%d, %d], want [0, 255]", lo, hi)
	}
}

func TestEqualizeHist_FlatImage(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range g.Pix {
		g.Pix[i] = 77
	}
	eq := EqualizeHist(g)
	for _, v := range eq.Pix {
		if v != 77 {
			t.Fatalf("flat image changed to %d, want 77", v)
		}
	}
}

func TestCLAHE_SmallImage(t *testing.T) {
	g := gradient(5, 3)
	out := CLAHE(g, 2.0, 8)
	if out.Bounds() != g.Bounds() {
		t.Errorf("bounds = %v, want %v", out.Bounds(), g.Bounds())
	}
}

func TestCrop(t *testing.T) {
	g := gradient(20, 20)
	c := Crop(g, image.Rect(5, 5, 15, 12))
	if c.Bounds() != image.Rect(0, 0, 10, 7) {
		t.Fatalf("bounds = %v, want 10x7 at origin", c.Bounds())
	}
	if c.GrayAt(0, 0) != g.GrayAt(5, 5) {
		t.Errorf("crop origin pixel = %v, want %v", c.GrayAt(0, 0), g.GrayAt(5, 5))
	}

	clipped := Crop(g, image.Rect(15, 15, 40, 40))
	if clipped.Bounds().Dx() != 5 {
		t.Errorf("clipped width = %d, want 5", clipped.Bounds().Dx())
	}
	if !Crop(g, image.Rect(30, 30, 40, 40)).Bounds().Empty() {
		t.Error("crop outside bounds should be empty")
	}
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		name          string
		w, h, maxSize int
		wantW, wantH  int
	}{
		{"no resize needed", 100, 80, 200, 100, 80},
		{"landscape", 400, 200, 100, 100, 50},
		{"portrait", 200, 400, 100, 50, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FitWithin(gradient(tt.w, tt.h), tt.maxSize)
			if out.Bounds().Dx() != tt.wantW || out.Bounds().Dy() != tt.wantH {
				t.Errorf("FitWithin() = %dx%d, want %dx%d", out.Bounds().Dx(), out.Bounds().Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestRotate_ZeroIsCopy(t *testing.T) {
	g := gradient(30, 30)
	r := Rotate(g, 0, image.Pt(15, 15))
	if !bytes.Equal(r.Pix, g.Pix) {
		t.Error("zero rotation changed pixels")
	}
}

func TestRotate_MovesContent(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 41, 41))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	// Dark dot to the right of the center.
	for y := 19; y <= 21; y++ {
		for x := 34; x <= 36; x++ {
			g.SetGray(x, y, color.Gray{})
		}
	}

	r := Rotate(g, 90, image.Pt(20, 20))
	if r.GrayAt(35, 20).Y < 200 {
		t.Errorf("original dot position still dark after rotation: %d", r.GrayAt(35, 20).Y)
	}
	dark := 0
	for y := 0; y < 41; y++ {
		for x := 0; x < 41; x++ {
			if r.GrayAt(x, y).Y < 128 {
				dark++
			}
		}
	}
	if dark == 0 {
		t.Error("rotated image lost the dot")
	}
}
