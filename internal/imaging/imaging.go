// Package imaging decodes raw image buffers and normalizes them into
// single-channel images ready for face detection.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

// Options toggles the individual preprocessing steps.
type Options struct {
	Grayscale    bool    `yaml:"grayscale"`
	Equalize     bool    `yaml:"equalize"`
	CLAHE        bool    `yaml:"clahe"`
	ClipLimit    float64 `yaml:"clip_limit"`
	TileGrid     int     `yaml:"tile_grid"`
	MaxDimension int     `yaml:"max_dimension"` // 0 keeps the original size
	MaxPixels    int     `yaml:"max_pixels"`    // 0 decodes any size
}

// DefaultOptions returns grayscale conversion plus global equalization.
func DefaultOptions() Options {
	return Options{
		Grayscale:    true,
		Equalize:     true,
		ClipLimit:    constants.DefaultCLAHEClipLimit,
		TileGrid:     constants.DefaultCLAHETileGrid,
		MaxDimension: constants.MaxImageSize,
		MaxPixels:    constants.MaxDecodePixels,
	}
}

// Decode reads an encoded image buffer. The header is checked first and an
// image of more than maxPixels pixels is refused before its pixel data is
// read. maxPixels <= 0 disables the check.
func Decode(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty buffer: %w", faceerr.ErrImageDecode)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faceerr.ErrImageDecode, err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%s image of %dx%d exceeds %d pixels: %w",
			format, cfg.Width, cfg.Height, maxPixels, faceerr.ErrImageDecode)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faceerr.ErrImageDecode, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("zero sized image: %w", faceerr.ErrImageDecode)
	}
	return img, nil
}

// Preprocess converts img into a normalized grayscale image. The input is
// never modified.
func Preprocess(img image.Image, opts Options) (*image.Gray, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("empty image: %w", faceerr.ErrPreprocess)
	}

	var gray *image.Gray
	if opts.Grayscale {
		gray = ToGray(img)
	} else {
		g, ok := img.(*image.Gray)
		if !ok {
			return nil, fmt.Errorf("unsupported color layout %T without grayscale conversion: %w", img, faceerr.ErrPreprocess)
		}
		gray = Clone(g)
	}

	if opts.MaxDimension > 0 {
		gray = FitWithin(gray, opts.MaxDimension)
	}
	if opts.Equalize {
		gray = EqualizeHist(gray)
	}
	if opts.CLAHE {
		gray = CLAHE(gray, opts.ClipLimit, opts.TileGrid)
	}
	return gray, nil
}

// PreprocessBytes decodes data and runs Preprocess on the result.
func PreprocessBytes(data []byte, opts Options) (*image.Gray, error) {
	img, err := Decode(data, opts.MaxPixels)
	if err != nil {
		return nil, err
	}
	return Preprocess(img, opts)
}

// ToGray converts img to an origin based grayscale image using the
// ITU-R BT.601 luma formula.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.Gray); ok {
		for y := range b.Dy() {
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+b.Dx()], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return gray
	}
	for y := range b.Dy() {
		row := gray.Pix[y*gray.Stride:]
		for x := range b.Dx() {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
			row[x] = clampByte(luma + 0.5)
		}
	}
	return gray
}

// Clone returns an origin based copy of g with a tight stride.
func Clone(g *image.Gray) *image.Gray {
	return ToGray(g)
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
