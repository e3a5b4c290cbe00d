package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Crop copies the part of g inside r into a new origin based image. The
// rectangle is clipped to the image bounds first.
func Crop(g *image.Gray, r image.Rectangle) *image.Gray {
	r = r.Intersect(g.Bounds())
	if r.Empty() {
		return image.NewGray(image.Rectangle{})
	}
	return ToGray(g.SubImage(r))
}

// Resize scales g to width x height with bilinear interpolation.
func Resize(g *image.Gray, width, height int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, width, height))
	if g.Bounds().Empty() || width <= 0 || height <= 0 {
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), g, g.Bounds(), draw.Src, nil)
	return dst
}

// FitWithin shrinks g so neither side exceeds maxSize, keeping the aspect
// ratio. Smaller images are returned as is.
func FitWithin(g *image.Gray, maxSize int) *image.Gray {
	b := g.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= maxSize && height <= maxSize {
		return g
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = max(int(float64(height)*float64(maxSize)/float64(width)), 1)
	} else {
		newHeight = maxSize
		newWidth = max(int(float64(width)*float64(maxSize)/float64(height)), 1)
	}
	return Resize(g, newWidth, newHeight)
}

// Rotate turns g by angle degrees around center. Positive angles rotate
// counter-clockwise as displayed. Areas not covered by the rotated source
// keep their original pixels.
func Rotate(g *image.Gray, angle float64, center image.Point) *image.Gray {
	src := Clone(g)
	if angle == 0 {
		return src
	}
	dst := Clone(g)

	rad := angle * math.Pi / 180
	a, b := math.Cos(rad), math.Sin(rad)
	cx, cy := float64(center.X), float64(center.Y)
	s2d := f64.Aff3{
		a, b, (1-a)*cx - b*cy,
		-b, a, b*cx + (1-a)*cy,
	}
	draw.BiLinear.Transform(dst, s2d, src, src.Bounds(), draw.Src, nil)
	return dst
}

// EncodeJPEG encodes g for transports that expect a compressed image.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
