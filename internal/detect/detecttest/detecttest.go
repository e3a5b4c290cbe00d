// Package detecttest provides a deterministic detector and synthetic face
// images for tests that must not depend on cascade files.
package detecttest

import (
	"bytes"
	"image"
	"image/png"
	"math"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/facegate/internal/detect"
)

// BlobDetector reports the bounding box of all pixels darker than
// Threshold as the single face. Synthetic faces drawn by Face are dark
// ellipses on a white background, so the box is the face.
type BlobDetector struct {
	Threshold uint8
	// MinScale makes DetectFaces fail for smaller scale factors, which
	// exercises the locator retry loop.
	MinScale float64
	// Features are returned verbatim, offset into face coordinates.
	Features map[detect.Feature][]image.Rectangle
	Delay    time.Duration

	FaceCalls atomic.Int64
}

// NewBlobDetector returns a detector with the default threshold.
func NewBlobDetector() *BlobDetector {
	return &BlobDetector{Threshold: 250}
}

// DetectFaces implements detect.Detector.
func (d *BlobDetector) DetectFaces(img *image.Gray, scaleFactor float64) []image.Rectangle {
	d.FaceCalls.Add(1)
	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}
	if scaleFactor < d.MinScale {
		return nil
	}

	b := img.Bounds()
	box := image.Rectangle{}
	found := false
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.GrayAt(x, y).Y >= d.Threshold {
				continue
			}
			p := image.Rect(x, y, x+1, y+1)
			if !found {
				box, found = p, true
				continue
			}
			box = box.Union(p)
		}
	}
	if !found {
		return nil
	}
	return []image.Rectangle{box}
}

// DetectFeatures implements detect.Detector.
func (d *BlobDetector) DetectFeatures(face *image.Gray, feature detect.Feature) []image.Rectangle {
	rects := d.Features[feature]
	out := make([]image.Rectangle, 0, len(rects))
	for _, r := range rects {
		out = append(out, r.Add(face.Bounds().Min))
	}
	return out
}

// Close implements detect.Detector.
func (d *BlobDetector) Close() error { return nil }

// Face draws a smooth synthetic face of the given size: a shaded ellipse
// with two eye hollows and a mouth on a white background. variant moves
// the features so different variants are different faces.
func Face(size, variant int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, size, size))
	for i := range g.Pix {
		g.Pix[i] = 255
	}

	c := float64(size) / 2
	a := float64(size) * 0.36
	b := min(a*1.2, c-2)
	shift := float64(variant%5) * 0.05 * a
	spread := 0.35 + float64(variant%3)*0.05
	eyes := [][2]float64{
		{c - spread*a + shift, c - 0.25*b},
		{c + spread*a + shift, c - 0.25*b},
	}
	mouth := [2]float64{c + shift/2, c + 0.45*b}
	sigma := 0.12 * a

	for y := range size {
		for x := range size {
			px, py := float64(x)+0.5, float64(y)+0.5
			dx, dy := (px-c)/a, (py-c)/b
			r2 := dx*dx + dy*dy
			if r2 > 1 {
				continue
			}
			v := 130 + 70*(1-r2)
			for _, e := range eyes {
				d2 := (px-e[0])*(px-e[0]) + (py-e[1])*(py-e[1])
				v -= 80 * math.Exp(-d2/(2*sigma*sigma))
			}
			mx, my := (px-mouth[0])/(2*sigma), (py-mouth[1])/(0.7*sigma)
			v -= 60 * math.Exp(-(mx*mx+my*my)/2)
			g.Pix[y*g.Stride+x] = uint8(math.Round(max(10, min(235, v))))
		}
	}
	return g
}

// Blank returns a white image with no face on it.
func Blank(size int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, size, size))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	return g
}

// PNG encodes img. It panics on failure, which cannot happen for in-memory
// gray images.
func PNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
