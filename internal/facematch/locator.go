// Package facematch locates the primary face in a preprocessed image and
// produces the normalized crop the encoders work on.
package facematch

import (
	"fmt"
	"image"
	"math"

	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/detect"
	"github.com/kozaktomas/facegate/internal/faceerr"
	"github.com/kozaktomas/facegate/internal/imaging"
)

// Face is a located face.
type Face struct {
	// Region is the face box in the coordinates of Source.
	Region image.Rectangle
	// Source is the image Region refers to. It is the rotated image when
	// alignment succeeded.
	Source *image.Gray
	// Crop is Region resized to the configured square crop size.
	Crop    *image.Gray
	Aligned bool
	// Angle is the rotation applied to level the eyes, in degrees.
	Angle float64
}

// Options configures a Locator.
type Options struct {
	ScaleFactors []float64
	Align        bool
	CropSize     int
}

// DefaultOptions returns the scale retry ladder with alignment enabled.
func DefaultOptions() Options {
	return Options{
		ScaleFactors: constants.DefaultScaleFactors,
		Align:        true,
		CropSize:     constants.FaceCropSize,
	}
}

// Locator finds the primary face in an image.
type Locator struct {
	det  detect.Detector
	opts Options
}

// NewLocator returns a Locator using det.
func NewLocator(det detect.Detector, opts Options) *Locator {
	if len(opts.ScaleFactors) == 0 {
		opts.ScaleFactors = constants.DefaultScaleFactors
	}
	if opts.CropSize <= 0 {
		opts.CropSize = constants.FaceCropSize
	}
	return &Locator{det: det, opts: opts}
}

// Detector returns the detector the locator runs.
func (l *Locator) Detector() detect.Detector {
	return l.det
}

// Locate returns the largest face in img. A non-nil hint restricts the
// choice to candidates overlapping it when any do.
func (l *Locator) Locate(img *image.Gray, hint *image.Rectangle) (*Face, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("empty image: %w", faceerr.ErrNoFaceDetected)
	}

	region, ok := l.find(img, hint)
	if !ok {
		return nil, fmt.Errorf("%d scale factors tried: %w", len(l.opts.ScaleFactors), faceerr.ErrNoFaceDetected)
	}

	face := &Face{Region: region, Source: img}
	if l.opts.Align {
		l.align(face)
	}
	face.Crop = imaging.Resize(imaging.Crop(face.Source, face.Region), l.opts.CropSize, l.opts.CropSize)
	return face, nil
}

// find runs the detector over the scale ladder until one pass yields a
// candidate, then applies the hint and largest area tie-break.
func (l *Locator) find(img *image.Gray, hint *image.Rectangle) (image.Rectangle, bool) {
	for _, scale := range l.opts.ScaleFactors {
		candidates := l.det.DetectFaces(img, scale)
		if len(candidates) == 0 {
			continue
		}
		if hint != nil {
			candidates = PreferHint(candidates, *hint, constants.IoUThreshold)
		}
		if region, ok := LargestRegion(candidates); ok {
			return region, true
		}
	}
	return image.Rectangle{}, false
}

// align levels the eyes inside face.Region. Every failure leaves face
// untouched.
func (l *Locator) align(face *Face) {
	crop := imaging.Crop(face.Source, face.Region)
	left, right, ok := EyePair(l.det.DetectFeatures(crop, detect.Eye))
	if !ok {
		return
	}
	// Eye boxes are in crop coordinates.
	left = left.Add(face.Region.Min)
	right = right.Add(face.Region.Min)

	angle := EyeAngle(left, right)
	if math.Abs(angle) < 0.01 {
		return
	}
	lx, ly := Center(left)
	rx, ry := Center(right)
	mid := image.Pt(int(math.Round((lx+rx)/2)), int(math.Round((ly+ry)/2)))

	rotated := imaging.Rotate(face.Source, angle, mid)
	region, found := l.find(rotated, &face.Region)
	if !found {
		return
	}
	face.Source = rotated
	face.Region = region
	face.Aligned = true
	face.Angle = angle
}
