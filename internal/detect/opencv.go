//go:build opencv

package detect

import (
	"fmt"
	"image"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

var haarFiles = map[string]string{
	"face":  "haarcascade_frontalface_default.xml",
	"eye":   "haarcascade_eye.xml",
	"nose":  "haarcascade_mcs_nose.xml",
	"mouth": "haarcascade_mcs_mouth.xml",
}

// featureParams mirrors the neighbour counts the Haar landmark cascades
// need to stay quiet on skin texture.
var featureParams = map[Feature]struct {
	scale        float64
	minNeighbors int
}{
	Eye:   {1.1, 3},
	Nose:  {1.1, 3},
	Mouth: {1.1, 4},
}

// OpenCV detects faces and landmarks with Haar cascades. CascadeClassifier
// is not safe for concurrent use so every call holds mu.
type OpenCV struct {
	mu       sync.Mutex
	face     gocv.CascadeClassifier
	features map[Feature]*gocv.CascadeClassifier
	minSize  int
	maxSize  int
}

// NewOpenCV loads the face cascade and whichever landmark cascades exist in
// cfg.HaarDir. Only the face cascade is mandatory.
func NewOpenCV(cfg Config) (Detector, error) {
	d := &OpenCV{
		face:     gocv.NewCascadeClassifier(),
		features: make(map[Feature]*gocv.CascadeClassifier),
		minSize:  cfg.MinSize,
		maxSize:  cfg.MaxSize,
	}
	if d.minSize <= 0 {
		d.minSize = constants.MinFaceSizePx
	}

	path := filepath.Join(cfg.HaarDir, haarFiles["face"])
	if !d.face.Load(path) {
		d.face.Close()
		return nil, fmt.Errorf("%w: loading face cascade %s", faceerr.ErrModelLoad, path)
	}

	for feature, name := range map[Feature]string{Eye: "eye", Nose: "nose", Mouth: "mouth"} {
		c := gocv.NewCascadeClassifier()
		if !c.Load(filepath.Join(cfg.HaarDir, haarFiles[name])) {
			c.Close()
			continue
		}
		d.features[feature] = &c
	}
	return d, nil
}

func toMat(img *image.Gray) (gocv.Mat, error) {
	mat, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("converting image to mat: %w", err)
	}
	return mat, nil
}

// DetectFaces implements Detector.
func (d *OpenCV) DetectFaces(img *image.Gray, scaleFactor float64) []image.Rectangle {
	mat, err := toMat(img)
	if err != nil {
		return nil
	}
	defer mat.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	faces := d.face.DetectMultiScaleWithParams(mat, scaleFactor, 5, 0,
		image.Pt(d.minSize, d.minSize), image.Pt(d.maxSize, d.maxSize))
	for i := range faces {
		faces[i] = faces[i].Add(img.Bounds().Min)
	}
	return faces
}

// DetectFeatures implements Detector.
func (d *OpenCV) DetectFeatures(face *image.Gray, feature Feature) []image.Rectangle {
	c, ok := d.features[feature]
	if !ok {
		return nil
	}
	mat, err := toMat(face)
	if err != nil {
		return nil
	}
	defer mat.Close()

	p := featureParams[feature]
	d.mu.Lock()
	defer d.mu.Unlock()
	found := c.DetectMultiScaleWithParams(mat, p.scale, p.minNeighbors, 0, image.Point{}, image.Point{})
	for i := range found {
		found[i] = found[i].Add(face.Bounds().Min)
	}
	return found
}

// Close implements Detector.
func (d *OpenCV) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.face.Close(); err != nil {
		return fmt.Errorf("closing face cascade: %w", err)
	}
	for _, c := range d.features {
		c.Close()
	}
	return nil
}
