package detect

import (
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

const (
	defaultShiftFactor      = 0.1
	defaultQualityThreshold = 5.0
	defaultMaxSize          = 1000
	clusterIoU              = 0.2
	puplocPerturbs          = 63
)

// Pigo detects faces with a pigo pixel intensity comparison cascade and
// locates pupils with the puploc cascade. It has no nose or mouth model.
type Pigo struct {
	classifier *pigo.Pigo
	puploc     *pigo.PuplocCascade
	cfg        Config
}

// NewPigo unpacks the cascade files named in cfg.
func NewPigo(cfg Config) (*Pigo, error) {
	if cfg.FaceCascade == "" {
		return nil, fmt.Errorf("%w: face cascade path is required", faceerr.ErrModelLoad)
	}
	data, err := os.ReadFile(cfg.FaceCascade)
	if err != nil {
		return nil, fmt.Errorf("%w: reading face cascade: %v", faceerr.ErrModelLoad, err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpacking face cascade: %v", faceerr.ErrModelLoad, err)
	}

	d := &Pigo{classifier: classifier, cfg: cfg}
	if d.cfg.ShiftFactor <= 0 {
		d.cfg.ShiftFactor = defaultShiftFactor
	}
	if d.cfg.QualityThreshold <= 0 {
		d.cfg.QualityThreshold = defaultQualityThreshold
	}
	if d.cfg.MinSize <= 0 {
		d.cfg.MinSize = constants.MinFaceSizePx
	}
	if d.cfg.MaxSize <= 0 {
		d.cfg.MaxSize = defaultMaxSize
	}

	if cfg.PuplocCascade != "" {
		data, err := os.ReadFile(cfg.PuplocCascade)
		if err != nil {
			return nil, fmt.Errorf("%w: reading puploc cascade: %v", faceerr.ErrModelLoad, err)
		}
		plc, err := pigo.NewPuplocCascade().UnpackCascade(data)
		if err != nil {
			return nil, fmt.Errorf("%w: unpacking puploc cascade: %v", faceerr.ErrModelLoad, err)
		}
		d.puploc = plc
	}
	return d, nil
}

func imageParams(g *image.Gray) pigo.ImageParams {
	b := g.Bounds()
	pixels := g.Pix
	if b.Min != (image.Point{}) || g.Stride != b.Dx() {
		pixels = make([]uint8, b.Dx()*b.Dy())
		for y := range b.Dy() {
			copy(pixels[y*b.Dx():], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):g.PixOffset(b.Max.X, b.Min.Y+y)])
		}
	}
	return pigo.ImageParams{
		Pixels: pixels,
		Rows:   b.Dy(),
		Cols:   b.Dx(),
		Dim:    b.Dx(),
	}
}

// DetectFaces implements Detector.
func (d *Pigo) DetectFaces(img *image.Gray, scaleFactor float64) []image.Rectangle {
	params := imageParams(img)
	maxSize := min(d.cfg.MaxSize, max(params.Rows, params.Cols))
	if maxSize < d.cfg.MinSize {
		return nil
	}

	dets := d.classifier.RunCascade(pigo.CascadeParams{
		MinSize:     d.cfg.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: d.cfg.ShiftFactor,
		ScaleFactor: scaleFactor,
		ImageParams: params,
	}, 0.0)
	dets = d.classifier.ClusterDetections(dets, clusterIoU)

	offset := img.Bounds().Min
	var faces []image.Rectangle
	for _, det := range dets {
		if det.Q < d.cfg.QualityThreshold {
			continue
		}
		half := det.Scale / 2
		r := image.Rect(det.Col-half, det.Row-half, det.Col+half, det.Row+half).Add(offset)
		faces = append(faces, r.Intersect(img.Bounds()))
	}
	return faces
}

// DetectFeatures implements Detector. Only eyes are supported, and only
// when a puploc cascade was loaded.
func (d *Pigo) DetectFeatures(face *image.Gray, feature Feature) []image.Rectangle {
	if feature != Eye || d.puploc == nil {
		return nil
	}

	params := imageParams(face)
	row, col := params.Rows/2, params.Cols/2
	scale := float32(min(params.Rows, params.Cols))

	var eyes []image.Rectangle
	for _, dx := range []float32{-0.175, 0.185} {
		pl := pigo.Puploc{
			Row:      row - int(0.075*scale),
			Col:      col + int(dx*scale),
			Scale:    scale * 0.25,
			Perturbs: puplocPerturbs,
		}
		eye := d.puploc.RunDetector(pl, params, 0.0, false)
		if eye == nil || eye.Row <= 0 || eye.Col <= 0 {
			continue
		}
		half := max(int(eye.Scale/2), 1)
		r := image.Rect(eye.Col-half, eye.Row-half, eye.Col+half, eye.Row+half)
		eyes = append(eyes, r.Add(face.Bounds().Min))
	}
	return eyes
}

// Close implements Detector.
func (d *Pigo) Close() error {
	return nil
}
