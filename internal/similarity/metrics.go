package similarity

import (
	"image"
	"math"

	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/imaging"
)

const (
	ssimWindow = 7
	ssimK1     = 0.01
	ssimK2     = 0.03
	ssimRange  = 255.0
)

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return min(v, 1)
}

// sameSize resizes b to the dimensions of a when they differ.
func sameSize(a, b *image.Gray) (*image.Gray, *image.Gray) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() == bb.Dx() && ab.Dy() == bb.Dy() {
		return imaging.Clone(a), imaging.Clone(b)
	}
	return imaging.Clone(a), imaging.Resize(b, ab.Dx(), ab.Dy())
}

// SSIM is the mean structural similarity index over a uniform 7x7 window
// with sample covariance, clamped to [0,1].
func SSIM(a, b *image.Gray) float64 {
	a, b = sameSize(a, b)
	w, h := a.Rect.Dx(), a.Rect.Dy()
	if w < ssimWindow || h < ssimWindow {
		return globalSSIM(a.Pix, b.Pix)
	}

	sa := newIntegral(a.Pix, nil, w, h)
	sb := newIntegral(b.Pix, nil, w, h)
	saa := newIntegral(a.Pix, a.Pix, w, h)
	sbb := newIntegral(b.Pix, b.Pix, w, h)
	sab := newIntegral(a.Pix, b.Pix, w, h)

	const n = ssimWindow * ssimWindow
	const covNorm = float64(n) / float64(n-1)
	c1 := (ssimK1 * ssimRange) * (ssimK1 * ssimRange)
	c2 := (ssimK2 * ssimRange) * (ssimK2 * ssimRange)

	var total float64
	count := 0
	for y := 0; y+ssimWindow <= h; y++ {
		for x := 0; x+ssimWindow <= w; x++ {
			ua := sa.sum(x, y, ssimWindow) / n
			ub := sb.sum(x, y, ssimWindow) / n
			vaa := covNorm * (saa.sum(x, y, ssimWindow)/n - ua*ua)
			vbb := covNorm * (sbb.sum(x, y, ssimWindow)/n - ub*ub)
			vab := covNorm * (sab.sum(x, y, ssimWindow)/n - ua*ub)

			num := (2*ua*ub + c1) * (2*vab + c2)
			den := (ua*ua + ub*ub + c1) * (vaa + vbb + c2)
			total += num / den
			count++
		}
	}
	return clamp01(total / float64(count))
}

func globalSSIM(a, b []uint8) float64 {
	n := float64(len(a))
	var ua, ub float64
	for i := range a {
		ua += float64(a[i])
		ub += float64(b[i])
	}
	ua /= n
	ub /= n
	var vaa, vbb, vab float64
	for i := range a {
		da, db := float64(a[i])-ua, float64(b[i])-ub
		vaa += da * da
		vbb += db * db
		vab += da * db
	}
	vaa /= n
	vbb /= n
	vab /= n
	c1 := (ssimK1 * ssimRange) * (ssimK1 * ssimRange)
	c2 := (ssimK2 * ssimRange) * (ssimK2 * ssimRange)
	return clamp01((2*ua*ub + c1) * (2*vab + c2) / ((ua*ua + ub*ub + c1) * (vaa + vbb + c2)))
}

// integral is a summed area table of a[i] or a[i]*b[i].
type integral struct {
	t []float64
	w int
}

func newIntegral(a, b []uint8, w, h int) integral {
	t := make([]float64, (w+1)*(h+1))
	for y := range h {
		var row float64
		for x := range w {
			v := float64(a[y*w+x])
			if b != nil {
				v *= float64(b[y*w+x])
			}
			row += v
			t[(y+1)*(w+1)+x+1] = t[y*(w+1)+x+1] + row
		}
	}
	return integral{t: t, w: w + 1}
}

func (in integral) sum(x, y, size int) float64 {
	x2, y2 := x+size, y+size
	return in.t[y2*in.w+x2] - in.t[y*in.w+x2] - in.t[y2*in.w+x] + in.t[y*in.w+x]
}

// HistogramCorrelation is the Pearson correlation of the 256 bin
// histograms after min-max normalization. Negative correlation counts as 0.
func HistogramCorrelation(a, b *image.Gray) float64 {
	ha, hb := normalizedHistogram(a), normalizedHistogram(b)
	return clamp01(pearson(ha[:], hb[:]))
}

func normalizedHistogram(g *image.Gray) [256]float64 {
	hist := imaging.Histogram(g)
	lo, hi := hist[0], hist[0]
	for _, v := range hist {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	var out [256]float64
	if hi == lo {
		return out
	}
	for i, v := range hist {
		out[i] = float64(v-lo) / float64(hi-lo)
	}
	return out
}

// TemplateCorrelation is the normalized correlation coefficient of two
// equally sized crops, the single position TM_CCOEFF_NORMED score.
func TemplateCorrelation(a, b *image.Gray) float64 {
	a, b = sameSize(a, b)
	fa := make([]float64, len(a.Pix))
	fb := make([]float64, len(b.Pix))
	for i := range a.Pix {
		fa[i] = float64(a.Pix[i])
		fb[i] = float64(b.Pix[i])
	}
	return clamp01(pearson(fa, fb))
}

// pearson returns the correlation coefficient of a and b. Two constant
// inputs correlate perfectly when equal and not at all otherwise.
func pearson(a, b []float64) float64 {
	n := float64(len(a))
	if n == 0 {
		return 0
	}
	var ma, mb float64
	for i := range a {
		ma += a[i]
		mb += b[i]
	}
	ma /= n
	mb /= n

	var cov, va, vb float64
	for i := range a {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		if va == vb && ma == mb {
			return 1
		}
		return 0
	}
	return cov / math.Sqrt(va*vb)
}

// MSESimilarity maps the mean squared error of two crops onto [0,1] as
// 1 - min(1, mse/10000).
func MSESimilarity(a, b *image.Gray) float64 {
	a, b = sameSize(a, b)
	if len(a.Pix) == 0 {
		return 0
	}
	var sum float64
	for i := range a.Pix {
		d := float64(a.Pix[i]) - float64(b.Pix[i])
		sum += d * d
	}
	mse := sum / float64(len(a.Pix))
	return 1 - min(1, mse/constants.MSEScale)
}

// GeometricSimilarity is 1/(1+d) for the euclidean distance d between the
// landmark ratios of two vectors. ok is false unless both vectors carry the
// full ratio set; feature counts alone say nothing about identity.
func GeometricSimilarity(a, b []float32) (float64, bool) {
	if len(a) != encoding.LandmarkVectorLen || len(b) != encoding.LandmarkVectorLen {
		return 0, false
	}
	var sum float64
	for i := encoding.LandmarkCounts; i < len(a); i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return 1 / (1 + math.Sqrt(sum)), true
}

// EmbeddingSimilarity is 1 - min(d, 1).
func EmbeddingSimilarity(distance float64) float64 {
	return clamp01(1 - min(distance, 1))
}
