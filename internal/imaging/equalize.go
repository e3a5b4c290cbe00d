package imaging

import (
	"image"
	"math"
)

func histogram(g *image.Gray, r image.Rectangle) (hist [256]int, total int) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := g.Pix[g.PixOffset(r.Min.X, y):g.PixOffset(r.Max.X, y)]
		for _, v := range row {
			hist[v]++
		}
	}
	return hist, r.Dx() * r.Dy()
}

// Histogram returns the 256 bin intensity histogram of g.
func Histogram(g *image.Gray) [256]int {
	hist, _ := histogram(g, g.Bounds())
	return hist
}

// EqualizeHist spreads the intensity histogram of g over the full 0-255
// range. A flat image is returned unchanged.
func EqualizeHist(g *image.Gray) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	hist, total := histogram(g, b)
	if total == 0 {
		return out
	}

	first := 0
	for first < 255 && hist[first] == 0 {
		first++
	}

	var lut [256]uint8
	if hist[first] == total {
		for i := range lut {
			lut[i] = uint8(first)
		}
	} else {
		scale := 255.0 / float64(total-hist[first])
		sum := 0
		for i := first + 1; i < 256; i++ {
			sum += hist[i]
			lut[i] = clampByte(math.Round(float64(sum) * scale))
		}
	}

	applyLUT(g, out, &lut)
	return out
}

func applyLUT(src, dst *image.Gray, lut *[256]uint8) {
	b := src.Bounds()
	for y := range b.Dy() {
		s := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		d := dst.Pix[y*dst.Stride:]
		for x := range b.Dx() {
			d[x] = lut[s[x]]
		}
	}
}

// CLAHE applies contrast limited adaptive histogram equalization over a
// tiles x tiles grid. Each tile histogram is clipped at clipLimit times the
// mean bin height and the per tile mappings are blended bilinearly.
func CLAHE(g *image.Gray, clipLimit float64, tiles int) *image.Gray {
	src := Clone(g)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	out := image.NewGray(src.Rect)
	if w == 0 || h == 0 {
		return out
	}
	if tiles < 1 {
		tiles = 1
	}
	tx, ty := min(tiles, w), min(tiles, h)
	tileW := (w + tx - 1) / tx
	tileH := (h + ty - 1) / ty
	// Ceil division can leave trailing tiles empty on small images.
	tx = (w + tileW - 1) / tileW
	ty = (h + tileH - 1) / tileH

	luts := make([][256]uint8, tx*ty)
	for j := range ty {
		for i := range tx {
			r := image.Rect(i*tileW, j*tileH, min((i+1)*tileW, w), min((j+1)*tileH, h))
			luts[j*tx+i] = tileLUT(src, r, clipLimit)
		}
	}

	for y := range h {
		fy := (float64(y)+0.5)/float64(tileH) - 0.5
		y1 := int(math.Floor(fy))
		wy := fy - float64(y1)
		y2 := min(y1+1, ty-1)
		y1 = max(y1, 0)
		row := src.Pix[y*src.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := range w {
			fx := (float64(x)+0.5)/float64(tileW) - 0.5
			x1 := int(math.Floor(fx))
			wx := fx - float64(x1)
			x2 := min(x1+1, tx-1)
			x1 = max(x1, 0)

			v := row[x]
			top := (1-wx)*float64(luts[y1*tx+x1][v]) + wx*float64(luts[y1*tx+x2][v])
			bottom := (1-wx)*float64(luts[y2*tx+x1][v]) + wx*float64(luts[y2*tx+x2][v])
			dst[x] = clampByte(math.Round((1-wy)*top + wy*bottom))
		}
	}
	return out
}

func tileLUT(g *image.Gray, r image.Rectangle, clipLimit float64) [256]uint8 {
	hist, area := histogram(g, r)
	var lut [256]uint8
	if area == 0 {
		for i := range lut {
			lut[i] = uint8(i)
		}
		return lut
	}

	if clipLimit > 0 {
		limit := max(int(clipLimit*float64(area)/256), 1)
		clipped := 0
		for i := range hist {
			if hist[i] > limit {
				clipped += hist[i] - limit
				hist[i] = limit
			}
		}
		batch := clipped / 256
		residual := clipped - batch*256
		for i := range hist {
			hist[i] += batch
		}
		if residual > 0 {
			step := max(256/residual, 1)
			for i := 0; i < 256 && residual > 0; i += step {
				hist[i]++
				residual--
			}
		}
	}

	scale := 255.0 / float64(area)
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = clampByte(math.Round(float64(sum) * scale))
	}
	return lut
}
