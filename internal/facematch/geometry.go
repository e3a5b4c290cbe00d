package facematch

import (
	"image"
	"math"
	"sort"
)

// ComputeIoU calculates Intersection over Union between two regions.
func ComputeIoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	intersection := area(inter)
	union := area(a) + area(b) - intersection
	if union <= 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

// LargestRegion returns the candidate with the largest area. Ties keep the
// earliest candidate so the choice is stable for a given detector output.
func LargestRegion(candidates []image.Rectangle) (image.Rectangle, bool) {
	best, bestArea := image.Rectangle{}, 0
	for _, c := range candidates {
		if a := area(c); a > bestArea {
			best, bestArea = c, a
		}
	}
	return best, bestArea > 0
}

// PreferHint keeps the candidates overlapping hint by at least minIoU. When
// none do, all candidates are returned so the hint never causes a miss.
func PreferHint(candidates []image.Rectangle, hint image.Rectangle, minIoU float64) []image.Rectangle {
	var kept []image.Rectangle
	for _, c := range candidates {
		if ComputeIoU(c, hint) >= minIoU {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return candidates
	}
	return kept
}

// Center returns the center of r in floating point pixel coordinates.
func Center(r image.Rectangle) (float64, float64) {
	return float64(r.Min.X+r.Max.X) / 2, float64(r.Min.Y+r.Max.Y) / 2
}

// EyePair picks the two leftmost eye regions and returns them ordered
// left to right.
func EyePair(eyes []image.Rectangle) (left, right image.Rectangle, ok bool) {
	if len(eyes) < 2 {
		return image.Rectangle{}, image.Rectangle{}, false
	}
	sorted := append([]image.Rectangle(nil), eyes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Min.X < sorted[j].Min.X })
	return sorted[0], sorted[1], true
}

// EyeAngle returns the angle in degrees of the line from the left eye
// center to the right eye center.
func EyeAngle(left, right image.Rectangle) float64 {
	lx, ly := Center(left)
	rx, ry := Center(right)
	return math.Atan2(ry-ly, rx-lx) * 180 / math.Pi
}
