package encoding

import (
	"fmt"
	"math"
)

// Distance metrics for embedding vectors.
const (
	DistanceEuclidean = "euclidean"
	DistanceCosine    = "cosine"
)

// DistanceFunc measures how far apart two equal length vectors are.
type DistanceFunc func(a, b []float32) float64

// DistanceByName resolves a configured distance metric.
func DistanceByName(name string) (DistanceFunc, error) {
	switch name {
	case "", DistanceEuclidean:
		return EuclideanDistance, nil
	case DistanceCosine:
		return CosineDistance, nil
	default:
		return nil, fmt.Errorf("unknown distance metric %q", name)
	}
}

// EuclideanDistance returns the L2 distance between a and b, or +Inf when
// the lengths differ.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// CosineDistance computes the cosine distance between two vectors
// Returns a value between 0 (identical) and 2 (opposite)
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 2.0
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	similarity = max(-1, min(1, similarity))

	return 1 - similarity
}
