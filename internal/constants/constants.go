// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Detection constants
const (
	// IoUThreshold is the minimum Intersection over Union required to consider
	// a detected face as matching a caller supplied hint region
	IoUThreshold = 0.1

	// MinFaceSizePx is the smallest face edge, in pixels, the detectors report
	MinFaceSizePx = 30

	// MaxImageSize is the maximum dimension (width or height) for image processing
	MaxImageSize = 1920

	// MaxDecodePixels caps width*height of an image before it is decoded
	MaxDecodePixels = 40_000_000

	// FaceCropSize is the edge of the square crop produced by the locator
	FaceCropSize = 200

	// EmbeddingInputSize is the edge of the square image sent to embedding models
	EmbeddingInputSize = 150
)

// DefaultScaleFactors are the detector pyramid scale factors tried in order
// until one of them yields a face.
var DefaultScaleFactors = []float64{1.1, 1.2, 1.3}

// Preprocessing constants
const (
	// DefaultCLAHEClipLimit is the contrast limit for adaptive equalization
	DefaultCLAHEClipLimit = 2.0

	// DefaultCLAHETileGrid is the number of tiles per axis for adaptive equalization
	DefaultCLAHETileGrid = 8
)

// Face matching constants
const (
	// DefaultThreshold is the fused similarity a pair must reach to match
	DefaultThreshold = 0.6

	// DefaultEmbeddingTolerance is the maximum embedding distance accepted as
	// a match regardless of the fused score
	DefaultEmbeddingTolerance = 0.6

	// MSEScale maps a mean squared error onto [0,1] similarity
	MSEScale = 10000.0
)

// Processing constants
const (
	// WorkerPoolSize is the default number of parallel workers for corpus scans
	WorkerPoolSize = 8

	// DefaultIdentityTimeout bounds detection and encoding for one identity
	DefaultIdentityTimeout = 10 * time.Second

	// DefaultFlushTimeout bounds the batched cache write after a scan
	DefaultFlushTimeout = 30 * time.Second
)
