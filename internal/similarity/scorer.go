// Package similarity compares two face encodings with several independent
// metrics and fuses them into one decision.
//
// The default fusion policy takes the maximum metric. It is optimistic: a
// pair matches as soon as any single metric is convinced, which favours
// recall over precision and accepts more false matches than the weighted
// policy.
package similarity

import (
	"fmt"
	"math"
	"sort"

	"github.com/kozaktomas/facegate/internal/constants"
	"github.com/kozaktomas/facegate/internal/encoding"
)

// Metric names reported in Report.Scores.
const (
	MetricEmbedding = "embedding"
	MetricSSIM      = "ssim"
	MetricHistogram = "histogram"
	MetricTemplate  = "template"
	MetricMSE       = "mse"
	MetricGeometric = "facial_features"
)

// Fusion policies.
const (
	PolicyMax      = "max"
	PolicyWeighted = "weighted"
)

// Config parameterizes a Scorer.
type Config struct {
	Policy string
	// Weights applies to the weighted policy. Metrics without a weight
	// count once.
	Weights map[string]float64
	// Threshold is the fused score a pair must reach to match.
	Threshold float64
	// Tolerance is the embedding distance at or below which a pair
	// matches regardless of the fused score.
	Tolerance float64
	// Distance names the embedding distance metric.
	Distance string
}

// DefaultConfig returns max fusion with the default thresholds.
func DefaultConfig() Config {
	return Config{
		Policy:    PolicyMax,
		Threshold: constants.DefaultThreshold,
		Tolerance: constants.DefaultEmbeddingTolerance,
		Distance:  encoding.DistanceEuclidean,
	}
}

// Report is the outcome of one comparison.
type Report struct {
	Scores map[string]float64 `json:"scores"`
	Fused  float64            `json:"fused"`
	// Method is the winning metric under max fusion, or the policy name.
	Method string `json:"method"`
	// Distance is the raw embedding distance, nil for geometric encodings.
	Distance  *float64 `json:"distance,omitempty"`
	Match     bool     `json:"match"`
	Threshold float64  `json:"threshold"`
}

// Scorer compares encodings.
type Scorer struct {
	cfg      Config
	distance encoding.DistanceFunc
}

// NewScorer validates cfg and returns a Scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyMax
	case PolicyMax, PolicyWeighted:
	default:
		return nil, fmt.Errorf("unknown fusion policy %q", cfg.Policy)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold %v outside [0,1]", cfg.Threshold)
	}
	for name, w := range cfg.Weights {
		if w < 0 {
			return nil, fmt.Errorf("negative weight %v for %s", w, name)
		}
	}
	dist, err := encoding.DistanceByName(cfg.Distance)
	if err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg, distance: dist}, nil
}

// Threshold returns the configured fused score threshold.
func (s *Scorer) Threshold() float64 {
	return s.cfg.Threshold
}

// Compare scores a against b. Both must be compatible encodings.
func (s *Scorer) Compare(a, b *encoding.Encoding) (*Report, error) {
	if err := a.Compatible(b); err != nil {
		return nil, err
	}

	r := &Report{Scores: make(map[string]float64), Threshold: s.cfg.Threshold}
	switch a.Kind {
	case encoding.KindEmbedding:
		d := s.distance(a.Vector, b.Vector)
		r.Distance = &d
		r.Scores[MetricEmbedding] = EmbeddingSimilarity(d)
	case encoding.KindGeometric:
		r.Scores[MetricSSIM] = SSIM(a.Crop, b.Crop)
		r.Scores[MetricHistogram] = HistogramCorrelation(a.Crop, b.Crop)
		r.Scores[MetricTemplate] = TemplateCorrelation(a.Crop, b.Crop)
		r.Scores[MetricMSE] = MSESimilarity(a.Crop, b.Crop)
		if g, ok := GeometricSimilarity(a.Vector, b.Vector); ok {
			r.Scores[MetricGeometric] = g
		}
	}

	r.Fused, r.Method = s.fuse(r.Scores)
	r.Match = r.Fused >= s.cfg.Threshold
	if r.Distance != nil && *r.Distance <= s.cfg.Tolerance {
		r.Match = true
	}
	return r, nil
}

func (s *Scorer) fuse(scores map[string]float64) (float64, string) {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)

	if s.cfg.Policy == PolicyWeighted {
		var sum, weights float64
		for _, name := range names {
			w, ok := s.cfg.Weights[name]
			if !ok {
				w = 1
			}
			sum += w * scores[name]
			weights += w
		}
		if weights == 0 {
			return 0, PolicyWeighted
		}
		return clamp01(sum / weights), PolicyWeighted
	}

	best, method := math.Inf(-1), ""
	for _, name := range names {
		if scores[name] > best {
			best, method = scores[name], name
		}
	}
	if method == "" {
		return 0, ""
	}
	return clamp01(best), method
}
