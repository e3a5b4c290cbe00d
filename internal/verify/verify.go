// Package verify answers 1:1 questions: is this capture the registered
// identity, and do these two images show the same face.
package verify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/faceerr"
	"github.com/kozaktomas/facegate/internal/reference"
	"github.com/kozaktomas/facegate/internal/similarity"
)

// Result is the outcome of a verification. Failures are reported in Error
// and never returned.
type Result struct {
	Match                 bool               `json:"match"`
	Similarity            float64            `json:"similarity"`
	PerMetric             map[string]float64 `json:"per_metric"`
	Method                string             `json:"method"`
	Distance              *float64           `json:"distance,omitempty"`
	FaceDetectedInput     bool               `json:"face_detected_input"`
	FaceDetectedReference bool               `json:"face_detected_reference"`
	Threshold             float64            `json:"threshold"`
	Error                 faceerr.Code       `json:"error,omitempty"`
	Detail                string             `json:"detail,omitempty"`
}

// Verifier runs verifications. It is safe for concurrent use.
type Verifier struct {
	refs   *reference.Resolver
	scorer *similarity.Scorer
	logger *zap.Logger
}

func New(refs *reference.Resolver, scorer *similarity.Scorer, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{refs: refs, scorer: scorer, logger: logger}
}

// Verify compares capture with the reference image registered for
// identityID.
func (v *Verifier) Verify(ctx context.Context, identityID string, capture []byte) (res *Result) {
	start := time.Now()
	res = &Result{Threshold: v.scorer.Threshold(), PerMetric: map[string]float64{}}
	defer v.recoverPanic(&res, zap.String("identity_id", identityID))

	input, inErr := v.refs.Encoder().EncodeImage(ctx, capture)
	ref, refErr := v.refs.ResolveID(ctx, identityID)
	v.finish(res, input, ref, inErr, refErr)

	v.logger.Info("verification finished",
		zap.String("identity_id", identityID),
		zap.Bool("match", res.Match),
		zap.Float64("similarity", res.Similarity),
		zap.String("error_code", string(res.Error)),
		zap.Duration("duration", time.Since(start)))
	return res
}

// Compare compares two raw images.
func (v *Verifier) Compare(ctx context.Context, capture, referenceImage []byte) (res *Result) {
	res = &Result{Threshold: v.scorer.Threshold(), PerMetric: map[string]float64{}}
	defer v.recoverPanic(&res)

	enc := v.refs.Encoder()
	input, inErr := enc.EncodeImage(ctx, capture)
	ref, refErr := enc.EncodeImage(ctx, referenceImage)
	v.finish(res, input, ref, inErr, refErr)
	return res
}

// finish fills res from both sides. The input error wins when both fail.
func (v *Verifier) finish(res *Result, input, ref *encoding.Encoding, inErr, refErr error) {
	res.FaceDetectedInput = inErr == nil
	res.FaceDetectedReference = refErr == nil

	switch {
	case inErr != nil:
		v.fail(res, fmt.Errorf("capture: %w", inErr))
		return
	case refErr != nil:
		v.fail(res, fmt.Errorf("reference: %w", refErr))
		return
	}

	report, err := v.scorer.Compare(input, ref)
	if err != nil {
		v.fail(res, err)
		return
	}
	res.Match = report.Match
	res.Similarity = report.Fused
	res.PerMetric = report.Scores
	res.Method = report.Method
	res.Distance = report.Distance
}

func (v *Verifier) fail(res *Result, err error) {
	res.Error = faceerr.CodeOf(err)
	res.Detail = err.Error()
	v.logger.Debug("verification failed", zap.Error(err))
}

func (v *Verifier) recoverPanic(res **Result, fields ...zap.Field) {
	r := recover()
	if r == nil {
		return
	}
	v.logger.Error("verification panicked", append(fields, zap.Any("panic", r))...)
	*res = &Result{
		Threshold: v.scorer.Threshold(),
		PerMetric: map[string]float64{},
		Error:     faceerr.CodeInternal,
		Detail:    fmt.Sprint(r),
	}
}
