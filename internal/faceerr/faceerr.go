// Package faceerr defines the error taxonomy shared by the face matching
// components and the stable codes reported in result structs.
package faceerr

import (
	"context"
	"errors"
)

var (
	ErrImageDecode           = errors.New("image decode failed")
	ErrPreprocess            = errors.New("image preprocessing failed")
	ErrNoFaceDetected        = errors.New("no face detected")
	ErrEncoding              = errors.New("face encoding failed")
	ErrCacheCorruption       = errors.New("cache entry corrupted")
	ErrReferenceMissing      = errors.New("stored reference missing")
	ErrIncompatibleEncodings = errors.New("encodings are not comparable")
	ErrModelLoad             = errors.New("model load failed")
	ErrDuplicateFace         = errors.New("face already registered to another identity")
)

// Code is the machine readable form of an error carried in results.
type Code string

const (
	CodeNone                 Code = ""
	CodeImageDecode          Code = "image_decode_error"
	CodePreprocess           Code = "preprocess_error"
	CodeNoFaceDetected       Code = "no_face_detected"
	CodeEncoding             Code = "encoding_error"
	CodeCacheCorruption      Code = "cache_corruption"
	CodeReferenceMissing     Code = "stored_reference_missing"
	CodeIncompatibleEncoding Code = "incompatible_encodings"
	CodeModelLoad            Code = "model_load_error"
	CodeDuplicateFace        Code = "duplicate_face"
	CodeTimeout              Code = "timeout"
	CodeInternal             Code = "internal_error"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrImageDecode, CodeImageDecode},
	{ErrPreprocess, CodePreprocess},
	{ErrNoFaceDetected, CodeNoFaceDetected},
	{ErrEncoding, CodeEncoding},
	{ErrCacheCorruption, CodeCacheCorruption},
	{ErrReferenceMissing, CodeReferenceMissing},
	{ErrIncompatibleEncodings, CodeIncompatibleEncoding},
	{ErrModelLoad, CodeModelLoad},
	{ErrDuplicateFace, CodeDuplicateFace},
	{context.DeadlineExceeded, CodeTimeout},
}

// CodeOf maps err to its Code. A nil error maps to CodeNone and anything
// outside the taxonomy maps to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Recoverable reports whether a scan may skip past err and continue.
func Recoverable(err error) bool {
	return err != nil && !errors.Is(err, ErrModelLoad) && !errors.Is(err, context.Canceled)
}
