package cache

import (
	"errors"
	"fmt"
	"image"

	"github.com/kozaktomas/facegate/internal/database"
	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

// CorruptionError describes a persisted entry that could not be used.
type CorruptionError struct {
	ID     string
	Reason error
}

func (e *CorruptionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("cache corruption: %v", e.Reason)
	}
	return fmt.Sprintf("cache corruption in entry %s: %v", e.ID, e.Reason)
}

// Unwrap lets errors.Is match both faceerr.ErrCacheCorruption and the cause.
func (e *CorruptionError) Unwrap() []error {
	return []error{faceerr.ErrCacheCorruption, e.Reason}
}

func toStored(id string, e Entry) database.StoredEncoding {
	s := database.StoredEncoding{
		IdentityID:  id,
		Kind:        string(e.Encoding.Kind),
		Version:     e.Encoding.Version,
		Vector:      e.Encoding.Vector,
		Fingerprint: e.Fingerprint,
		UpdatedAt:   e.UpdatedAt,
	}
	if crop := e.Encoding.Crop; crop != nil {
		w, h := crop.Rect.Dx(), crop.Rect.Dy()
		s.CropWidth, s.CropHeight = w, h
		s.Crop = make([]byte, 0, w*h)
		for y := range h {
			off := crop.PixOffset(crop.Rect.Min.X, crop.Rect.Min.Y+y)
			s.Crop = append(s.Crop, crop.Pix[off:off+w]...)
		}
	}
	return s
}

func fromStored(s database.StoredEncoding) (Entry, error) {
	if err := s.Validate(); err != nil {
		return Entry{}, err
	}
	enc := &encoding.Encoding{
		Kind:    encoding.Kind(s.Kind),
		Version: s.Version,
		Vector:  s.Vector,
	}
	switch enc.Kind {
	case encoding.KindEmbedding:
		if len(s.Vector) == 0 {
			return Entry{}, errors.New("embedding without vector")
		}
	case encoding.KindGeometric:
		if s.CropWidth <= 0 || s.CropHeight <= 0 {
			return Entry{}, errors.New("geometric encoding without crop")
		}
		enc.Crop = &image.Gray{
			Pix:    s.Crop,
			Stride: s.CropWidth,
			Rect:   image.Rect(0, 0, s.CropWidth, s.CropHeight),
		}
	default:
		return Entry{}, fmt.Errorf("unknown encoding kind %q", s.Kind)
	}
	return Entry{Encoding: enc, Fingerprint: s.Fingerprint, UpdatedAt: s.UpdatedAt}, nil
}
