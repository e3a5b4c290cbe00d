package database

import (
	"time"
)

// StoredEncoding is the persisted form of one cache entry.
type StoredEncoding struct {
	IdentityID string    `cbor:"1,keyasint"`
	Kind       string    `cbor:"2,keyasint"`
	Version    string    `cbor:"3,keyasint"`
	Vector     []float32 `cbor:"4,keyasint,omitempty"`
	// Crop holds the raw 8-bit grayscale pixels of the normalized face crop
	// for geometric encodings.
	Crop        []byte    `cbor:"5,keyasint,omitempty"`
	CropWidth   int       `cbor:"6,keyasint,omitempty"`
	CropHeight  int       `cbor:"7,keyasint,omitempty"`
	Fingerprint string    `cbor:"8,keyasint"`
	UpdatedAt   time.Time `cbor:"9,keyasint"`
}

// Validate reports structural problems that make an entry unusable.
func (s *StoredEncoding) Validate() error {
	if s.IdentityID == "" {
		return errMissing("identity id")
	}
	if s.Version == "" {
		return errMissing("version")
	}
	if s.Fingerprint == "" {
		return errMissing("fingerprint")
	}
	if len(s.Crop) != s.CropWidth*s.CropHeight {
		return &InvalidEntryError{ID: s.IdentityID, Reason: "crop size does not match its dimensions"}
	}
	return nil
}

// ExportData is the on-disk envelope of the file store.
type ExportData struct {
	Version    int         `cbor:"1,keyasint"`
	ExportedAt time.Time   `cbor:"2,keyasint"`
	Encodings  []RawRecord `cbor:"3,keyasint"`
}

// RawRecord is one undecoded entry. Entries are decoded one by one so a
// single damaged record does not poison the rest of the file.
type RawRecord []byte

// CurrentExportVersion is bumped when the envelope layout changes.
const CurrentExportVersion = 1

// InvalidEntryError describes a stored entry that was dropped on load.
type InvalidEntryError struct {
	ID     string
	Reason string
}

func (e *InvalidEntryError) Error() string {
	if e.ID == "" {
		return "invalid cache entry: " + e.Reason
	}
	return "invalid cache entry " + e.ID + ": " + e.Reason
}

func errMissing(field string) error {
	return &InvalidEntryError{Reason: "missing " + field}
}
