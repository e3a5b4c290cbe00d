// Package filestore persists cache entries in a single zstd compressed CBOR
// file, replaced atomically on every save.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/kozaktomas/facegate/internal/database"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("filestore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("filestore: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("filestore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("filestore: zstd decoder initialization failed: " + err.Error())
	}
}

// Store is a database.EncodingStore backed by one file.
type Store struct {
	path string
	mu   sync.Mutex
}

var _ database.EncodingStore = (*Store)(nil)

// New returns a store writing to path. The file is created on first save.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("cache file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the cache file location.
func (s *Store) Path() string {
	return s.path
}

// Load implements database.EncodingStore. A missing file is an empty cache.
// An unreadable file is reported as a single dropped error.
func (s *Store) Load(ctx context.Context) ([]database.StoredEncoding, []error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, dropped, err := s.read()
	if err != nil {
		return nil, nil, err
	}
	out := make([]database.StoredEncoding, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, dropped, nil
}

// Save implements database.EncodingStore. The current file contents are
// merged with the batch and written to a temporary file that replaces the
// original.
func (s *Store) Save(ctx context.Context, upserts []database.StoredEncoding, deletes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, _, err := s.read()
	if err != nil {
		return err
	}
	for _, id := range deletes {
		delete(entries, id)
	}
	for _, e := range upserts {
		entries[e.IdentityID] = e
	}
	return s.write(entries)
}

// Close implements database.EncodingStore.
func (s *Store) Close() error {
	return nil
}

func (s *Store) read() (map[string]database.StoredEncoding, []error, error) {
	entries := make(map[string]database.StoredEncoding)

	compressed, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading cache file: %w", err)
	}

	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return entries, []error{fmt.Errorf("decompressing cache file: %w", err)}, nil
	}
	var envelope database.ExportData
	if err := decMode.Unmarshal(raw, &envelope); err != nil {
		return entries, []error{fmt.Errorf("decoding cache file: %w", err)}, nil
	}
	if envelope.Version != database.CurrentExportVersion {
		return entries, []error{fmt.Errorf("cache file version %d, want %d", envelope.Version, database.CurrentExportVersion)}, nil
	}

	var dropped []error
	for i, rec := range envelope.Encodings {
		var e database.StoredEncoding
		if err := decMode.Unmarshal(rec, &e); err != nil {
			dropped = append(dropped, &database.InvalidEntryError{Reason: fmt.Sprintf("record %d: %v", i, err)})
			continue
		}
		if err := e.Validate(); err != nil {
			dropped = append(dropped, err)
			continue
		}
		entries[e.IdentityID] = e
	}
	return entries, dropped, nil
}

func (s *Store) write(entries map[string]database.StoredEncoding) error {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	envelope := database.ExportData{
		Version:    database.CurrentExportVersion,
		ExportedAt: time.Now().UTC(),
		Encodings:  make([]database.RawRecord, 0, len(ids)),
	}
	for _, id := range ids {
		rec, err := encMode.Marshal(entries[id])
		if err != nil {
			return fmt.Errorf("encoding cache entry %s: %w", id, err)
		}
		envelope.Encodings = append(envelope.Encodings, rec)
	}
	raw, err := encMode.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding cache file: %w", err)
	}
	data := zstdEncoder.EncodeAll(raw, nil)

	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), ".encodings-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing cache file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming cache file to %s: %w", s.path, err)
	}

	success = true
	return nil
}
