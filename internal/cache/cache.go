// Package cache keeps face encodings keyed by identity id, each tagged with
// the fingerprint of the reference image it was computed from.
//
// All state sits behind one RWMutex. Persistence happens in Flush, which
// snapshots the pending changes under the lock and writes them after
// releasing it, so readers never wait on storage.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/facegate/internal/database"
	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

// Entry is one cached encoding.
type Entry struct {
	Encoding    *encoding.Encoding
	Fingerprint string
	UpdatedAt   time.Time
}

// LoadStats summarizes a Load.
type LoadStats struct {
	Loaded  int `json:"loaded"`
	Dropped int `json:"dropped"`
}

// Stats describes the current cache state.
type Stats struct {
	Entries int    `json:"entries"`
	Dirty   int    `json:"dirty"`
	Deleted int    `json:"deleted"`
	Indexed int    `json:"indexed"`
	Version string `json:"version"`
}

// Cache is safe for concurrent use.
type Cache struct {
	store   database.EncodingStore
	version string
	logger  *zap.Logger
	index   *database.EmbeddingIndex
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	dirty   map[string]struct{}
	deleted map[string]struct{}

	flushMu sync.Mutex
}

// New returns an empty cache for encodings of the given version.
func New(store database.EncodingStore, version string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:   store,
		version: version,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]Entry),
		dirty:   make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

// EnableIndex maintains an HNSW index over embedding vectors. Call it
// before Load.
func (c *Cache) EnableIndex(cosine bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = database.NewEmbeddingIndex(cosine)
}

// Version returns the encoding version this cache accepts.
func (c *Cache) Version() string {
	return c.version
}

// Load replaces the in-memory state with the store contents. Entries that
// cannot be decoded or carry another version are dropped, logged and
// scheduled for deletion from the store.
func (c *Cache) Load(ctx context.Context) (LoadStats, error) {
	stored, dropped, err := c.store.Load(ctx)
	if err != nil {
		return LoadStats{}, fmt.Errorf("loading encoding cache: %w", err)
	}

	entries := make(map[string]Entry, len(stored))
	stale := make(map[string]struct{})
	for _, reason := range dropped {
		c.logCorruption(&CorruptionError{Reason: reason})
	}
	for _, s := range stored {
		if s.Version != c.version {
			c.logCorruption(&CorruptionError{ID: s.IdentityID, Reason: fmt.Errorf("version %q, want %q", s.Version, c.version)})
			stale[s.IdentityID] = struct{}{}
			continue
		}
		e, err := fromStored(s)
		if err != nil {
			c.logCorruption(&CorruptionError{ID: s.IdentityID, Reason: err})
			stale[s.IdentityID] = struct{}{}
			continue
		}
		entries[s.IdentityID] = e
	}

	c.mu.Lock()
	c.entries = entries
	c.dirty = make(map[string]struct{})
	c.deleted = stale
	c.rebuildIndexLocked()
	c.mu.Unlock()

	stats := LoadStats{Loaded: len(entries), Dropped: len(dropped) + len(stale)}
	c.logger.Info("encoding cache loaded",
		zap.Int("loaded", stats.Loaded),
		zap.Int("dropped", stats.Dropped),
		zap.String("version", c.version))
	return stats, nil
}

func (c *Cache) logCorruption(err *CorruptionError) {
	c.logger.Warn("dropping cache entry",
		zap.String("identity_id", err.ID),
		zap.String("code", string(faceerr.CodeCacheCorruption)),
		zap.Error(err))
}

func (c *Cache) rebuildIndexLocked() {
	if c.index == nil {
		return
	}
	vectors := make(map[string][]float32)
	for id, e := range c.entries {
		if e.Encoding.Kind == encoding.KindEmbedding {
			vectors[id] = e.Encoding.Vector
		}
	}
	c.index.Build(vectors)
}

// Get returns the cached encoding for id when it was computed from an
// image with the given fingerprint.
func (c *Cache) Get(id, fingerprint string) (*encoding.Encoding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok || e.Fingerprint != fingerprint {
		return nil, false
	}
	return e.Encoding, true
}

// Lookup returns the entry for id regardless of freshness.
func (c *Cache) Lookup(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Put stores enc for id. The encoding must carry the cache version.
func (c *Cache) Put(id string, enc *encoding.Encoding, fingerprint string) error {
	if enc == nil {
		return fmt.Errorf("caching %s: nil encoding", id)
	}
	if enc.Version != c.version {
		return fmt.Errorf("caching %s: version %q, want %q: %w", id, enc.Version, c.version, faceerr.ErrIncompatibleEncodings)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[id] = Entry{Encoding: enc, Fingerprint: fingerprint, UpdatedAt: c.now().UTC()}
	c.dirty[id] = struct{}{}
	delete(c.deleted, id)
	if c.index != nil && enc.Kind == encoding.KindEmbedding {
		c.index.Add(id, enc.Vector)
	}
	return nil
}

// Delete removes id. The removal reaches the store on the next Flush.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
	delete(c.dirty, id)
	c.deleted[id] = struct{}{}
	if c.index != nil {
		c.index.Delete(id)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of the entry map.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.entries))
	for id, e := range c.entries {
		out[id] = e
	}
	return out
}

// Stats reports entry and pending change counts.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Entries: len(c.entries),
		Dirty:   len(c.dirty),
		Deleted: len(c.deleted),
		Version: c.version,
	}
	if c.index != nil {
		s.Indexed = c.index.Count()
	}
	return s
}

// Nearest returns up to k cached identities ordered by embedding distance
// to query. It returns nil when no index is enabled.
func (c *Cache) Nearest(query []float32, k int) []string {
	c.mu.RLock()
	idx := c.index
	c.mu.RUnlock()
	if idx == nil {
		return nil
	}
	ids, err := idx.Nearest(query, k)
	if err != nil {
		return nil
	}
	return ids
}

// Flush writes pending changes to the store in one batch. On failure the
// changes stay pending for the next Flush.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	upserts := make([]database.StoredEncoding, 0, len(c.dirty))
	for id := range c.dirty {
		upserts = append(upserts, toStored(id, c.entries[id]))
	}
	deletes := make([]string, 0, len(c.deleted))
	for id := range c.deleted {
		deletes = append(deletes, id)
	}
	c.dirty = make(map[string]struct{})
	c.deleted = make(map[string]struct{})
	c.mu.Unlock()

	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	if err := c.store.Save(ctx, upserts, deletes); err != nil {
		c.mu.Lock()
		for _, s := range upserts {
			if _, ok := c.entries[s.IdentityID]; ok {
				if _, gone := c.deleted[s.IdentityID]; !gone {
					c.dirty[s.IdentityID] = struct{}{}
				}
			}
		}
		for _, id := range deletes {
			if _, ok := c.entries[id]; !ok {
				c.deleted[id] = struct{}{}
			}
		}
		c.mu.Unlock()
		return fmt.Errorf("flushing encoding cache: %w", err)
	}

	c.logger.Debug("encoding cache flushed",
		zap.Int("upserts", len(upserts)),
		zap.Int("deletes", len(deletes)))
	return nil
}

// Close flushes pending changes and closes the store.
func (c *Cache) Close(ctx context.Context) error {
	flushErr := c.Flush(ctx)
	if err := c.store.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("closing encoding store: %w", err)
	}
	return flushErr
}
