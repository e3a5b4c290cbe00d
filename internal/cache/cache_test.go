package cache

import (
	"context"
	"errors"
	"image"
	"slices"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kozaktomas/facegate/internal/database"
	"github.com/kozaktomas/facegate/internal/database/mock"
	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/faceerr"
)

const version = "embedding/test"

func emb(vec ...float32) *encoding.Encoding {
	return &encoding.Encoding{Kind: encoding.KindEmbedding, Version: version, Vector: vec}
}

func TestCache_GetRequiresFreshFingerprint(t *testing.T) {
	c := New(mock.NewMockEncodingStore(), version, nil)
	if err := c.Put("u1", emb(1, 2), "fp1"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, ok := c.Get("u1", "fp1"); !ok {
		t.Error("Get() with matching fingerprint missed")
	}
	if _, ok := c.Get("u1", "fp2"); ok {
		t.Error("Get() with stale fingerprint hit")
	}
	if _, ok := c.Get("u2", "fp1"); ok {
		t.Error("Get() for unknown id hit")
	}
}

func TestCache_PutRejectsOtherVersion(t *testing.T) {
	c := New(mock.NewMockEncodingStore(), version, nil)
	other := &encoding.Encoding{Kind: encoding.KindEmbedding, Version: "embedding/other", Vector: []float32{1}}
	if err := c.Put("u1", other, "fp"); !errors.Is(err, faceerr.ErrIncompatibleEncodings) {
		t.Errorf("Put() error = %v, want ErrIncompatibleEncodings", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCache_FlushAndReload(t *testing.T) {
	ctx := context.Background()
	store := mock.NewMockEncodingStore()
	c := New(store, version, nil)

	c.Put("u1", emb(1, 2), "fp1")
	c.Put("u2", emb(3, 4), "fp2")
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	c.Delete("u2")
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := store.SaveCalls.Load(); got != 2 {
		t.Errorf("SaveCalls = %d, want 2", got)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := store.SaveCalls.Load(); got != 2 {
		t.Errorf("empty Flush() wrote to store, SaveCalls = %d", got)
	}

	reloaded := New(store, version, nil)
	stats, err := reloaded.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stats.Loaded != 1 || stats.Dropped != 0 {
		t.Errorf("Load() = %+v, want 1 loaded", stats)
	}
	got, ok := reloaded.Get("u1", "fp1")
	if !ok || !slices.Equal(got.Vector, []float32{1, 2}) {
		t.Errorf("reloaded u1 = %v, %v", got, ok)
	}
}

func TestCache_FlushFailureKeepsChangesPending(t *testing.T) {
	ctx := context.Background()
	store := mock.NewMockEncodingStore()
	store.SaveError = errors.New("disk full")
	c := New(store, version, nil)

	c.Put("u1", emb(1), "fp1")
	c.Delete("gone")
	if err := c.Flush(ctx); err == nil {
		t.Fatal("Flush() succeeded with failing store")
	}
	if s := c.Stats(); s.Dirty != 1 || s.Deleted != 1 {
		t.Errorf("Stats() = %+v, want 1 dirty and 1 deleted", s)
	}

	store.SaveError = nil
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, ok := store.Get("u1"); !ok {
		t.Error("retry did not persist u1")
	}
	if s := c.Stats(); s.Dirty != 0 || s.Deleted != 0 {
		t.Errorf("Stats() after retry = %+v", s)
	}
}

func TestCache_LoadDropsCorruptEntries(t *testing.T) {
	store := mock.NewMockEncodingStore()
	store.AddEncoding(database.StoredEncoding{IdentityID: "ok", Kind: "embedding", Version: version, Vector: []float32{1}, Fingerprint: "f"})
	store.AddEncoding(database.StoredEncoding{IdentityID: "old", Kind: "embedding", Version: "embedding/v0", Vector: []float32{1}, Fingerprint: "f"})
	store.AddEncoding(database.StoredEncoding{IdentityID: "nocrop", Kind: "geometric", Version: version, Fingerprint: "f"})
	store.AddEncoding(database.StoredEncoding{IdentityID: "alien", Kind: "hologram", Version: version, Fingerprint: "f"})
	store.AddDropped(errors.New("truncated record"))

	core, logs := observer.New(zap.WarnLevel)
	c := New(store, version, zap.New(core))

	stats, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stats.Loaded != 1 || stats.Dropped != 4 {
		t.Errorf("Load() = %+v, want 1 loaded and 4 dropped", stats)
	}
	if n := logs.FilterMessage("dropping cache entry").Len(); n != 4 {
		t.Errorf("logged %d corruption warnings, want 4", n)
	}
	if s := c.Stats(); s.Deleted != 3 {
		t.Errorf("Deleted = %d, want 3 stale ids scheduled for removal", s.Deleted)
	}
}

func TestCache_LoadError(t *testing.T) {
	store := mock.NewMockEncodingStore()
	store.LoadError = errors.New("connection refused")
	if _, err := New(store, version, nil).Load(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestCorruptionError_Is(t *testing.T) {
	cause := errors.New("bad bytes")
	err := error(&CorruptionError{ID: "u1", Reason: cause})
	if !errors.Is(err, faceerr.ErrCacheCorruption) || !errors.Is(err, cause) {
		t.Errorf("CorruptionError does not unwrap to both causes: %v", err)
	}
}

func TestCodec_GeometricCrop(t *testing.T) {
	crop := image.NewGray(image.Rect(0, 0, 4, 3))
	for i := range crop.Pix {
		crop.Pix[i] = uint8(i * 10)
	}
	sub := crop.SubImage(image.Rect(1, 1, 3, 3)).(*image.Gray)

	e := Entry{Encoding: &encoding.Encoding{Kind: encoding.KindGeometric, Version: "g", Vector: []float32{1}, Crop: sub}, Fingerprint: "f"}
	back, err := fromStored(toStored("u1", e))
	if err != nil {
		t.Fatalf("fromStored() error = %v", err)
	}
	got := back.Encoding.Crop
	if got.Rect.Dx() != 2 || got.Rect.Dy() != 2 {
		t.Fatalf("crop bounds = %v", got.Rect)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			if got.GrayAt(x, y) != sub.GrayAt(x+1, y+1) {
				t.Errorf("pixel (%d,%d) = %v, want %v", x, y, got.GrayAt(x, y), sub.GrayAt(x+1, y+1))
			}
		}
	}
}

func TestCache_Nearest(t *testing.T) {
	c := New(mock.NewMockEncodingStore(), version, nil)
	if ids := c.Nearest([]float32{0, 0}, 1); ids != nil {
		t.Errorf("Nearest() without index = %v, want nil", ids)
	}

	c.EnableIndex(false)
	c.Put("far", emb(10, 10), "f")
	c.Put("near", emb(1, 1), "f")
	c.Put("nearest", emb(0, 0), "f")
	c.Delete("far")

	if ids := c.Nearest([]float32{0, 0}, 3); !slices.Equal(ids, []string{"nearest", "near"}) {
		t.Errorf("Nearest() = %v, want [nearest near]", ids)
	}
	if s := c.Stats(); s.Indexed != 2 {
		t.Errorf("Indexed = %d, want 2", s.Indexed)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := New(mock.NewMockEncodingStore(), version, nil)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			for j := range 50 {
				c.Put(id, emb(float32(j)), "fp")
				c.Get(id, "fp")
				if j%10 == 0 {
					c.Flush(ctx)
				}
			}
		}()
	}
	wg.Wait()

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if c.Len() != 16 {
		t.Errorf("Len() = %d, want 16", c.Len())
	}
}

func TestCache_Close(t *testing.T) {
	store := mock.NewMockEncodingStore()
	c := New(store, version, nil)
	c.Put("u1", emb(1), "fp")
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !store.Closed.Load() || store.Len() != 1 {
		t.Errorf("Close() did not flush and close the store")
	}
}
