package reference

import (
	"context"
	"errors"
	"testing"

	"github.com/kozaktomas/facegate/internal/blobstore"
	"github.com/kozaktomas/facegate/internal/cache"
	"github.com/kozaktomas/facegate/internal/database/mock"
	"github.com/kozaktomas/facegate/internal/directory"
	"github.com/kozaktomas/facegate/internal/faceerr"
	"github.com/kozaktomas/facegate/internal/pipeline/pipelinetest"
)

func setup(t *testing.T) (*Resolver, *blobstore.Memory, *pipelinetest.Encoder) {
	t.Helper()
	ctx := context.Background()

	blobs := blobstore.NewMemory()
	blobs.Put(ctx, "faces/u1.png", pipelinetest.Image(1, 0))
	blobs.Put(ctx, "faces/bad.png", pipelinetest.NoFace)

	dir := directory.NewMemory(
		directory.Identity{ID: "u1", ReferenceKey: "faces/u1.png"},
		directory.Identity{ID: "bad", ReferenceKey: "faces/bad.png"},
		directory.Identity{ID: "gone", ReferenceKey: "faces/gone.png"},
		directory.Identity{ID: "none"},
	)
	enc := &pipelinetest.Encoder{}
	c := cache.New(mock.NewMockEncodingStore(), pipelinetest.Version, nil)
	return New(dir, blobs, c, enc, nil), blobs, enc
}

func TestResolve_CachesByFingerprint(t *testing.T) {
	ctx := context.Background()
	r, blobs, enc := setup(t)

	for range 3 {
		got, err := r.ResolveID(ctx, "u1")
		if err != nil {
			t.Fatalf("ResolveID() error = %v", err)
		}
		if got.Vector[0] != 1 {
			t.Errorf("vector = %v, want [1 0]", got.Vector)
		}
	}
	if n := enc.Calls.Load(); n != 1 {
		t.Errorf("encoder calls = %d, want 1", n)
	}

	// Replacing the image makes the entry stale.
	blobs.Put(ctx, "faces/u1.png", pipelinetest.Image(0, 1))
	got, err := r.ResolveID(ctx, "u1")
	if err != nil {
		t.Fatalf("ResolveID() error = %v", err)
	}
	if got.Vector[1] != 1 || enc.Calls.Load() != 2 {
		t.Errorf("stale entry reused: vector %v, calls %d", got.Vector, enc.Calls.Load())
	}
	if r.Cache().Len() != 1 {
		t.Errorf("cache Len() = %d, want 1", r.Cache().Len())
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		id   string
		want error
	}{
		{"unknown", faceerr.ErrReferenceMissing},
		{"none", faceerr.ErrReferenceMissing},
		{"gone", faceerr.ErrReferenceMissing},
		{"bad", faceerr.ErrNoFaceDetected},
	}

	r, _, _ := setup(t)
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			_, err := r.ResolveID(context.Background(), tt.id)
			if !errors.Is(err, tt.want) {
				t.Errorf("ResolveID(%s) error = %v, want %v", tt.id, err, tt.want)
			}
		})
	}
	if r.Cache().Len() != 0 {
		t.Errorf("failed resolutions were cached")
	}
}
