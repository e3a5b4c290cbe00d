package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kozaktomas/facegate/internal/blobstore"
	"github.com/kozaktomas/facegate/internal/config"
	"github.com/kozaktomas/facegate/internal/database/mock"
	"github.com/kozaktomas/facegate/internal/detect/detecttest"
	"github.com/kozaktomas/facegate/internal/directory"
	"github.com/kozaktomas/facegate/internal/faceerr"
	"github.com/kozaktomas/facegate/internal/pipeline/pipelinetest"
	"github.com/kozaktomas/facegate/internal/scanner"
)

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			Strategy:  "embedding",
			Fusion:    "max",
			Threshold: 0.6,
			Tolerance: 0.6,
			Distance:  "euclidean",
			CropSize:  200,
			Align:     true,
			Equalize:  true,
		},
		Detector: config.DetectorConfig{Backend: "pigo"},
		Scan: config.ScanConfig{
			Policy:          scanner.PolicyEarlyExit,
			Concurrency:     4,
			IdentityTimeout: time.Second,
		},
		Cache: config.CacheConfig{Backend: "memory", Index: true},
	}
}

type fixture struct {
	engine *Engine
	store  *mock.MockEncodingStore
	dir    *directory.Memory
	blobs  *blobstore.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: mock.NewMockEncodingStore(),
		dir: directory.NewMemory(
			directory.Identity{ID: "alice", Name: "Alice"},
			directory.Identity{ID: "bob", Name: "Bob"},
		),
		blobs: blobstore.NewMemory(),
	}
	e, err := New(context.Background(), testConfig(), Deps{
		Encoder:   &pipelinetest.Encoder{},
		Store:     f.store,
		Directory: f.dir,
		Blobs:     f.blobs,
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.engine = e
	t.Cleanup(func() { e.Close(context.Background()) })
	return f
}

func (f *fixture) reference(t *testing.T, id string) string {
	t.Helper()
	ident, err := f.dir.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return ident.ReferenceKey
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Register(ctx, "alice", "alice.png", pipelinetest.Image(1, 1), RegisterOptions{})
	if err != nil {
		t.Fatalf("Register(alice) error = %v", err)
	}
	if res.ReferenceKey != "faces/alice.png" || f.reference(t, "alice") != "faces/alice.png" {
		t.Errorf("reference key = %q, directory has %q", res.ReferenceKey, f.reference(t, "alice"))
	}
	if f.store.Len() != 1 {
		t.Errorf("store Len() = %d, want 1", f.store.Len())
	}

	// Bob's face is too close to Alice's.
	res, err = f.engine.Register(ctx, "bob", "bob.png", pipelinetest.Image(1, 1.05), RegisterOptions{})
	if !errors.Is(err, faceerr.ErrDuplicateFace) {
		t.Fatalf("Register(bob) error = %v, want ErrDuplicateFace", err)
	}
	if res == nil || res.Duplicate == nil || *res.Duplicate.MatchedIdentityID != "alice" {
		t.Errorf("duplicate result = %+v, want match on alice", res)
	}
	if f.reference(t, "bob") != "" || f.blobs.Len() != 1 {
		t.Errorf("refused registration left state behind: ref %q, %d blobs", f.reference(t, "bob"), f.blobs.Len())
	}

	if _, err := f.engine.Register(ctx, "bob", "bob.png", pipelinetest.Image(1, 1.05), RegisterOptions{AllowDuplicate: true}); err != nil {
		t.Fatalf("Register(bob, allow) error = %v", err)
	}

	// Re-registering replaces the old blob and never matches itself.
	res, err = f.engine.Register(ctx, "alice", "new.JPG", pipelinetest.Image(5, 5), RegisterOptions{})
	if err != nil {
		t.Fatalf("Register(alice again) error = %v", err)
	}
	if res.ReferenceKey != "faces/alice.jpg" {
		t.Errorf("reference key = %q, want faces/alice.jpg", res.ReferenceKey)
	}
	if _, err := f.blobs.Get(ctx, "faces/alice.png"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("old reference blob still present: %v", err)
	}
	if f.blobs.Len() != 2 {
		t.Errorf("blobs Len() = %d, want 2", f.blobs.Len())
	}

	if v := f.engine.Verify(ctx, "alice", pipelinetest.Image(5, 5)); !v.Match {
		t.Errorf("Verify(alice) = %+v, want match", v)
	}
	if v := f.engine.Verify(ctx, "alice", pipelinetest.Image(1, 1)); v.Match {
		t.Errorf("Verify(alice, old face) = %+v, want no match", v)
	}
}

func TestRegister_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		id    string
		image []byte
		want  error
	}{
		{"no face", "alice", pipelinetest.NoFace, faceerr.ErrNoFaceDetected},
		{"undecodable", "alice", []byte("garbage"), faceerr.ErrImageDecode},
		{"unknown identity", "carol", pipelinetest.Image(1, 1), directory.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Register(ctx, tt.id, "face.png", tt.image, RegisterOptions{})
			if !errors.Is(err, tt.want) {
				t.Errorf("Register() error = %v, want %v", err, tt.want)
			}
		})
	}
	if f.blobs.Len() != 0 || f.store.Len() != 0 {
		t.Errorf("failed registrations stored %d blobs, %d encodings", f.blobs.Len(), f.store.Len())
	}
}

func TestUnregister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Register(ctx, "alice", "a.png", pipelinetest.Image(1, 1), RegisterOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Unregister(ctx, "alice"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if f.reference(t, "alice") != "" || f.blobs.Len() != 0 {
		t.Errorf("reference survived: key %q, %d blobs", f.reference(t, "alice"), f.blobs.Len())
	}
	if f.engine.Cache().Len() != 0 || f.store.Len() != 0 {
		t.Errorf("encoding survived: cache %d, store %d", f.engine.Cache().Len(), f.store.Len())
	}

	if err := f.engine.Unregister(ctx, "alice"); !errors.Is(err, faceerr.ErrReferenceMissing) {
		t.Errorf("second Unregister() error = %v, want ErrReferenceMissing", err)
	}
	if err := f.engine.Unregister(ctx, "carol"); !errors.Is(err, directory.ErrNotFound) {
		t.Errorf("Unregister(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCheckDuplicateWarmAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.Put(ctx, "faces/alice.png", pipelinetest.Image(2, 2))
	f.blobs.Put(ctx, "faces/bob.png", pipelinetest.Image(-2, 2))
	f.dir.SetReference(ctx, "alice", "faces/alice.png")
	f.dir.SetReference(ctx, "bob", "faces/bob.png")

	ok, failed, err := f.engine.Warm(ctx, scanner.Options{})
	if err != nil || ok != 2 || failed != 0 {
		t.Fatalf("Warm() = %d, %d, %v", ok, failed, err)
	}

	res, err := f.engine.CheckDuplicate(ctx, pipelinetest.Image(-2, 2.1), scanner.Options{Policy: scanner.PolicyBestOfCorpus})
	if err != nil {
		t.Fatalf("CheckDuplicate() error = %v", err)
	}
	if !res.IsDuplicate || *res.MatchedIdentityID != "bob" {
		t.Errorf("CheckDuplicate() = %+v, want bob", res)
	}

	stats, err := f.engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Identities != 2 || stats.Cache.Entries != 2 || stats.Cache.Indexed != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.Threshold != 0.6 || stats.Version != pipelinetest.Version {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCompare_GeometricPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Strategy = "geometric"
	e, err := New(context.Background(), cfg, Deps{
		Detector:  detecttest.NewBlobDetector(),
		Store:     mock.NewMockEncodingStore(),
		Directory: directory.NewMemory(),
		Blobs:     blobstore.NewMemory(),
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close(context.Background())

	face := detecttest.PNG(detecttest.Face(180, 1))
	res := e.Compare(context.Background(), face, face)
	if !res.Match || res.Similarity < 0.99 {
		t.Errorf("Compare(self) = %+v, want match", res)
	}

	res = e.Compare(context.Background(), face, detecttest.PNG(detecttest.Blank(180)))
	if res.Match || !res.FaceDetectedInput || res.FaceDetectedReference {
		t.Errorf("Compare(face, blank) = %+v", res)
	}
	if res.Error != faceerr.CodeNoFaceDetected {
		t.Errorf("Error = %q, want %q", res.Error, faceerr.CodeNoFaceDetected)
	}
}

func TestNew_ModelLoadFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Strategy = "geometric"
	cfg.Detector.FaceCascade = "/nonexistent/facefinder"

	_, err := New(context.Background(), cfg, Deps{}, nil)
	if !errors.Is(err, faceerr.ErrModelLoad) {
		t.Errorf("New() error = %v, want ErrModelLoad", err)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.Put(ctx, "faces/alice.png", pipelinetest.Image(2, 2))
	f.dir.SetReference(ctx, "alice", "faces/alice.png")
	f.engine.Verify(ctx, "alice", pipelinetest.Image(2, 2))
	if f.store.Len() != 0 {
		t.Fatalf("verification flushed early")
	}

	if err := f.engine.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if f.store.Len() != 1 || !f.store.Closed.Load() {
		t.Errorf("Close() left store with %d entries, closed %v", f.store.Len(), f.store.Closed.Load())
	}
}

func TestFindByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Register(ctx, "alice", "a.png", pipelinetest.Image(1, 1), RegisterOptions{}); err != nil {
		t.Fatal(err)
	}
	got, err := f.engine.FindByName(ctx, "ALICE")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "alice" {
		t.Errorf("FindByName() = %+v, want alice", got)
	}
	// Bob has no reference yet.
	if got, _ := f.engine.FindByName(ctx, "bob"); len(got) != 0 {
		t.Errorf("FindByName(bob) = %+v, want none", got)
	}
}
