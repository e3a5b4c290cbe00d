// Package engine wires the face matching components from configuration and
// exposes the operations the CLI offers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kozaktomas/facegate/internal/blobstore"
	"github.com/kozaktomas/facegate/internal/cache"
	"github.com/kozaktomas/facegate/internal/config"
	"github.com/kozaktomas/facegate/internal/database"
	"github.com/kozaktomas/facegate/internal/database/filestore"
	"github.com/kozaktomas/facegate/internal/database/mock"
	"github.com/kozaktomas/facegate/internal/database/postgres"
	"github.com/kozaktomas/facegate/internal/detect"
	"github.com/kozaktomas/facegate/internal/directory"
	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/facematch"
	"github.com/kozaktomas/facegate/internal/faceerr"
	"github.com/kozaktomas/facegate/internal/fingerprint"
	"github.com/kozaktomas/facegate/internal/imaging"
	"github.com/kozaktomas/facegate/internal/pipeline"
	"github.com/kozaktomas/facegate/internal/reference"
	"github.com/kozaktomas/facegate/internal/scanner"
	"github.com/kozaktomas/facegate/internal/similarity"
	"github.com/kozaktomas/facegate/internal/verify"
)

// Deps overrides components that New would otherwise build from
// configuration. Nil fields are built.
type Deps struct {
	Detector  detect.Detector
	Embedder  encoding.Embedder
	Store     database.EncodingStore
	Directory directory.Directory
	Blobs     blobstore.Store
	// Encoder replaces the whole image pipeline. No detector is opened
	// when it is set.
	Encoder pipeline.ImageEncoder
}

// Engine owns every component for its lifetime.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	detector detect.Detector
	encoder  encoding.Encoder
	images   pipeline.ImageEncoder
	store    database.EncodingStore
	dir      directory.Directory
	blobs    blobstore.Store

	cache    *cache.Cache
	refs     *reference.Resolver
	scorer   *similarity.Scorer
	scanner  *scanner.Scanner
	verifier *verify.Verifier
}

// New builds an engine. Failing to load a model is fatal and reported as
// faceerr.ErrModelLoad. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, deps Deps, logger *zap.Logger) (_ *Engine, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			e.Close(context.WithoutCancel(ctx))
		}
	}()

	if e.images = deps.Encoder; e.images == nil {
		if err := e.openPipeline(deps); err != nil {
			return nil, err
		}
	}

	if e.store = deps.Store; e.store == nil {
		if e.store, err = openStore(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	e.cache = cache.New(e.store, e.images.Version(), logger)
	if cfg.Cache.Index && cfg.Engine.Strategy == encoding.StrategyEmbedding {
		e.cache.EnableIndex(cfg.Engine.Distance == encoding.DistanceCosine)
	}
	stats, loadErr := e.cache.Load(ctx)
	if loadErr != nil {
		logger.Warn("starting with an empty encoding cache", zap.Error(loadErr))
	} else {
		logger.Info("encoding cache loaded",
			zap.Int("loaded", stats.Loaded),
			zap.Int("dropped", stats.Dropped),
			zap.String("version", e.images.Version()))
	}

	if e.dir = deps.Directory; e.dir == nil {
		if e.dir, err = openDirectory(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if e.blobs = deps.Blobs; e.blobs == nil {
		if e.blobs, err = openBlobs(cfg); err != nil {
			return nil, err
		}
	}

	e.scorer, err = similarity.NewScorer(similarity.Config{
		Policy:    cfg.Engine.Fusion,
		Weights:   cfg.Engine.Weights,
		Threshold: cfg.Engine.Threshold,
		Tolerance: cfg.Engine.Tolerance,
		Distance:  cfg.Engine.Distance,
	})
	if err != nil {
		return nil, err
	}

	e.refs = reference.New(e.dir, e.blobs, e.cache, e.images, logger)
	e.scanner = scanner.New(e.refs, e.scorer, logger, scanner.Options{
		Policy:          cfg.Scan.Policy,
		Concurrency:     cfg.Scan.Concurrency,
		IdentityTimeout: cfg.Scan.IdentityTimeout,
	})
	e.verifier = verify.New(e.refs, e.scorer, logger)
	return e, nil
}

func (e *Engine) openPipeline(deps Deps) error {
	cfg := e.cfg
	if e.detector = deps.Detector; e.detector == nil {
		det, err := detect.Open(detect.Config{
			Backend:          cfg.Detector.Backend,
			FaceCascade:      cfg.Detector.FaceCascade,
			PuplocCascade:    cfg.Detector.PuplocCascade,
			ShiftFactor:      cfg.Detector.ShiftFactor,
			QualityThreshold: float32(cfg.Detector.QualityThreshold),
			HaarDir:          cfg.Detector.HaarDir,
			MinSize:          cfg.Detector.MinSize,
			MaxSize:          cfg.Detector.MaxSize,
		})
		if err != nil {
			return fmt.Errorf("opening detector: %w", err)
		}
		e.detector = det
	}

	emb := deps.Embedder
	if emb == nil && cfg.Engine.Strategy == encoding.StrategyEmbedding {
		var err error
		if emb, err = openEmbedder(cfg.Embedding); err != nil {
			return err
		}
	}
	enc, err := encoding.Open(cfg.Engine.Strategy, emb, cfg.Embedding.Dim,
		encoding.NewGeometric(e.detector, cfg.Engine.CropSize))
	if err != nil {
		if emb != nil {
			emb.Close()
		}
		return fmt.Errorf("opening encoder: %w", err)
	}
	e.encoder = enc

	preprocess := imaging.Options{
		Grayscale:    true,
		Equalize:     cfg.Engine.Equalize,
		CLAHE:        cfg.Engine.CLAHE,
		ClipLimit:    cfg.Engine.CLAHEClipLimit,
		TileGrid:     cfg.Engine.CLAHETileGrid,
		MaxDimension: cfg.Engine.MaxDimension,
		MaxPixels:    cfg.Engine.MaxPixels,
	}
	locator := facematch.NewLocator(e.detector, facematch.Options{
		ScaleFactors: cfg.Engine.ScaleFactors,
		Align:        cfg.Engine.Align,
		CropSize:     cfg.Engine.CropSize,
	})
	e.images = pipeline.New(preprocess, locator, enc)
	return nil
}

func openEmbedder(cfg config.EmbeddingConfig) (encoding.Embedder, error) {
	switch cfg.Backend {
	case "dlib":
		return encoding.NewDlib(cfg.ModelsDir)
	case "", "http":
		return encoding.NewHTTPEmbedder(fingerprint.NewEmbeddingClient(cfg.URL, cfg.Model)), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (database.EncodingStore, error) {
	switch cfg.Cache.Backend {
	case "", "file":
		fs, err := filestore.New(cfg.Cache.Path)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "postgres":
		repo, err := postgres.Open(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "memory":
		return mock.NewMockEncodingStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func openDirectory(ctx context.Context, cfg *config.Config) (directory.Directory, error) {
	switch cfg.Directory.Backend {
	case "", "manifest":
		m, err := directory.OpenManifest(cfg.Directory.Manifest)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "mongo":
		m, err := directory.OpenMongo(ctx, directory.MongoConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			MinPool:    cfg.Mongo.MinPool,
			MaxPool:    cfg.Mongo.MaxPool,
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	case "memory":
		return directory.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Directory.Backend)
	}
}

func openBlobs(cfg *config.Config) (blobstore.Store, error) {
	switch cfg.Blob.Backend {
	case "", "fs":
		fs, err := blobstore.NewFS(cfg.Blob.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "azure":
		az, err := blobstore.NewAzure(blobstore.AzureConfig{
			ConnectionString: cfg.Blob.ConnectionString,
			AccountName:      cfg.Blob.AccountName,
			AccountKey:       cfg.Blob.AccountKey,
			Container:        cfg.Blob.Container,
		})
		if err != nil {
			return nil, err
		}
		return az, nil
	case "memory":
		return blobstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

// Verify checks capture against the registered identity.
func (e *Engine) Verify(ctx context.Context, identityID string, capture []byte) *verify.Result {
	return e.verifier.Verify(ctx, identityID, capture)
}

// Compare checks whether two images show the same face.
func (e *Engine) Compare(ctx context.Context, capture, referenceImage []byte) *verify.Result {
	return e.verifier.Compare(ctx, capture, referenceImage)
}

// CheckDuplicate scans the corpus for the face in image.
func (e *Engine) CheckDuplicate(ctx context.Context, image []byte, opts scanner.Options) (*scanner.Result, error) {
	return e.scanner.CheckImage(ctx, image, opts)
}

// RegisterOptions tunes Register.
type RegisterOptions struct {
	AllowDuplicate bool
	Scan           scanner.Options
}

// RegisterResult describes a registration.
type RegisterResult struct {
	IdentityID   string          `json:"identity_id"`
	ReferenceKey string          `json:"reference_key"`
	Duplicate    *scanner.Result `json:"duplicate_check,omitempty"`
}

// Register stores image as the reference face of an existing identity.
// filename only supplies the blob extension. Unless opts.AllowDuplicate is
// set, a face matching another identity is refused with
// faceerr.ErrDuplicateFace and the returned result carries the scan.
func (e *Engine) Register(ctx context.Context, identityID, filename string, image []byte, opts RegisterOptions) (*RegisterResult, error) {
	ident, err := e.dir.Get(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("looking up identity %s: %w", identityID, err)
	}

	enc, err := e.images.EncodeImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("encoding face: %w", err)
	}

	res := &RegisterResult{IdentityID: identityID, ReferenceKey: referenceKey(identityID, filename)}
	if !opts.AllowDuplicate {
		scan := opts.Scan
		scan.ExcludeID = identityID
		dup, err := e.scanner.Scan(ctx, enc, scan)
		if err != nil {
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
		res.Duplicate = dup
		if dup.IsDuplicate {
			return res, fmt.Errorf("identity %s matches %s at %.3f: %w",
				identityID, *dup.MatchedIdentityID, *dup.Similarity, faceerr.ErrDuplicateFace)
		}
	}

	if err := e.blobs.Put(ctx, res.ReferenceKey, image); err != nil {
		return nil, fmt.Errorf("storing reference image: %w", err)
	}
	if err := e.dir.SetReference(ctx, identityID, res.ReferenceKey); err != nil {
		if ident.ReferenceKey != res.ReferenceKey {
			e.deleteBlob(ctx, res.ReferenceKey)
		}
		return nil, fmt.Errorf("updating identity %s: %w", identityID, err)
	}
	if ident.HasReference() && ident.ReferenceKey != res.ReferenceKey {
		e.deleteBlob(ctx, ident.ReferenceKey)
	}

	if err := e.cache.Put(identityID, enc, fingerprint.Source(image)); err != nil {
		e.logger.Warn("registered encoding not cached", zap.String("identity_id", identityID), zap.Error(err))
	}
	if err := e.cache.Flush(ctx); err != nil {
		e.logger.Warn("cache flush failed", zap.Error(err))
	}

	e.logger.Info("face registered",
		zap.String("identity_id", identityID),
		zap.String("reference_key", res.ReferenceKey))
	return res, nil
}

// referenceKey is faces/<id><ext>, with the extension taken from filename
// and defaulting to .jpg.
func referenceKey(identityID, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || ext == "." {
		ext = ".jpg"
	}
	return "faces/" + identityID + ext
}

func (e *Engine) deleteBlob(ctx context.Context, key string) {
	if err := e.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		e.logger.Warn("reference image not deleted", zap.String("key", key), zap.Error(err))
	}
}

// Unregister removes the reference face of identityID. The identity itself
// stays in the directory.
func (e *Engine) Unregister(ctx context.Context, identityID string) error {
	ident, err := e.dir.Get(ctx, identityID)
	if err != nil {
		return fmt.Errorf("looking up identity %s: %w", identityID, err)
	}
	if !ident.HasReference() {
		return fmt.Errorf("identity %s: %w", identityID, faceerr.ErrReferenceMissing)
	}

	if err := e.dir.ClearReference(ctx, identityID); err != nil {
		return fmt.Errorf("updating identity %s: %w", identityID, err)
	}
	e.deleteBlob(ctx, ident.ReferenceKey)
	e.cache.Delete(identityID)
	if err := e.cache.Flush(ctx); err != nil {
		e.logger.Warn("cache flush failed", zap.Error(err))
	}

	e.logger.Info("face unregistered", zap.String("identity_id", identityID))
	return nil
}

// Warm encodes every registered reference so later scans hit the cache.
func (e *Engine) Warm(ctx context.Context, opts scanner.Options) (ok, failed int, err error) {
	return e.scanner.Warm(ctx, opts)
}

// Stats summarizes the engine state.
type Stats struct {
	Strategy   string      `json:"strategy"`
	Version    string      `json:"version"`
	Threshold  float64     `json:"threshold"`
	Identities int         `json:"identities"`
	Cache      cache.Stats `json:"cache"`
}

// Stats counts the identities with a reference and reports the cache.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	corpus, err := e.dir.ListWithReference(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing corpus: %w", err)
	}
	return &Stats{
		Strategy:   e.cfg.Engine.Strategy,
		Version:    e.images.Version(),
		Threshold:  e.scorer.Threshold(),
		Identities: len(corpus),
		Cache:      e.cache.Stats(),
	}, nil
}

// FindByName returns the registered identities whose display name matches
// name, ignoring case, diacritics and separators.
func (e *Engine) FindByName(ctx context.Context, name string) ([]directory.Identity, error) {
	return directory.FindByName(ctx, e.dir, name)
}

// Cache returns the encoding cache.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Close flushes the cache and releases every component. It is safe to
// call on a partially built engine.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.encoder != nil {
		if err := e.encoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing encoder: %w", err))
		}
	}
	if e.detector != nil {
		if err := e.detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing detector: %w", err))
		}
	}
	if e.dir != nil {
		if err := e.dir.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing directory: %w", err))
		}
	}
	return errors.Join(errs...)
}
