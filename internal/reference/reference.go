// Package reference resolves the encoding of an identity's registered
// reference image, reusing the cache when the image is unchanged.
package reference

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kozaktomas/facegate/internal/blobstore"
	"github.com/kozaktomas/facegate/internal/cache"
	"github.com/kozaktomas/facegate/internal/directory"
	"github.com/kozaktomas/facegate/internal/encoding"
	"github.com/kozaktomas/facegate/internal/faceerr"
	"github.com/kozaktomas/facegate/internal/fingerprint"
	"github.com/kozaktomas/facegate/internal/pipeline"
)

// Resolver loads reference encodings.
type Resolver struct {
	dir     directory.Directory
	blobs   blobstore.Store
	cache   *cache.Cache
	encoder pipeline.ImageEncoder
	logger  *zap.Logger
}

// New returns a Resolver.
func New(dir directory.Directory, blobs blobstore.Store, c *cache.Cache, encoder pipeline.ImageEncoder, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{dir: dir, blobs: blobs, cache: c, encoder: encoder, logger: logger}
}

// Directory returns the identity source.
func (r *Resolver) Directory() directory.Directory {
	return r.dir
}

// Cache returns the encoding cache.
func (r *Resolver) Cache() *cache.Cache {
	return r.cache
}

// Encoder returns the image encoder used on cache misses.
func (r *Resolver) Encoder() pipeline.ImageEncoder {
	return r.encoder
}

// ResolveID looks up id and resolves its reference encoding.
func (r *Resolver) ResolveID(ctx context.Context, id string) (*encoding.Encoding, error) {
	ident, err := r.dir.Get(ctx, id)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, fmt.Errorf("identity %s: %w", id, faceerr.ErrReferenceMissing)
	}
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, *ident)
}

// Resolve returns the encoding of ident's reference image. A fresh cache
// entry is returned as is; otherwise the image is encoded and cached.
func (r *Resolver) Resolve(ctx context.Context, ident directory.Identity) (*encoding.Encoding, error) {
	if !ident.HasReference() {
		return nil, fmt.Errorf("identity %s has no reference image: %w", ident.ID, faceerr.ErrReferenceMissing)
	}

	data, err := r.blobs.Get(ctx, ident.ReferenceKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("identity %s: %w: %w", ident.ID, faceerr.ErrReferenceMissing, err)
	}
	if err != nil {
		return nil, fmt.Errorf("reading reference of %s: %w", ident.ID, err)
	}

	fp := fingerprint.Source(data)
	if enc, ok := r.cache.Get(ident.ID, fp); ok {
		return enc, nil
	}

	enc, err := r.encoder.EncodeImage(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("encoding reference of %s: %w", ident.ID, err)
	}
	// Encodings finishing past the caller's deadline are not cached.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("encoding reference of %s: %w", ident.ID, err)
	}
	if err := r.cache.Put(ident.ID, enc, fp); err != nil {
		r.logger.Warn("reference encoding not cached",
			zap.String("identity_id", ident.ID),
			zap.Error(err))
	}
	return enc, nil
}
