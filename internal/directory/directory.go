// Package directory resolves identities and the blob keys of their
// registered reference images.
package directory

import (
	"context"
	"errors"
	"sort"
)

// ErrNotFound is returned for unknown identity ids.
var ErrNotFound = errors.New("identity not found")

// Identity is a registered user.
type Identity struct {
	ID   string `json:"id" yaml:"id" bson:"_id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty" bson:"name,omitempty"`
	// ReferenceKey is the blob store key of the reference face image.
	ReferenceKey string `json:"reference_key,omitempty" yaml:"reference,omitempty" bson:"image_path,omitempty"`
}

// HasReference reports whether a reference image is registered.
func (i Identity) HasReference() bool {
	return i.ReferenceKey != ""
}

// Directory is the identity source the engine reads and updates.
type Directory interface {
	// ListWithReference returns identities with a reference, ordered by id.
	ListWithReference(ctx context.Context) ([]Identity, error)
	Get(ctx context.Context, id string) (*Identity, error)
	SetReference(ctx context.Context, id, key string) error
	ClearReference(ctx context.Context, id string) error
	Close(ctx context.Context) error
}

// FindByName returns the identities with a reference whose normalized name
// equals the normalized query.
func FindByName(ctx context.Context, dir Directory, name string) ([]Identity, error) {
	all, err := dir.ListWithReference(ctx)
	if err != nil {
		return nil, err
	}
	want := NormalizeName(name)
	var out []Identity
	for _, id := range all {
		if NormalizeName(id.Name) == want {
			out = append(out, id)
		}
	}
	return out, nil
}

func withReference(all []Identity) []Identity {
	out := make([]Identity, 0, len(all))
	for _, id := range all {
		if id.HasReference() {
			out = append(out, id)
		}
	}
	sortByID(out)
	return out
}

func sortByID(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
}
