package directory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// manifestFile is the YAML layout of a Manifest.
type manifestFile struct {
	Identities []Identity `yaml:"identities"`
}

// Manifest is a Directory persisted as a YAML file. Reference updates
// rewrite the whole file.
type Manifest struct {
	path string
	mem  *Memory
}

// OpenManifest reads path. A missing file yields an empty directory.
func OpenManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, mem: NewMemory()}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity manifest: %w", err)
	}

	var f manifestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing identity manifest %s: %w", path, err)
	}
	for i, id := range f.Identities {
		if id.ID == "" {
			return nil, fmt.Errorf("identity manifest %s: entry %d has no id", path, i)
		}
		if _, dup := m.mem.identities[id.ID]; dup {
			return nil, fmt.Errorf("identity manifest %s: duplicate id %q", path, id.ID)
		}
		m.mem.identities[id.ID] = id
	}
	return m, nil
}

func (m *Manifest) ListWithReference(ctx context.Context) ([]Identity, error) {
	return m.mem.ListWithReference(ctx)
}

func (m *Manifest) Get(ctx context.Context, id string) (*Identity, error) {
	return m.mem.Get(ctx, id)
}

func (m *Manifest) SetReference(ctx context.Context, id, key string) error {
	m.mem.mu.Lock()
	defer m.mem.mu.Unlock()

	ident, ok := m.mem.identities[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	prev := ident.ReferenceKey
	ident.ReferenceKey = key
	m.mem.identities[id] = ident

	if err := m.writeLocked(); err != nil {
		ident.ReferenceKey = prev
		m.mem.identities[id] = ident
		return err
	}
	return nil
}

func (m *Manifest) ClearReference(ctx context.Context, id string) error {
	return m.SetReference(ctx, id, "")
}

func (m *Manifest) Close(ctx context.Context) error {
	return nil
}

func (m *Manifest) writeLocked() error {
	all := make([]Identity, 0, len(m.mem.identities))
	for _, id := range m.mem.identities {
		all = append(all, id)
	}
	sortByID(all)

	data, err := yaml.Marshal(manifestFile{Identities: all})
	if err != nil {
		return fmt.Errorf("encoding identity manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".identities-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing identity manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing identity manifest: %w", err)
	}
	return nil
}
