// Package blob wraps the platform's object storage for program imagery.
// Archive must retain the object: previously issued emails and links may
// still reference an image long after the program swaps it out.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the narrow storage contract the engine consumes.
type Store interface {
	// Create writes the object and returns its key.
	Create(ctx context.Context, name string, r io.Reader) (string, error)
	// Archive retains the object outside the live set.
	Archive(ctx context.Context, key string) error
	// Delete removes the object permanently.
	Delete(ctx context.Context, key string) error
}

// Dir stores objects under a local directory, with archived objects moved to
// an archive/ subdirectory.
type Dir struct {
	root string
}

// NewDir initialises a directory-backed store rooted at the given path.
func NewDir(root string) (*Dir, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("blob: root directory is required")
	}
	if err := os.MkdirAll(filepath.Join(trimmed, "archive"), 0o755); err != nil {
		return nil, fmt.Errorf("blob: ensure root: %w", err)
	}
	return &Dir{root: trimmed}, nil
}

// Create implements Store.
func (d *Dir) Create(ctx context.Context, name string, r io.Reader) (string, error) {
	key := sanitize(name)
	if key == "" {
		return "", fmt.Errorf("blob: object name is required")
	}
	path := filepath.Join(d.root, key)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("blob: create object: %w", err)
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		os.Remove(path)
		return "", fmt.Errorf("blob: write object: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("blob: close object: %w", err)
	}
	return key, nil
}

// Archive implements Store.
func (d *Dir) Archive(ctx context.Context, key string) error {
	src := filepath.Join(d.root, key)
	dst := filepath.Join(d.root, "archive", key)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("blob: archive object %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (d *Dir) Delete(ctx context.Context, key string) error {
	if err := os.Remove(filepath.Join(d.root, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete object %s: %w", key, err)
	}
	return nil
}

func sanitize(name string) string {
	cleaned := make([]rune, 0, len(name))
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			cleaned = append(cleaned, r)
		}
	}
	return strings.Trim(string(cleaned), ".")
}

// Memory is an in-process store for tests. Archived keys stay readable.
type Memory struct {
	mu       sync.Mutex
	objects  map[string][]byte
	archived map[string]bool
	seq      int
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte), archived: make(map[string]bool)}
}

// Create implements Store.
func (m *Memory) Create(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("blob: read object: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	key := fmt.Sprintf("%d-%s", m.seq, sanitize(name))
	m.objects[key] = data
	return key, nil
}

// Archive implements Store.
func (m *Memory) Archive(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("blob: archive object %s: not found", key)
	}
	m.archived[key] = true
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.archived, key)
	return nil
}

// Archived reports whether the key has been archived.
func (m *Memory) Archived(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archived[key]
}

// Exists reports whether the key is stored.
func (m *Memory) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
