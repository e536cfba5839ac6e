// Package blob stores attachment bytes under project-scoped paths.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrInvalidPath is returned for filenames that would escape the project prefix.
var ErrInvalidPath = errors.New("invalid blob path")

// Result describes a stored object.
type Result struct {
	Path string
	Size int64
}

// Store uploads attachment bytes.
type Store interface {
	Upload(ctx context.Context, projectID uuid.UUID, data []byte, filename, contentType string) (Result, error)
}

// ObjectPath returns projects/{projectID}/{filename}.
func ObjectPath(projectID uuid.UUID, filename string) (string, error) {
	if filename == "" || filename == "." || filename == ".." || strings.ContainsAny(filename, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, filename)
	}
	return path.Join("projects", projectID.String(), filename), nil
}

// Object is an uploaded blob held by Memory.
type Object struct {
	Data        []byte
	ContentType string
}

// Memory keeps uploads in process.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

// Upload implements Store.
func (m *Memory) Upload(_ context.Context, projectID uuid.UUID, data []byte, filename, contentType string) (Result, error) {
	p, err := ObjectPath(projectID, filename)
	if err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	m.objects[p] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	m.mu.Unlock()
	return Result{Path: p, Size: int64(len(data))}, nil
}

// Get returns a stored object.
func (m *Memory) Get(p string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[p]
	return o, ok
}

// Paths lists stored paths in order.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Local writes uploads below a root directory.
type Local struct {
	root string
}

// NewLocal creates root if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Local{root: root}, nil
}

// Upload implements Store. The file is written to a temp name and renamed
// into place.
func (l *Local) Upload(ctx context.Context, projectID uuid.UUID, data []byte, filename, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p, err := ObjectPath(projectID, filename)
	if err != nil {
		return Result{}, err
	}

	dst := filepath.Join(l.root, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return Result{}, fmt.Errorf("failed to create project directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Result{}, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Result{}, fmt.Errorf("failed to store blob: %w", err)
	}
	return Result{Path: p, Size: int64(len(data))}, nil
}
