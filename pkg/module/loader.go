package module

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("module not found")

// Loader opens module images for one analysis phase. It owns the search
// directories and the type-resolution cache; loaders are never shared between
// phases.
type Loader struct {
	searchDirs []string
	resolver   *Resolver
}

// NewLoader creates a loader over searchDirs. seeds pre-populate the type
// resolver with types that have no image, such as runtime primitives.
func NewLoader(searchDirs []string, seeds ...TypeInfo) *Loader {
	return &Loader{
		searchDirs: searchDirs,
		resolver:   NewResolver(searchDirs, seeds...),
	}
}

// Load reads a single image with a fresh loader.
func Load(path string, searchDirs []string) (*Module, error) {
	return NewLoader(searchDirs).Load(path)
}

// Resolver returns the phase's type resolver.
func (l *Loader) Resolver() *Resolver { return l.resolver }

// Load reads and decodes the image at path. A relative path that does not
// exist is retried by base name in each search directory.
func (l *Loader) Load(path string) (*Module, error) {
	resolved, err := l.locate(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read module %s: %w", path, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", resolved, err)
	}
	m.Path = resolved
	l.resolver.Register(m)
	return m, nil
}

func (l *Loader) locate(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		base := filepath.Base(path)
		for _, dir := range l.searchDirs {
			candidate := filepath.Join(dir, base)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, path)
}
