package build

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrManifest = errors.New("invalid manifest")

// Manifest lists the modules of a project.
type Manifest struct {
	Name string `yaml:"name" toml:"name"`

	// Output is the directory compiled images are written to, relative to
	// the manifest. Defaults to ".ilaudit/build".
	Output string `yaml:"output" toml:"output"`

	Modules    []SourceModule `yaml:"modules" toml:"modules"`
	References []Reference    `yaml:"references" toml:"references"`
	SearchDirs []string       `yaml:"search_dirs" toml:"search_dirs"`

	dir string
}

// SourceModule is an editable module built from IL listings. Sources are
// glob patterns relative to the manifest.
type SourceModule struct {
	Name    string   `yaml:"name" toml:"name"`
	Sources []string `yaml:"sources" toml:"sources"`
}

// Reference is a prebuilt read-only module image.
type Reference struct {
	Name string `yaml:"name" toml:"name"`
	Path string `yaml:"path" toml:"path"`
}

// LoadManifest reads a YAML or TOML manifest, chosen by file extension.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrManifest, path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrManifest, path, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrManifest, ext)
	}

	m.dir = filepath.Dir(path)
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrManifest, path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool)
	for _, mod := range m.Modules {
		if mod.Name == "" {
			return errors.New("module without name")
		}
		if seen[mod.Name] {
			return fmt.Errorf("duplicate module %s", mod.Name)
		}
		seen[mod.Name] = true
	}
	for _, ref := range m.References {
		if ref.Path == "" {
			return fmt.Errorf("reference %s without path", ref.Name)
		}
		if ref.Name == "" {
			continue
		}
		if seen[ref.Name] {
			return fmt.Errorf("duplicate module %s", ref.Name)
		}
		seen[ref.Name] = true
	}
	if len(m.Modules) == 0 && len(m.References) == 0 {
		return errors.New("no modules")
	}
	return nil
}

// Dir returns the directory holding the manifest.
func (m *Manifest) Dir() string { return m.dir }

// resolve makes path relative to the manifest directory.
func (m *Manifest) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.dir, path)
}

// relative reports path relative to the manifest directory when it lies
// beneath it.
func (m *Manifest) relative(path string) string {
	rel, err := filepath.Rel(m.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// OutputDir returns the absolute or manifest-relative output directory.
func (m *Manifest) OutputDir() string {
	if m.Output == "" {
		return m.resolve(filepath.Join(".ilaudit", "build"))
	}
	return m.resolve(m.Output)
}

// ResolvedSearchDirs returns the search directories relative to the manifest.
func (m *Manifest) ResolvedSearchDirs() []string {
	dirs := make([]string, 0, len(m.SearchDirs))
	for _, d := range m.SearchDirs {
		dirs = append(dirs, m.resolve(d))
	}
	return dirs
}
