package module

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// maxBaseChain bounds base-type walks over malformed inheritance cycles.
const maxBaseChain = 64

// TypeInfo is the resolved metadata of a type, possibly from another module.
type TypeInfo struct {
	FullName  string
	BaseType  string
	ValueType bool
	Module    string
}

// Resolver answers inheritance questions across the modules of one analysis
// phase. Types of loaded modules are registered eagerly; unknown names fall
// back to a one-time index of the images in the search directories.
type Resolver struct {
	searchDirs []string
	cache      *xsync.Map[string, *TypeInfo]
	indexOnce  sync.Once
}

// NewResolver creates a resolver seeded with well-known types.
func NewResolver(searchDirs []string, seeds ...TypeInfo) *Resolver {
	r := &Resolver{
		searchDirs: searchDirs,
		cache:      xsync.NewMap[string, *TypeInfo](),
	}
	for i := range seeds {
		seed := seeds[i]
		r.cache.Store(seed.FullName, &seed)
	}
	return r
}

// Register records every type defined by m. Existing entries win, so the
// first module to define a name owns it.
func (r *Resolver) Register(m *Module) {
	for _, t := range m.Types {
		name := t.FullName()
		if _, ok := r.cache.Load(name); ok {
			continue
		}
		r.cache.LoadOrStore(name, &TypeInfo{
			FullName:  name,
			BaseType:  t.BaseType,
			ValueType: t.Flags&TypeValueType != 0,
			Module:    m.Name,
		})
	}
}

// Lookup returns the metadata for a type full name.
func (r *Resolver) Lookup(name string) (*TypeInfo, bool) {
	if name == "" {
		return nil, false
	}
	if info, ok := r.cache.Load(name); ok {
		return info, true
	}
	r.indexOnce.Do(r.indexSearchDirs)
	return r.cache.Load(name)
}

// BaseTypes returns the inheritance chain of name, nearest base first.
func (r *Resolver) BaseTypes(name string) []string {
	var chain []string
	seen := map[string]struct{}{name: {}}
	for cur := name; len(chain) < maxBaseChain; {
		info, ok := r.Lookup(cur)
		if !ok || info.BaseType == "" {
			break
		}
		if _, dup := seen[info.BaseType]; dup {
			break
		}
		seen[info.BaseType] = struct{}{}
		chain = append(chain, info.BaseType)
		cur = info.BaseType
	}
	return chain
}

// DerivesFrom reports whether name inherits, directly or transitively, from base.
func (r *Resolver) DerivesFrom(name, base string) bool {
	for _, b := range r.BaseTypes(name) {
		if b == base {
			return true
		}
	}
	return false
}

// IsValueType reports whether name is a struct or enum.
func (r *Resolver) IsValueType(name string) bool {
	if info, ok := r.Lookup(name); ok && info.ValueType {
		return true
	}
	for _, b := range r.BaseTypes(name) {
		if b == "System.ValueType" || b == "System.Enum" {
			return true
		}
	}
	return false
}

func (r *Resolver) indexSearchDirs() {
	for _, dir := range r.searchDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Debug("skipping search directory", "dir", dir, "error", err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Debug("skipping module image", "path", path, "error", err)
				continue
			}
			m, err := Decode(data)
			if err != nil {
				slog.Debug("skipping module image", "path", path, "error", err)
				continue
			}
			r.Register(m)
		}
	}
}
