// Package analysis provides per-method metadata and classification for the
// instruction analyzer.
package analysis

import (
	"github.com/715d/ilaudit/pkg/engine"
	"github.com/715d/ilaudit/pkg/module"
)

// SkipReason explains why a method is not walked.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipNoBody    SkipReason = "no body"
	SkipNoSymbols SkipReason = "no debug symbols"
)

// MethodInfo represents information about a method being analyzed.
type MethodInfo struct {
	// Method is the method definition.
	Method *module.Method

	// Module is the name of the owning module.
	Module string

	// Name is the canonical identity, Namespace.Type::Name(signature).
	Name string

	// Callback is the engine callback kind of the method's name.
	Callback engine.CallbackKind

	// PerfCritical indicates whether the engine invokes this method every frame.
	PerfCritical bool

	// HasBody indicates whether the method has CIL to walk.
	HasBody bool

	// HasSymbols indicates whether debug symbols map the method to source.
	HasSymbols bool
}

// NewMethodInfo creates a new MethodInfo. h resolves the declaring type's
// inheritance to decide whether the method is an engine callback.
func NewMethodInfo(mod *module.Module, m *module.Method, h engine.Hierarchy, names *NameCache) *MethodInfo {
	mi := &MethodInfo{
		Method:     m,
		Name:       names.MethodName(m),
		Callback:   engine.Classify(m.Name).Kind,
		HasBody:    m.HasBody(),
		HasSymbols: m.HasSymbols(),
	}
	if mod != nil {
		mi.Module = mod.Name
	}
	if mi.Callback != engine.CallbackNone {
		mi.PerfCritical = engine.IsPerfCritical(h, m)
	}
	return mi
}

// SkipReason reports why the method should not be walked, or SkipNone.
func (mi *MethodInfo) SkipReason() SkipReason {
	// Abstract and extern methods have nothing to walk.
	if !mi.HasBody {
		return SkipNoBody
	}

	// Without symbols no finding could be attributed to source.
	if !mi.HasSymbols {
		return SkipNoSymbols
	}

	return SkipNone
}

// ShouldAnalyze determines if the method's instructions should be walked.
func (mi *MethodInfo) ShouldAnalyze() bool { return mi.SkipReason() == SkipNone }
