// Package build turns a project manifest into compiled module images and the
// compiler messages produced along the way.
package build

import (
	"time"

	"github.com/715d/ilaudit/pkg/diag"
)

// ModuleDescriptor describes one compiled module handed to the analyzer.
type ModuleDescriptor struct {
	Name     string
	Path     string
	ReadOnly bool

	// CompileDuration is zero for prebuilt modules.
	CompileDuration time.Duration
}

// Message is a compiler diagnostic.
type Message struct {
	Module   string
	Code     string
	Severity diag.Severity
	File     string
	Line     int
	Text     string
}

// Output is the result of one compile.
type Output struct {
	Modules  []ModuleDescriptor
	Messages []Message
}

// Local returns the editable modules.
func (o *Output) Local() []ModuleDescriptor { return o.filter(false) }

// ReadOnly returns the prebuilt and third-party modules.
func (o *Output) ReadOnly() []ModuleDescriptor { return o.filter(true) }

func (o *Output) filter(readOnly bool) []ModuleDescriptor {
	var out []ModuleDescriptor
	for _, m := range o.Modules {
		if m.ReadOnly == readOnly {
			out = append(out, m)
		}
	}
	return out
}
