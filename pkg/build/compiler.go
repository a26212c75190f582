package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/715d/ilaudit/pkg/assembly"
	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/module"
)

// Compiler message codes.
const (
	CodeSyntax    = "ASM0001"
	CodeNoSources = "ASM0002"
)

// ManifestCompiler assembles the IL sources of a manifest into module images.
type ManifestCompiler struct {
	manifest *Manifest
}

// NewManifestCompiler creates a compiler for m.
func NewManifestCompiler(m *Manifest) *ManifestCompiler {
	return &ManifestCompiler{manifest: m}
}

// Compile assembles every source module and lists the references. Syntax
// errors become messages and the module is left out; only I/O failures and
// cancellation return an error.
func (c *ManifestCompiler) Compile(ctx context.Context) (*Output, error) {
	m := c.manifest
	outDir := m.OutputDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	out := &Output{}
	for _, src := range m.Modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc, msgs, err := c.compileModule(src, outDir)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", src.Name, err)
		}
		out.Messages = append(out.Messages, msgs...)
		if desc != nil {
			out.Modules = append(out.Modules, *desc)
		}
	}

	for _, ref := range m.References {
		path := m.resolve(ref.Path)
		name := ref.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		out.Modules = append(out.Modules, ModuleDescriptor{Name: name, Path: path, ReadOnly: true})
	}
	return out, nil
}

func (c *ManifestCompiler) compileModule(src SourceModule, outDir string) (*ModuleDescriptor, []Message, error) {
	files, err := c.sources(src)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, []Message{{
			Module:   src.Name,
			Code:     CodeNoSources,
			Severity: diag.SeverityMajor,
			Text:     fmt.Sprintf("module %s has no sources", src.Name),
		}}, nil
	}

	start := time.Now()
	asm := assembly.New(src.Name)
	for _, path := range files {
		if err := addFile(asm, path); err != nil {
			return nil, nil, err
		}
	}
	mod, err := asm.Module()
	if err != nil {
		var list assembly.ErrorList
		if !errors.As(err, &list) {
			return nil, nil, err
		}
		msgs := make([]Message, 0, len(list))
		for _, e := range list {
			msgs = append(msgs, Message{
				Module:   src.Name,
				Code:     CodeSyntax,
				Severity: diag.SeverityCritical,
				File:     c.manifest.relative(e.File),
				Line:     e.Line,
				Text:     e.Msg,
			})
		}
		slog.Info("module failed to compile", "module", src.Name, "errors", len(list))
		return nil, msgs, nil
	}
	// The manifest name wins over a .module directive.
	mod.Name = src.Name

	path := filepath.Join(outDir, src.Name+module.Extension)
	if err := module.WriteFile(path, mod); err != nil {
		return nil, nil, err
	}
	elapsed := time.Since(start)
	slog.Debug("compiled module", "module", src.Name, "sources", len(files), "duration", elapsed)
	return &ModuleDescriptor{Name: src.Name, Path: path, CompileDuration: elapsed}, nil, nil
}

func (c *ManifestCompiler) sources(src SourceModule) ([]string, error) {
	var files []string
	for _, pattern := range src.Sources {
		matches, err := filepath.Glob(c.manifest.resolve(pattern))
		if err != nil {
			return nil, fmt.Errorf("source pattern %q: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

func addFile(asm *assembly.Assembler, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return asm.Add(path, f)
}
