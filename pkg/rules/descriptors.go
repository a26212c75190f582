package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/715d/ilaudit/internal/cil"
	"github.com/715d/ilaudit/pkg/diag"
	"github.com/715d/ilaudit/pkg/module"
)

//go:embed descriptors.yaml
var builtinDescriptors []byte

// APIDescriptor flags calls to a known expensive API. Descriptors are matched
// by the analyzer on call and callvirt, so Opcodes is always empty.
type APIDescriptor struct {
	id        string
	typeName  string
	method    *regexp.Regexp
	severity  diag.Severity
	message   string
	platforms []string
}

type descriptorFile struct {
	Descriptors []struct {
		ID        string   `yaml:"id"`
		Type      string   `yaml:"type"`
		Method    string   `yaml:"method"`
		Severity  string   `yaml:"severity"`
		Message   string   `yaml:"message"`
		Platforms []string `yaml:"platforms"`
	} `yaml:"descriptors"`
}

// LoadDescriptors parses a YAML descriptor list.
func LoadDescriptors(r io.Reader) ([]*APIDescriptor, error) {
	var file descriptorFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse descriptors: %w", err)
	}

	descs := make([]*APIDescriptor, 0, len(file.Descriptors))
	for i, d := range file.Descriptors {
		if d.ID == "" || d.Type == "" || d.Method == "" {
			return nil, fmt.Errorf("descriptor %d: id, type and method are required", i)
		}
		re, err := regexp.Compile("^(?:" + d.Method + ")$")
		if err != nil {
			return nil, fmt.Errorf("descriptor %s: method pattern: %w", d.ID, err)
		}
		sev, err := diag.ParseSeverity(d.Severity)
		if err != nil {
			return nil, fmt.Errorf("descriptor %s: %w", d.ID, err)
		}
		descs = append(descs, &APIDescriptor{
			id:        d.ID,
			typeName:  d.Type,
			method:    re,
			severity:  sev,
			message:   d.Message,
			platforms: d.Platforms,
		})
	}
	return descs, nil
}

// BuiltinDescriptors returns the embedded descriptor list.
func BuiltinDescriptors() []*APIDescriptor {
	descs, err := LoadDescriptors(bytes.NewReader(builtinDescriptors))
	if err != nil {
		panic(fmt.Sprintf("embedded descriptors: %v", err))
	}
	return descs
}

func (d *APIDescriptor) ID() string              { return d.id }
func (d *APIDescriptor) Description() string     { return d.message }
func (d *APIDescriptor) Severity() diag.Severity { return d.severity }
func (d *APIDescriptor) Opcodes() []cil.Code     { return nil }
func (d *APIDescriptor) Platforms() []string     { return d.platforms }

// Type returns the declaring type the descriptor matches.
func (d *APIDescriptor) Type() string { return d.typeName }

// Match reports whether ref is a call the descriptor flags.
func (d *APIDescriptor) Match(ref module.MethodRef) bool {
	return ref.DeclaringType == d.typeName && d.method.MatchString(ref.Name)
}

// Analyze flags ctx.Callee when it matches.
func (d *APIDescriptor) Analyze(ctx *Context) *diag.Finding {
	if ctx.Callee == nil || !d.Match(*ctx.Callee) {
		return nil
	}
	f := ctx.NewFinding(d, fmt.Sprintf("call to %s: %s", ctx.Callee.DeclaringType+"::"+ctx.Callee.Name, d.message))
	f.Properties = map[string]string{"callee": ctx.Callee.FullName()}
	return f
}
