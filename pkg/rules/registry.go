package rules

import (
	"fmt"
	"slices"
	"strings"

	"github.com/715d/ilaudit/pkg/module"
)

// Registry is the fixed rule set of a run: opcode rules plus API descriptors.
// It is immutable after construction.
type Registry struct {
	rules       []Rule
	byID        map[string]Rule
	descriptors map[string][]*APIDescriptor
}

// NewRegistry registers rules in order. Duplicate IDs are an error.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{
		byID:        make(map[string]Rule, len(rules)),
		descriptors: make(map[string][]*APIDescriptor),
	}
	for _, rule := range rules {
		if _, dup := r.byID[rule.ID()]; dup {
			return nil, fmt.Errorf("duplicate rule id %s", rule.ID())
		}
		r.byID[rule.ID()] = rule
		r.rules = append(r.rules, rule)
		if d, ok := rule.(*APIDescriptor); ok {
			r.descriptors[d.typeName] = append(r.descriptors[d.typeName], d)
		}
	}
	return r, nil
}

// Default returns the built-in opcode rules and API descriptors.
func Default() *Registry {
	all := Builtin()
	for _, d := range BuiltinDescriptors() {
		all = append(all, d)
	}
	r, err := NewRegistry(all...)
	if err != nil {
		panic(err)
	}
	return r
}

// Rules returns all registered rules in registration order.
func (r *Registry) Rules() []Rule { return slices.Clone(r.rules) }

// Lookup returns the rule with the given ID.
func (r *Registry) Lookup(id string) (Rule, bool) {
	rule, ok := r.byID[id]
	return rule, ok
}

// MatchCall returns the descriptors that flag a call to ref.
func (r *Registry) MatchCall(ref module.MethodRef) []*APIDescriptor {
	var matched []*APIDescriptor
	for _, d := range r.descriptors[ref.DeclaringType] {
		if d.Match(ref) {
			matched = append(matched, d)
		}
	}
	return matched
}

// Applies reports whether the rule with id runs on platform. Unknown rules,
// such as compiler messages, always apply.
func (r *Registry) Applies(id, platform string) bool {
	rule, ok := r.byID[id]
	if !ok {
		return true
	}
	return Applies(rule.Platforms(), platform)
}

// Filter returns the registry restricted to the given rule IDs. An empty
// list keeps every rule.
func (r *Registry) Filter(ids []string) (*Registry, error) {
	if len(ids) == 0 {
		return r, nil
	}
	keep := make([]Rule, 0, len(ids))
	for _, id := range ids {
		rule, ok := r.byID[strings.TrimSpace(id)]
		if !ok {
			return nil, fmt.Errorf("unknown rule %q", id)
		}
		keep = append(keep, rule)
	}
	return NewRegistry(keep...)
}
