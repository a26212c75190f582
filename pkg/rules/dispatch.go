package rules

import (
	"log/slog"

	"github.com/715d/ilaudit/internal/cil"
)

// DispatchTable maps every opcode to the rules interested in it. It is built
// once per run and read concurrently without locks.
type DispatchTable struct {
	slots [cil.NumSlots][]Rule
	count int
}

// NewDispatchTable indexes rules by the opcodes they declare. Registrations
// for call and callvirt are ignored: the analyzer handles calls itself.
func NewDispatchTable(rules []Rule) *DispatchTable {
	t := &DispatchTable{}
	for _, r := range rules {
		for _, code := range r.Opcodes() {
			if cil.IsCall(code) {
				slog.Debug("ignoring call opcode registration", "rule", r.ID(), "opcode", code)
				continue
			}
			if _, ok := cil.Lookup(code); !ok {
				slog.Warn("rule registers unknown opcode", "rule", r.ID(), "opcode", code)
				continue
			}
			idx := code.Index()
			t.slots[idx] = append(t.slots[idx], r)
			t.count++
		}
	}
	return t
}

// Lookup returns the rules registered for c. The slice must not be modified.
func (t *DispatchTable) Lookup(c cil.Code) []Rule {
	idx := c.Index()
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	return t.slots[idx]
}

// Len returns the number of (opcode, rule) registrations.
func (t *DispatchTable) Len() int { return t.count }
