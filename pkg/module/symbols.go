package module

import "github.com/715d/ilaudit/pkg/diag"

// SymbolCursor resolves instruction offsets to source locations. Offsets must
// be presented in non-decreasing order; the cursor only moves forward, so
// resolving a whole method costs O(instructions + sequence points).
type SymbolCursor struct {
	points []SequencePoint
	next   int
	last   *diag.Location
}

// NewSymbolCursor returns a cursor over points, which must be sorted by offset.
func NewSymbolCursor(points []SequencePoint) *SymbolCursor {
	return &SymbolCursor{points: points}
}

// Advance returns the location of the last visible sequence point at or before
// offset, or nil if none has been seen yet. Hidden points keep the previous
// location.
func (c *SymbolCursor) Advance(offset int) *diag.Location {
	for c.next < len(c.points) && c.points[c.next].Offset <= offset {
		sp := c.points[c.next]
		c.next++
		if sp.Hidden() {
			continue
		}
		c.last = &diag.Location{File: sp.File, Line: sp.Line, Column: sp.Column}
	}
	return c.last
}
