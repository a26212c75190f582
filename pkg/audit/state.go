package audit

import (
	"strconv"

	"github.com/715d/ilaudit/pkg/diag"
)

// State is the position of a run in the pipeline.
type State int32

const (
	StateIdle State = iota
	StateCompilingLocal
	StateAnalyzingLocal
	StateSchedulingBackground
	StateAnalyzingBackground
	StateBuildingCallHierarchies
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	"idle",
	"compiling-local",
	"analyzing-local",
	"scheduling-background",
	"analyzing-background",
	"building-call-hierarchies",
	"completed",
	"cancelled",
	"failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Status is the outcome of a run.
type Status int

const (
	StatusInProgress Status = iota
	StatusSuccess
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Batch is a set of findings delivered to the caller. Preliminary batches
// carry no call trees; the final batch holds every finding of the run.
type Batch struct {
	RunID    string
	Findings []diag.Finding
	Final    bool
}

// Callbacks receive results. Either may be nil. OnFindings is called with
// the phase-1 batch on the caller's goroutine and with the final batch on
// the background worker; OnComplete is called exactly once per run.
type Callbacks struct {
	OnFindings func(Batch)
	OnComplete func(Status)
}

// Progress is polled for user cancellation.
type Progress interface {
	Cancelled() bool
}

// Stats summarizes a finished run.
type Stats struct {
	Modules    int
	Methods    int
	Skipped    int
	Locations  int
	Edges      int
	Findings   int
	Escalated  int
	RuleFaults int
}

func (s *Stats) add(o Stats) {
	s.Modules += o.Modules
	s.Methods += o.Methods
	s.Skipped += o.Skipped
	s.Locations += o.Locations
	s.Edges += o.Edges
	s.RuleFaults += o.RuleFaults
}
