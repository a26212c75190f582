package audit

import (
	"sync/atomic"
	"time"

	"github.com/715d/ilaudit/pkg/callcrawler"
	"github.com/715d/ilaudit/pkg/suppress"
)

// Run is one execution of the pipeline. Its accessors are safe for
// concurrent use.
type Run struct {
	ID string

	state   atomic.Int32
	started time.Time
	done    chan struct{}
	filter  *suppress.Filter

	// Written once before done is closed.
	status  Status
	err     error
	stats   Stats
	crawler *callcrawler.Crawler
}

func newRun(id string) *Run {
	return &Run{ID: id, started: time.Now(), done: make(chan struct{})}
}

// State returns the current pipeline state.
func (r *Run) State() State { return State(r.state.Load()) }

// Done is closed when the run reaches a terminal state, after OnComplete
// has returned.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns its status.
func (r *Run) Wait() Status {
	<-r.done
	return r.status
}

// Status returns StatusInProgress until the run finishes.
func (r *Run) Status() Status {
	select {
	case <-r.done:
		return r.status
	default:
		return StatusInProgress
	}
}

// Err returns the error that ended a failed or cancelled run.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Stats returns the run summary once it has finished.
func (r *Run) Stats() Stats {
	select {
	case <-r.done:
		return r.stats
	default:
		return Stats{}
	}
}

// Crawler returns the merged call graph of a successful run, or nil.
func (r *Run) Crawler() *callcrawler.Crawler {
	select {
	case <-r.done:
		return r.crawler
	default:
		return nil
	}
}

// Elapsed returns the time since the run started.
func (r *Run) Elapsed() time.Duration { return time.Since(r.started) }
