// Package jobs tracks background pipeline runs per document so callers can
// poll for completion without blocking.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrAlreadyRunning  = errors.New("job already running")
	ErrNotStarted      = errors.New("job not started")
	ErrAlreadyFinished = errors.New("job already finished")
)

// Status is the observable state of a job
type Status int

const (
	NotFound Status = iota
	Running
	Done
)

// String returns the wire name of the status
func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return "not_found"
	}
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type entry struct {
	done atomic.Bool
}

// Tracker maps document ids to job state. Operations on one id are atomic;
// different ids never contend.
type Tracker struct {
	entries sync.Map // map[string]*entry
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// Start registers a running job for id. A finished job that nobody has polled
// yet is replaced.
func (t *Tracker) Start(id string) error {
	fresh := &entry{}
	for {
		existing, loaded := t.entries.LoadOrStore(id, fresh)
		if !loaded {
			return nil
		}
		e := existing.(*entry)
		if !e.done.Load() {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		if t.entries.CompareAndSwap(id, e, fresh) {
			return nil
		}
		// lost a race with a poller or another starter, look again
	}
}

// Finish marks the running job for id as done. It succeeds once per Start.
func (t *Tracker) Finish(id string) error {
	v, ok := t.entries.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotStarted, id)
	}
	if !v.(*entry).done.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, id)
	}
	return nil
}

// Poll returns the state of id. Exactly one caller observes Done for a
// finished job; that caller removes the entry and later polls see NotFound.
func (t *Tracker) Poll(id string) Status {
	v, ok := t.entries.Load(id)
	if !ok {
		return NotFound
	}
	e := v.(*entry)
	if !e.done.Load() {
		return Running
	}
	if t.entries.CompareAndDelete(id, e) {
		return Done
	}
	// another poller took it, or a new run replaced it
	if _, ok := t.entries.Load(id); ok {
		return Running
	}
	return NotFound
}

// Active reports whether a not-yet-finished job exists for id, without consuming anything
func (t *Tracker) Active(id string) bool {
	v, ok := t.entries.Load(id)
	return ok && !v.(*entry).done.Load()
}
