package client

import (
	"context"
	"sync"
)

// State is the lifecycle of an upload run.
type State int

// The states of an upload run.
const (
	StatePending State = iota
	StateUploading
	StatePaused
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateUploading:
		return "uploading"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type task struct {
	state  State
	cancel context.CancelFunc
}

// A Registry tracks upload runs keyed by file fingerprint. Each entry owns
// the cancellation handle of its run, so pausing a transfer is a lookup
// away from any goroutine.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*task
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: map[string]*task{},
	}
}

// State reports the state of the run for a fingerprint.
func (r *Registry) State(fingerprint string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[fingerprint]
	if !ok {
		return StatePending, false
	}
	return t.state, true
}

// Pause cancels the run for a fingerprint. It reports whether a run was
// known. Chunks already acknowledged stay durable server-side, so a later
// run resumes where this one stopped.
func (r *Registry) Pause(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[fingerprint]
	if !ok {
		return false
	}

	t.cancel()
	return true
}

func (r *Registry) begin(fingerprint string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[fingerprint] = &task{
		state:  StateUploading,
		cancel: cancel,
	}
}

func (r *Registry) transition(fingerprint string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tasks[fingerprint]; ok {
		t.state = state
	}
}
