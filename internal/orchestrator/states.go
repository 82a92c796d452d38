package orchestrator

import "sync"

// State is the interface that all pipeline states must implement
type State interface {
	Name() string
	Stage() Stage
}

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	mu   sync.Mutex
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.path))
	copy(out, r.path)
	return out
}
