package ratelimit

import (
	"sync"
	"time"
)

// MemState is a mutex-guarded in-process counter for deployments where every
// caller runs inside a single process. Observable admission behavior matches
// FileState; only the sharing scope differs.
type MemState struct {
	mu    sync.Mutex
	state State
}

// NewMemState starts with a full bucket.
func NewMemState(full float64) *MemState {
	return &MemState{
		state: State{
			Tokens:     full,
			LastUpdate: float64(time.Now().UnixNano()) / float64(time.Second),
		},
	}
}

func (ms *MemState) Update(fn func(s State) (State, bool)) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	next, admitted := fn(ms.state)
	if admitted {
		ms.state = next
	}
	return admitted, nil
}
