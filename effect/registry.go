package effect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"mortgageflow/lifecycle"
)

// Handler executes one side-effect action against its decoded payload.
// Handlers must be idempotent: the dispatcher may invoke them again after a
// crash before the completion mark was written.
type Handler func(ctx context.Context, p Payload) (json.RawMessage, error)

// Registration binds a handler, an optional compensation, and the retry
// budget for one action kind.
type Registration struct {
	Execute    Handler
	Compensate Handler
	MaxRetries int
}

const defaultMaxRetries = 3

// Registry maps action kinds to handlers. It is passed into the dispatcher
// at construction; there is no process-wide handler map.
type Registry struct {
	mu sync.RWMutex
	m  map[lifecycle.ActionKind]Registration
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[lifecycle.ActionKind]Registration)}
}

// Register binds a handler for the action kind. Re-registering a kind is an
// authoring error.
func (r *Registry) Register(kind lifecycle.ActionKind, reg Registration) error {
	if reg.Execute == nil {
		return fmt.Errorf("effect: registration for %s has no handler", kind)
	}
	if reg.MaxRetries <= 0 {
		reg.MaxRetries = defaultMaxRetries
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[kind]; dup {
		return fmt.Errorf("effect: action %s already registered", kind)
	}
	r.m[kind] = reg
	return nil
}

// MaxRetries returns the retry budget for the action kind.
func (r *Registry) MaxRetries(kind lifecycle.ActionKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.m[kind]; ok {
		return reg.MaxRetries
	}
	return defaultMaxRetries
}

func (r *Registry) registration(kind lifecycle.ActionKind) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.m[kind]
	return reg, ok
}
