// Package stage defines the boundary between the engine and the agents
// that do the work. The engine knows a stage only by name and by the typed
// Result it returns.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// ErrUnknownStage is returned when no stage is registered under a name.
var ErrUnknownStage = errors.New("unknown stage")

// Input is what a stage receives for one invocation. Key is stable across
// crash re-invocations of the same attempt, so stages may deduplicate on it.
type Input struct {
	RunID   string            `json:"run_id"`
	Stage   string            `json:"stage"`
	Attempt int               `json:"attempt"`
	Key     string            `json:"key"`
	Trigger pipeline.Trigger  `json:"trigger"`
	History []pipeline.Record `json:"history,omitempty"`
}

// Last returns the most recent record of the named stage.
func (in Input) Last(stage string) (pipeline.Record, bool) {
	for i := len(in.History) - 1; i >= 0; i-- {
		if in.History[i].Stage == stage {
			return in.History[i], true
		}
	}
	return pipeline.Record{}, false
}

// Stage performs one unit of pipeline work.
type Stage interface {
	Invoke(ctx context.Context, in Input) (*pipeline.Result, error)
}

// Func adapts a function to Stage.
type Func func(ctx context.Context, in Input) (*pipeline.Result, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, in Input) (*pipeline.Result, error) {
	return f(ctx, in)
}

// Registry resolves stage names. Names not registered locally fall through
// to the fallback, if one is set.
type Registry struct {
	mu       sync.RWMutex
	stages   map[string]Stage
	fallback func(name string) Stage
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register binds name to s, replacing any earlier binding.
func (r *Registry) Register(name string, s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[name] = s
}

// SetFallback installs a resolver for unregistered names.
func (r *Registry) SetFallback(fn func(name string) Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Get returns the stage bound to name.
func (r *Registry) Get(name string) (Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.stages[name]; ok {
		return s, nil
	}
	if r.fallback != nil {
		if s := r.fallback(name); s != nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
}

// Names lists locally registered stages in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
