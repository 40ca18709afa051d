// Package store persists run projections and their audit logs.
//
// A commit writes the run's projection and the entries that produced it in
// one transaction, guarded by an optimistic version, so state and audit can
// never diverge and two processes cannot interleave entries for a run.
package store

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Snapshot is a loaded projection and the version it was stored at.
type Snapshot struct {
	*pipeline.Projection
	Version int64
}

// Query selects audit entries. An empty RunID spans all runs in append
// order. SinceSeq keeps entries with Seq > SinceSeq; sequences are per run,
// so it is only meaningful together with RunID. Last keeps only the final N
// matches.
type Query struct {
	RunID    string
	SinceSeq int64
	Last     int
}

// GateRef locates a gate.
type GateRef struct {
	GateID   string
	RunID    string
	Deadline time.Time
}

// RunFilter selects runs. An empty Status matches all.
type RunFilter struct {
	Status pipeline.Status
	Limit  int
}

// Store is the durable backing for the engine.
type Store interface {
	// Create persists a new run at version 1.
	Create(ctx context.Context, p *pipeline.Projection, entries []pipeline.Entry) error
	// Load returns the run's projection. ErrUnknownRun if absent.
	Load(ctx context.Context, runID string) (*Snapshot, error)
	// Commit atomically stores p and appends entries if the stored version
	// still equals version. Returns the new version, or ErrConflict.
	Commit(ctx context.Context, p *pipeline.Projection, version int64, entries []pipeline.Entry) (int64, error)
	// Entries lists audit entries in order.
	Entries(ctx context.Context, q Query) ([]pipeline.Entry, error)
	// GateRun returns the run a gate belongs to. ErrUnknownGate if absent.
	GateRun(ctx context.Context, gateID string) (string, error)
	// ExpiredGates lists pending gates whose deadline is at or before now.
	ExpiredGates(ctx context.Context, now time.Time) ([]GateRef, error)
	// Runs lists runs, newest first.
	Runs(ctx context.Context, f RunFilter) ([]*pipeline.Run, error)
	Close() error
}
