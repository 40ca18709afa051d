package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Memory is an in-process Store. Values are copied through JSON on the way
// in and out so callers never share state with the store, matching what
// SQLite returns.
type Memory struct {
	mu      sync.RWMutex
	runs    map[string]*memRun
	entries []pipeline.Entry
	gates   map[string]string
}

type memRun struct {
	state   []byte
	version int64
	status  pipeline.Status
	created time.Time
	seen    map[int64]bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:  make(map[string]*memRun),
		gates: make(map[string]string),
	}
}

// Create inserts a new run.
func (m *Memory) Create(ctx context.Context, p *pipeline.Projection, entries []pipeline.Entry) error {
	state, err := json.Marshal(p)
	if err != nil {
		return &pipeline.PersistenceError{Op: "encode run", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[p.Run.ID]; ok {
		return &pipeline.PersistenceError{Op: "create run", Err: fmt.Errorf("run %s already exists", p.Run.ID)}
	}
	r := &memRun{state: state, version: 1, status: p.Run.Status, created: p.Run.CreatedAt, seen: map[int64]bool{}}
	if err := m.append(r, p, entries); err != nil {
		return err
	}
	m.runs[p.Run.ID] = r
	return nil
}

// Load returns a copy of the stored projection.
func (m *Memory) Load(ctx context.Context, runID string) (*Snapshot, error) {
	m.mu.RLock()
	r, ok := m.runs[runID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("run %s: %w", runID, pipeline.ErrUnknownRun)
	}
	// Commit swaps both fields under the write lock.
	state, version := r.state, r.version
	m.mu.RUnlock()

	p := &pipeline.Projection{}
	if err := json.Unmarshal(state, p); err != nil {
		return nil, &pipeline.PersistenceError{Op: "decode run", Err: err}
	}
	return &Snapshot{Projection: p, Version: version}, nil
}

// Commit replaces the stored projection if version matches.
func (m *Memory) Commit(ctx context.Context, p *pipeline.Projection, version int64, entries []pipeline.Entry) (int64, error) {
	state, err := json.Marshal(p)
	if err != nil {
		return 0, &pipeline.PersistenceError{Op: "encode run", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[p.Run.ID]
	if !ok {
		return 0, fmt.Errorf("run %s: %w", p.Run.ID, pipeline.ErrUnknownRun)
	}
	if r.version != version {
		return 0, fmt.Errorf("run %s at version %d: %w", p.Run.ID, version, pipeline.ErrConflict)
	}
	if err := m.append(r, p, entries); err != nil {
		return 0, err
	}
	r.state = state
	r.status = p.Run.Status
	r.version++
	return r.version, nil
}

// append checks seq uniqueness for every entry before storing any of them.
func (m *Memory) append(r *memRun, p *pipeline.Projection, entries []pipeline.Entry) error {
	for _, e := range entries {
		if r.seen[e.Seq] {
			return &pipeline.PersistenceError{Op: "append entry", Err: fmt.Errorf("run %s seq %d: %w", e.RunID, e.Seq, pipeline.ErrSequence)}
		}
	}
	for _, e := range entries {
		cp, err := copyEntry(e)
		if err != nil {
			return &pipeline.PersistenceError{Op: "encode entry", Err: err}
		}
		r.seen[e.Seq] = true
		m.entries = append(m.entries, cp)
	}
	for _, g := range p.Gates {
		m.gates[g.ID] = p.Run.ID
	}
	return nil
}

func copyEntry(e pipeline.Entry) (pipeline.Entry, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return pipeline.Entry{}, err
	}
	var out pipeline.Entry
	err = json.Unmarshal(b, &out)
	return out, err
}

// Entries lists audit entries matching q.
func (m *Memory) Entries(ctx context.Context, q Query) ([]pipeline.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []pipeline.Entry
	for _, e := range m.entries {
		if q.RunID != "" && e.RunID != q.RunID {
			continue
		}
		if e.Seq <= q.SinceSeq {
			continue
		}
		out = append(out, e)
	}
	if q.Last > 0 && len(out) > q.Last {
		out = out[len(out)-q.Last:]
	}
	return out, nil
}

// GateRun returns the run owning a gate.
func (m *Memory) GateRun(ctx context.Context, gateID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runID, ok := m.gates[gateID]
	if !ok {
		return "", fmt.Errorf("gate %s: %w", gateID, pipeline.ErrUnknownGate)
	}
	return runID, nil
}

// ExpiredGates scans every run for expired pending gates.
func (m *Memory) ExpiredGates(ctx context.Context, now time.Time) ([]GateRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []GateRef
	for _, r := range m.runs {
		p := &pipeline.Projection{}
		if err := json.Unmarshal(r.state, p); err != nil {
			return nil, &pipeline.PersistenceError{Op: "decode run", Err: err}
		}
		for _, g := range p.Gates {
			if g.Expired(now) {
				out = append(out, GateRef{GateID: g.ID, RunID: p.Run.ID, Deadline: *g.Deadline})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

// Runs lists runs, newest first.
func (m *Memory) Runs(ctx context.Context, f RunFilter) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*pipeline.Run
	for _, r := range m.runs {
		if f.Status != "" && r.status != f.Status {
			continue
		}
		p := &pipeline.Projection{}
		if err := json.Unmarshal(r.state, p); err != nil {
			return nil, &pipeline.PersistenceError{Op: "decode run", Err: err}
		}
		out = append(out, p.Run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
