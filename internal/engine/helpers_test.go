package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/stage"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

type harness struct {
	eng    *Engine
	store  store.Store
	clock  *fakeClock
	stages *stage.Registry
	log    *logging.TestLogger
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "devflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:  st,
		clock:  newFakeClock(),
		stages: stage.NewRegistry(),
		log:    logging.NewTestLogger(),
	}
	base := []Option{
		WithClock(h.clock.Now),
		WithIDGenerator(sequentialIDs()),
		WithLogger(h.log.Logger),
	}
	h.eng, err = New(st, h.stages, append(base, opts...)...)
	require.NoError(t, err)
	return h
}

// start creates a run and advances it until it parks.
func (h *harness) start(t *testing.T, flow ...string) (*pipeline.Run, pipeline.Status) {
	t.Helper()
	run, err := h.eng.CreateRun(context.Background(), pipeline.Trigger{Kind: pipeline.TriggerIssue, Ref: "ISSUE-42"}, flow)
	require.NoError(t, err)
	status, err := h.eng.Advance(context.Background(), run.ID)
	require.NoError(t, err)
	return run, status
}

func (h *harness) entries(t *testing.T, runID string) []pipeline.Entry {
	t.Helper()
	entries, err := h.eng.Entries(context.Background(), runID, 0)
	require.NoError(t, err)
	return entries
}

func (h *harness) inspect(t *testing.T, runID string) *pipeline.Projection {
	t.Helper()
	p, err := h.eng.Inspect(context.Background(), runID)
	require.NoError(t, err)
	return p
}

// scripted is a stage that returns results in order, repeating the last.
type scripted struct {
	mu      sync.Mutex
	results []*pipeline.Result
	errs    []error
	inputs  []stage.Input
}

func script(results ...*pipeline.Result) *scripted {
	return &scripted{results: results}
}

func (s *scripted) Invoke(ctx context.Context, in stage.Input) (*pipeline.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.inputs)
	s.inputs = append(s.inputs, in)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if len(s.results) == 0 {
		return nil, fmt.Errorf("no scripted result")
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func planned(n int) *pipeline.Result {
	tasks := make([]pipeline.Task, n)
	for i := range tasks {
		tasks[i] = pipeline.Task{ID: fmt.Sprintf("t%d", i+1), Title: "task"}
	}
	return &pipeline.Result{Output: pipeline.PlanOutput{Tasks: tasks}, Confidence: 0.9}
}

func coded(confidence float64) *pipeline.Result {
	return &pipeline.Result{Output: pipeline.CodeOutput{Summary: "patch"}, Confidence: confidence, TokensUsed: 1200}
}

func reviewed(d pipeline.ReviewDecision, confidence float64, flags ...string) *pipeline.Result {
	return &pipeline.Result{Output: pipeline.ReviewOutput{Decision: d}, Confidence: confidence, Flags: flags}
}

func tested(passed bool, coverage float64) *pipeline.Result {
	out := pipeline.TestOutput{Passed: passed, Total: 10, CoveragePercent: coverage}
	if !passed {
		out.Failed = 2
		out.FailureLog = "FAIL TestThing"
	}
	return &pipeline.Result{Output: out, Confidence: 0.9}
}

func debugged() *pipeline.Result {
	return &pipeline.Result{Output: pipeline.DebugOutput{RootCause: "nil map", Fix: "init map"}, Confidence: 0.8}
}

func published() *pipeline.Result {
	return &pipeline.Result{Output: pipeline.PublishOutput{URL: "https://example.test/pr/1"}, Confidence: 1}
}

func actions(entries []pipeline.Entry) []pipeline.Action {
	out := make([]pipeline.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func countAction(entries []pipeline.Entry, a pipeline.Action) int {
	n := 0
	for _, e := range entries {
		if e.Action == a {
			n++
		}
	}
	return n
}

func lastRouted(t *testing.T, entries []pipeline.Entry) pipeline.Decision {
	t.Helper()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action == pipeline.ActionRouted {
			return *entries[i].Details.Decision
		}
	}
	t.Fatal("no routed entry")
	return pipeline.Decision{}
}

// requireReplayMatches checks sequence continuity and that folding the
// stored log reproduces the stored projection.
func requireReplayMatches(t *testing.T, h *harness, runID string) {
	t.Helper()
	entries := h.entries(t, runID)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.Seq, "sequence gap at index %d", i)
	}
	replayed, err := pipeline.Replay(entries)
	require.NoError(t, err)

	stored := h.inspect(t, runID)
	want, err := json.Marshal(stored)
	require.NoError(t, err)
	got, err := json.Marshal(replayed)
	require.NoError(t, err)
	require.JSONEq(t, string(want), string(got))
}
