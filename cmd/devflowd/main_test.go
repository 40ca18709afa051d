package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devflow/internal/engine"
	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/stage"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "sweep", "replay", "version"})
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Version:    dev")
}

func TestReplayCmd_Args(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"replay", "--all", "run-1"})
	assert.Error(t, root.Execute())
}

type recordingDispatcher struct {
	mu   sync.Mutex
	runs []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs = append(d.runs, runID)
	return nil
}

func codeStages() *stage.Registry {
	stages := stage.NewRegistry()
	stages.Register("coder", stage.Func(func(context.Context, stage.Input) (*pipeline.Result, error) {
		return &pipeline.Result{Output: pipeline.CodeOutput{Summary: "patch"}, Confidence: 0.95}, nil
	}))
	return stages
}

func openTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "devflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	eng, err := engine.New(st, codeStages())
	require.NoError(t, err)
	run, err := eng.CreateRun(ctx, pipeline.Trigger{Kind: pipeline.TriggerManual}, pipeline.Flow{"coder"})
	require.NoError(t, err)
	status, err := eng.Advance(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, status)

	export := filepath.Join(t.TempDir(), "audit.jsonl")
	var out bytes.Buffer
	require.NoError(t, replay(ctx, st, run.ID, export, &out))
	assert.Contains(t, out.String(), "ok   "+run.ID)
	assert.Contains(t, out.String(), "status=completed")

	info, err := os.Stat(export)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	err = replay(ctx, st, "missing", "", &out)
	assert.ErrorIs(t, err, pipeline.ErrUnknownRun)
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	policy := pipeline.DefaultPolicy()
	spec := policy.Gates["pre-merge"]
	spec.TimeoutHours = 1
	spec.OnTimeout = pipeline.OnTimeoutAutoApprove
	policy.Gates["pre-merge"] = spec
	flow := pipeline.Flow{"coder", "gate:pre-merge", "publisher"}

	past := time.Now().Add(-48 * time.Hour)
	eng, err := engine.New(st, codeStages(),
		engine.WithPolicy(policy),
		engine.WithClock(func() time.Time { return past }),
	)
	require.NoError(t, err)
	run, err := eng.CreateRun(ctx, pipeline.Trigger{Kind: pipeline.TriggerManual}, flow)
	require.NoError(t, err)
	status, err := eng.Advance(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusSuspended, status)

	dispatch := &recordingDispatcher{}
	n, err := sweepOnce(ctx, st, dispatch, logging.NewNop(), time.Now(), policy, flow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{run.ID}, dispatch.runs)

	// Nothing left to fire.
	n, err = sweepOnce(ctx, st, dispatch, logging.NewNop(), time.Now(), policy, flow)
	require.NoError(t, err)
	assert.Zero(t, n)
}
