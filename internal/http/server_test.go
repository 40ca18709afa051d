package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/audit"
	"github.com/fyrsmithlabs/devflow/internal/engine"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/stage"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

// MockEngine is a mock implementation of Engine
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) CreateRun(ctx context.Context, trigger pipeline.Trigger, flow pipeline.Flow) (*pipeline.Run, error) {
	args := m.Called(ctx, trigger, flow)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Run), args.Error(1)
}

func (m *MockEngine) Inspect(ctx context.Context, runID string) (*pipeline.Projection, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Projection), args.Error(1)
}

func (m *MockEngine) Runs(ctx context.Context, status pipeline.Status, limit int) ([]*pipeline.Run, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*pipeline.Run), args.Error(1)
}

func (m *MockEngine) Cancel(ctx context.Context, runID, reason string) (*pipeline.Run, error) {
	args := m.Called(ctx, runID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Run), args.Error(1)
}

func (m *MockEngine) Resume(ctx context.Context, runID, actor string) (*pipeline.Gate, error) {
	args := m.Called(ctx, runID, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Gate), args.Error(1)
}

func (m *MockEngine) SubmitDecision(ctx context.Context, gateID, approver string, vote pipeline.Vote, reason string) (*pipeline.Gate, error) {
	args := m.Called(ctx, gateID, approver, vote, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Gate), args.Error(1)
}

func (m *MockEngine) Entries(ctx context.Context, runID string, sinceSeq int64) ([]pipeline.Entry, error) {
	args := m.Called(ctx, runID, sinceSeq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pipeline.Entry), args.Error(1)
}

// MockDispatcher is a mock implementation of engine.Dispatcher
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(&MockEngine{}, &MockDispatcher{}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", s.config.Host)
		assert.Equal(t, 8080, s.config.Port)
	})

	t.Run("requires engine, dispatcher and logger", func(t *testing.T) {
		_, err := NewServer(nil, &MockDispatcher{}, zap.NewNop(), nil)
		assert.Error(t, err)
		_, err = NewServer(&MockEngine{}, nil, zap.NewNop(), nil)
		assert.Error(t, err)
		_, err = NewServer(&MockEngine{}, &MockDispatcher{}, nil, nil)
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	healthy := true
	s, err := NewServer(&MockEngine{}, &MockDispatcher{}, zap.NewNop(), &Config{
		Health: func(context.Context) error {
			if healthy {
				return nil
			}
			return fmt.Errorf("store closed")
		},
	})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	healthy = false
	rec = do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleCreateRun(t *testing.T) {
	eng := &MockEngine{}
	dispatch := &MockDispatcher{}
	s, err := NewServer(eng, dispatch, zap.NewNop(), nil)
	require.NoError(t, err)

	run := &pipeline.Run{ID: "run-1", Status: pipeline.StatusRunning}
	eng.On("CreateRun", mock.Anything, mock.MatchedBy(func(tr pipeline.Trigger) bool {
		return tr.Kind == pipeline.TriggerIssue && tr.Ref == "#42"
	}), pipeline.Flow{"coder"}).Return(run, nil)
	dispatch.On("Dispatch", mock.Anything, "run-1").Return(nil)

	rec := do(t, s, http.MethodPost, "/api/v1/runs", CreateRunRequest{
		Trigger: pipeline.Trigger{Kind: pipeline.TriggerIssue, Ref: "#42"},
		Flow:    pipeline.Flow{"coder"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.Run.ID)
	eng.AssertExpectations(t)
	dispatch.AssertExpectations(t)
}

func TestHandleCreateRun_Validation(t *testing.T) {
	eng := &MockEngine{}
	s, err := NewServer(eng, &MockDispatcher{}, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/v1/runs", CreateRunRequest{Trigger: pipeline.Trigger{Kind: "webhook"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	eng.On("CreateRun", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: gate %q is not configured", pipeline.ErrInvalidFlow, "nope"))
	rec = do(t, s, http.MethodPost, "/api/v1/runs", CreateRunRequest{Flow: pipeline.Flow{"gate:nope"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")
}

func TestHandleDecision_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown gate", pipeline.ErrUnknownGate, http.StatusNotFound},
		{"already resolved", fmt.Errorf("gate g: %w", pipeline.ErrAlreadyResolved), http.StatusConflict},
		{"duplicate vote", pipeline.ErrDuplicateVote, http.StatusConflict},
		{"store failure", &pipeline.PersistenceError{Op: "commit", Err: fmt.Errorf("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &MockEngine{}
			s, err := NewServer(eng, &MockDispatcher{}, zap.NewNop(), nil)
			require.NoError(t, err)
			eng.On("SubmitDecision", mock.Anything, "g-1", "alice", pipeline.VoteApprove, "").Return(nil, tt.err)

			rec := do(t, s, http.MethodPost, "/api/v1/gates/g-1/decision", DecisionRequest{Approver: "alice", Vote: pipeline.VoteApprove})
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "disk full")
			}
		})
	}

	t.Run("rejects bad votes before reaching the engine", func(t *testing.T) {
		eng := &MockEngine{}
		s, err := NewServer(eng, &MockDispatcher{}, zap.NewNop(), nil)
		require.NoError(t, err)

		rec := do(t, s, http.MethodPost, "/api/v1/gates/g-1/decision", DecisionRequest{Approver: "alice", Vote: "maybe"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = do(t, s, http.MethodPost, "/api/v1/gates/g-1/decision", DecisionRequest{Vote: pipeline.VoteApprove})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		eng.AssertNotCalled(t, "SubmitDecision", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandleAudit_QueryParams(t *testing.T) {
	eng := &MockEngine{}
	s, err := NewServer(eng, &MockDispatcher{}, zap.NewNop(), nil)
	require.NoError(t, err)

	eng.On("Entries", mock.Anything, "", int64(0)).Return([]pipeline.Entry(nil), nil)
	rec := do(t, s, http.MethodGet, "/api/v1/audit", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/audit?since_seq=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Sequences are per run, so a global listing cannot resume from one.
	rec = do(t, s, http.MethodGet, "/api/v1/audit?since_seq=3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "since_seq requires run_id")
	eng.AssertNotCalled(t, "Entries", mock.Anything, "", int64(3))

	eng.On("Entries", mock.Anything, "missing", int64(0)).Return(nil, pipeline.ErrUnknownRun)
	rec = do(t, s, http.MethodGet, "/api/v1/audit?run_id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIToken(t *testing.T) {
	eng := &MockEngine{}
	s, err := NewServer(eng, &MockDispatcher{}, zap.NewNop(), &Config{APIToken: "s3cret"})
	require.NoError(t, err)
	eng.On("Runs", mock.Anything, pipeline.Status(""), 0).Return([]*pipeline.Run{}, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/runs", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rec = do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "devflow_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s, err := NewServer(&MockEngine{}, &MockDispatcher{}, zap.NewNop(), &Config{Gatherer: reg})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "devflow_test_total 1")
}

// syncDispatcher advances runs on the request goroutine so the test can
// observe the parked state right after the response.
type syncDispatcher struct {
	eng *engine.Engine
}

func (d syncDispatcher) Dispatch(ctx context.Context, runID string) error {
	_, err := d.eng.Advance(ctx, runID)
	return err
}

func newEngineServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	stages := stage.NewRegistry()
	stages.Register("coder", stage.Func(func(context.Context, stage.Input) (*pipeline.Result, error) {
		return &pipeline.Result{Output: pipeline.CodeOutput{Summary: "patch"}, Confidence: 0.95}, nil
	}))
	stages.Register("publisher", stage.Func(func(context.Context, stage.Input) (*pipeline.Result, error) {
		return &pipeline.Result{Output: pipeline.PublishOutput{URL: "https://example.test/pr/1"}, Confidence: 1}, nil
	}))

	var mu sync.Mutex
	n := 0
	ids := func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	eng, err := engine.New(store.NewMemory(), stages,
		engine.WithIDGenerator(ids),
		engine.WithClock(func() time.Time { return now }),
		engine.WithMetrics(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	s, err := NewServer(eng, syncDispatcher{eng: eng}, zap.NewNop(), nil)
	require.NoError(t, err)
	return s, eng
}

func TestRunLifecycle(t *testing.T) {
	s, _ := newEngineServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/runs", CreateRunRequest{
		Trigger: pipeline.Trigger{Kind: pipeline.TriggerManual, Ref: "demo"},
		Flow:    pipeline.Flow{"coder", "gate:pre-merge", "publisher"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/runs/id-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, pipeline.StatusSuspended, run.Run.Status)
	require.Len(t, run.Gates, 1)
	gateID := run.Gates[0].ID
	assert.Equal(t, "pre-merge", run.Gates[0].Name)

	rec = do(t, s, http.MethodPost, "/api/v1/gates/"+gateID+"/decision", DecisionRequest{Approver: "alice", Vote: pipeline.VoteApprove})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var g GateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Equal(t, pipeline.ResolutionApproved, g.Gate.Resolution)

	// Late decision on the resolved gate.
	rec = do(t, s, http.MethodPost, "/api/v1/gates/"+gateID+"/decision", DecisionRequest{Approver: "bob", Vote: pipeline.VoteReject})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list RunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "id-1", list.Runs[0].ID)

	rec = do(t, s, http.MethodPost, "/api/v1/runs/id-1/cancel", CancelRequest{Reason: "too late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/v1/runs/id-1/resume", ResumeRequest{Actor: "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/v1/gates/nope/decision", DecisionRequest{Approver: "alice", Vote: pipeline.VoteApprove})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/audit?run_id=id-1&format=jsonl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	entries, err := audit.ReadJSONL(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	report, err := audit.Verify(entries, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, report.Status)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/audit?run_id=id-1&since_seq=%d", len(entries)-1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tail AuditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tail))
	require.Len(t, tail.Entries, 1)
	assert.Equal(t, pipeline.ActionRunFinished, tail.Entries[0].Action)
}

func TestCancelSuspendedRun(t *testing.T) {
	s, _ := newEngineServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/runs", CreateRunRequest{
		Flow: pipeline.Flow{"coder", "gate:pre-merge", "publisher"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/runs/id-1/cancel", CancelRequest{Reason: "superseded"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, pipeline.StatusFailed, run.Run.Status)
	assert.Equal(t, "superseded", run.Run.Reason)

	rec = do(t, s, http.MethodGet, "/api/v1/runs/id-1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Len(t, run.Gates, 1)
	assert.Equal(t, pipeline.ResolvedByCancel, run.Gates[0].ResolvedBy)
}
