// Package engine drives pipeline runs.
//
// The engine never mutates a run directly. Every transition is emitted as an
// audit entry into the run's projection, and the projection is committed
// together with the new entries in one store transaction. A run can
// therefore always be rebuilt by replaying its log, and a step interrupted
// before its commit leaves no trace.
//
// All work on a run happens under a per-run lock. Suspended runs hold no
// lock and no goroutine; they are resumed by a gate decision, a timeout
// sweep or an explicit Advance.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/gate"
	"github.com/fyrsmithlabs/devflow/internal/keylock"
	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/secrets"
	"github.com/fyrsmithlabs/devflow/internal/stage"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/devflow/internal/engine"

// StageResolver looks up stages by name.
type StageResolver interface {
	Get(name string) (stage.Stage, error)
}

// Redactor strips secrets from stage results before they are recorded.
type Redactor interface {
	RedactResult(res *pipeline.Result) (*pipeline.Result, secrets.Report, error)
	RedactText(s string) (string, secrets.Report)
}

// Engine runs pipelines against a store.
type Engine struct {
	store      store.Store
	stages     StageResolver
	gates      *gate.Manager
	locks      *keylock.Map
	notifier   Notifier
	dispatcher Dispatcher
	redactor   Redactor
	logger     *logging.Logger
	tracer     trace.Tracer
	metrics    *Metrics

	now      func() time.Time
	newRunID func() string
	gateIDs  func() string

	mu     sync.RWMutex
	policy pipeline.Policy
	flow   pipeline.Flow

	cancelMu sync.Mutex
	cancels  map[string]*cancelHold
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the wall clock used for entries and deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides run and gate id generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.newRunID = gen
		e.gateIDs = gen
	}
}

// WithNotifier sets where gate notifications go.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPolicy sets the policy snapshotted onto new runs.
func WithPolicy(p pipeline.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithDefaultFlow sets the flow used when CreateRun gets none.
func WithDefaultFlow(f pipeline.Flow) Option {
	return func(e *Engine) { e.flow = f }
}

// WithRedactor redacts stage results and errors before they are recorded.
func WithRedactor(r Redactor) Option {
	return func(e *Engine) { e.redactor = r }
}

// WithTracer sets the tracer for engine spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics registers engine metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = NewMetrics(reg) }
}

// New creates an engine.
func New(st store.Store, stages StageResolver, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    st,
		stages:   stages,
		locks:    keylock.New(),
		cancels:  make(map[string]*cancelHold),
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: uuid.NewString,
		gateIDs:  uuid.NewString,
		policy:   pipeline.DefaultPolicy(),
		flow:     pipeline.DefaultFlow(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if err := e.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if err := e.flow.Validate(e.policy); err != nil {
		return nil, fmt.Errorf("invalid default flow: %w", err)
	}
	e.gates = gate.NewManager(gate.WithClock(e.now), gate.WithIDGenerator(e.gateIDs))
	return e, nil
}

// SetDispatcher makes gate resolutions hand the run to d instead of
// advancing it on the caller's goroutine.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = d
}

// SetPolicy replaces the policy for runs created from now on. Existing runs
// keep the snapshot they were created with.
func (e *Engine) SetPolicy(p pipeline.Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	return nil
}

// Policy returns the policy new runs will get.
func (e *Engine) Policy() pipeline.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// CreateRun persists a new run for trigger. An empty flow uses the
// engine's default. The run is not advanced; call Advance or dispatch it.
func (e *Engine) CreateRun(ctx context.Context, trigger pipeline.Trigger, flow pipeline.Flow) (*pipeline.Run, error) {
	e.mu.RLock()
	policy := e.policy
	if len(flow) == 0 {
		flow = e.flow
	}
	e.mu.RUnlock()

	if err := trigger.Validate(); err != nil {
		return nil, err
	}
	if err := flow.Validate(policy); err != nil {
		return nil, err
	}

	now := e.now()
	if trigger.ReceivedAt.IsZero() {
		trigger.ReceivedAt = now
	}
	flow = append(pipeline.Flow(nil), flow...)

	p := &pipeline.Projection{}
	created := pipeline.Entry{
		Seq:       1,
		RunID:     e.newRunID(),
		Timestamp: now,
		Actor:     pipeline.ActorEngine,
		Action:    pipeline.ActionRunCreated,
		Details:   pipeline.Details{Trigger: &trigger, Flow: flow, Policy: &policy},
	}
	if err := p.Apply(created); err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, p, []pipeline.Entry{created}); err != nil {
		return nil, err
	}
	e.metrics.observe([]pipeline.Entry{created})

	e.logger.Info(logging.WithRunID(ctx, p.Run.ID), "run created",
		zap.String("trigger", string(trigger.Kind)),
		zap.String("ref", trigger.Ref),
		zap.Strings("flow", flow))
	return p.Run, nil
}

// Status returns the run's current projection state.
func (e *Engine) Status(ctx context.Context, runID string) (*pipeline.Run, error) {
	snap, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return snap.Run, nil
}

// Inspect returns the run with its gates and invocation records.
func (e *Engine) Inspect(ctx context.Context, runID string) (*pipeline.Projection, error) {
	snap, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return snap.Projection, nil
}

// Entries lists a run's audit entries after sinceSeq. An empty runID lists
// every run's entries in append order; sinceSeq should then be zero since
// sequences are per run.
func (e *Engine) Entries(ctx context.Context, runID string, sinceSeq int64) ([]pipeline.Entry, error) {
	if runID != "" {
		if _, err := e.store.Load(ctx, runID); err != nil {
			return nil, err
		}
	}
	return e.store.Entries(ctx, store.Query{RunID: runID, SinceSeq: sinceSeq})
}

// Runs lists runs, optionally by status.
func (e *Engine) Runs(ctx context.Context, status pipeline.Status, limit int) ([]*pipeline.Run, error) {
	return e.store.Runs(ctx, store.RunFilter{Status: status, Limit: limit})
}
