// Package scheduler runs periodic engine work: the gate deadline sweep and
// cron-triggered runs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/engine"
	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Engine is the subset of the engine the scheduler drives.
type Engine interface {
	CreateRun(ctx context.Context, trigger pipeline.Trigger, flow pipeline.Flow) (*pipeline.Run, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Trigger is a run created on a cron schedule.
type Trigger struct {
	Name    string
	Cron    string
	Flow    pipeline.Flow
	Payload map[string]any
}

// Scheduler owns a cron instance and the jobs registered on it.
type Scheduler struct {
	cron     *cron.Cron
	eng      Engine
	dispatch engine.Dispatcher
	logger   *logging.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time passed to sweeps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. Runs it creates are handed to dispatch.
func New(eng Engine, dispatch engine.Dispatcher, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     cron.New(),
		eng:      eng,
		dispatch: dispatch,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	return s
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// AddSweeper fires expired gate deadlines on spec, e.g. "@every 1m".
func (s *Scheduler) AddSweeper(spec string) error {
	return s.add("sweeper", spec, &sweepJob{s: s})
}

// Schedule registers t, replacing any trigger with the same name.
func (s *Scheduler) Schedule(t Trigger) error {
	if t.Name == "" {
		return fmt.Errorf("scheduled trigger needs a name")
	}
	return s.add("trigger:"+t.Name, t.Cron, &triggerJob{s: s, t: t})
}

// Remove unregisters a trigger by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs["trigger:"+name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, "trigger:"+name)
	}
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) add(key, spec string, job cron.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", key, spec, err)
	}
	if old, ok := s.jobs[key]; ok {
		s.cron.Remove(old)
	}
	s.jobs[key] = id
	return nil
}

type sweepJob struct {
	s *Scheduler
}

func (j *sweepJob) Run() {
	ctx := j.s.ctx
	fired, err := j.s.eng.SweepExpired(ctx, j.s.now())
	if err != nil {
		j.s.logger.Error(ctx, "gate sweep failed", zap.Int("fired", fired), zap.Error(err))
		return
	}
	if fired > 0 {
		j.s.logger.Info(ctx, "gate sweep fired timeouts", zap.Int("fired", fired))
	}
}

type triggerJob struct {
	s *Scheduler
	t Trigger
}

func (j *triggerJob) Run() {
	ctx := j.s.ctx
	run, err := j.s.eng.CreateRun(ctx, pipeline.Trigger{
		Kind:       pipeline.TriggerSchedule,
		Source:     "cron",
		Ref:        j.t.Name,
		Payload:    j.t.Payload,
		ReceivedAt: j.s.now(),
	}, j.t.Flow)
	if err != nil {
		j.s.logger.Error(ctx, "scheduled run not created", zap.String("trigger", j.t.Name), zap.Error(err))
		return
	}
	ctx = logging.WithRunID(ctx, run.ID)
	if err := j.s.dispatch.Dispatch(ctx, run.ID); err != nil {
		j.s.logger.Error(ctx, "dispatch scheduled run", zap.Error(err))
	}
}
