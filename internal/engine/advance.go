package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/router"
	"github.com/fyrsmithlabs/devflow/internal/secrets"
	"github.com/fyrsmithlabs/devflow/internal/stage"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

// Advance steps the run until it is suspended, timed out or terminal, and
// returns the status it parked in. Calling it on a parked run is a no-op,
// so it is safe to invoke again after any event or crash.
func (e *Engine) Advance(ctx context.Context, runID string) (pipeline.Status, error) {
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := e.tracer.Start(ctx, "engine.Advance", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	status, err := e.drive(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("run.status", string(status)))
	return status, err
}

// drive takes the run lock once per step, so Cancel and gate decisions can
// land between stages. A pending Cancel goes before the next step.
func (e *Engine) drive(ctx context.Context, runID string) (pipeline.Status, error) {
	for {
		if err := e.awaitCancel(ctx, runID); err != nil {
			return "", err
		}
		status, parked, err := e.stepOnce(ctx, runID)
		if err != nil || parked {
			return status, err
		}
	}
}

// stepOnce reloads the run under its lock and performs one step unless the
// run is no longer running. parked reports that driving should stop.
func (e *Engine) stepOnce(ctx context.Context, runID string) (status pipeline.Status, parked bool, err error) {
	unlock := e.locks.Lock(runID)
	defer unlock()

	snap, err := e.store.Load(ctx, runID)
	if err != nil {
		return "", true, err
	}
	status = snap.Run.Status
	if status != pipeline.StatusRunning {
		return status, true, nil
	}
	if err := ctx.Err(); err != nil {
		return status, true, err
	}
	if err := e.step(ctx, snap); err != nil {
		return status, true, err
	}
	return status, false, nil
}

// step performs exactly one transition of a running run.
func (e *Engine) step(ctx context.Context, snap *store.Snapshot) error {
	run := snap.Run

	if run.AwaitingRoute != "" {
		g := snap.Gate(run.AwaitingRoute)
		if g == nil {
			return fmt.Errorf("run %s awaits routing of missing gate %s: %w", run.ID, run.AwaitingRoute, pipeline.ErrUnknownGate)
		}
		d := router.AfterGate(router.InputFor(run, pipeline.Record{}), g)
		return e.route(ctx, snap, d, nil)
	}

	if name, ok := pipeline.GateName(run.Current); ok {
		spec, found := run.Policy.Gate(name)
		if !found {
			return e.route(ctx, snap, pipeline.Decision{
				Kind:   pipeline.DecisionTerminate,
				Status: pipeline.StatusFailed,
				Reason: fmt.Sprintf("gate %q is not configured", name),
			}, nil)
		}
		d := router.AtGate(router.InputFor(run, pipeline.Record{}), spec)
		return e.route(ctx, snap, d, nil)
	}

	return e.invoke(ctx, snap)
}

// invoke runs the current stage once and routes its result. The
// stage_started entry is committed before the call so a crash mid-call
// re-invokes with the same key and attempt.
func (e *Engine) invoke(ctx context.Context, snap *store.Snapshot) error {
	run := snap.Run
	name := run.Current

	if run.InFlight == "" {
		attempt := run.Attempt + 1
		key := pipeline.InvocationKey(run.ID, name, run.LastSeq+1, attempt)
		started, err := snap.Emit(e.now(), pipeline.ActorEngine, pipeline.ActionStageStarted, pipeline.Details{
			Stage:         name,
			Attempt:       attempt,
			InvocationKey: key,
		})
		if err != nil {
			return err
		}
		if err := e.commit(ctx, snap, []pipeline.Entry{started}); err != nil {
			return err
		}
	} else {
		e.logger.Info(ctx, "re-invoking in-flight stage",
			zap.String("stage", name),
			zap.String("invocation_key", run.InFlight))
	}

	attempt, key := run.Attempt, run.InFlight
	ctx = logging.WithStage(ctx, name)
	ctx, span := e.tracer.Start(ctx, "engine.invoke", trace.WithAttributes(
		attribute.String("stage", name),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	in := stage.Input{
		RunID:   run.ID,
		Stage:   name,
		Attempt: attempt,
		Key:     key,
		Trigger: run.Trigger,
		History: append([]pipeline.Record(nil), snap.Records...),
	}

	startedAt := e.now()
	res, err := e.call(ctx, name, in)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Cancellation is not a stage outcome. Nothing is written and the
		// in-flight key is kept for the next Advance.
		return ctxErr
	}

	rec := pipeline.Record{
		Stage:     name,
		Attempt:   attempt,
		Key:       key,
		StartedAt: startedAt,
		Duration:  e.now().Sub(startedAt),
	}
	if res, err = e.redact(ctx, &rec, res, err); err == nil {
		rec.Result = res
	}
	switch {
	case err != nil:
		serr := &pipeline.StageError{Stage: name, Attempt: attempt, Err: err}
		rec.Outcome = pipeline.OutcomeFailure
		rec.Error = err.Error()
		span.RecordError(serr)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn(ctx, "stage failed", zap.Int("attempt", attempt), zap.Error(serr))
	default:
		rec.Outcome = pipeline.OutcomeSuccess
		if router.Evaluate(name, res, run.Policy).Escalate {
			rec.Outcome = pipeline.OutcomeLowConfidence
		}
		span.SetAttributes(attribute.Float64("confidence", res.Confidence))
	}

	d := router.Decide(router.InputFor(run, rec), run.Policy)
	completed, err := snap.Emit(e.now(), name, pipeline.ActionStageCompleted, pipeline.Details{
		Stage:         name,
		Attempt:       attempt,
		InvocationKey: key,
		Record:        &rec,
	})
	if err != nil {
		return err
	}
	return e.route(ctx, snap, d, []pipeline.Entry{completed})
}

// redact strips secrets from a stage's result or error text and counts them
// on rec. A result that cannot be redacted is turned into a failure so it is
// never recorded.
func (e *Engine) redact(ctx context.Context, rec *pipeline.Record, res *pipeline.Result, err error) (*pipeline.Result, error) {
	if e.redactor == nil {
		return res, err
	}
	var rep secrets.Report
	if err != nil {
		var msg string
		msg, rep = e.redactor.RedactText(err.Error())
		if rep.Total > 0 {
			err = errors.New(msg)
		}
	} else {
		var rerr error
		res, rep, rerr = e.redactor.RedactResult(res)
		if rerr != nil {
			return nil, fmt.Errorf("redacting output: %w", rerr)
		}
	}
	if rep.Total > 0 {
		rec.Redacted = rep.Total
		e.logger.Warn(ctx, "redacted secrets from stage output",
			zap.Int("count", rep.Total),
			zap.Strings("rules", rep.RuleIDs()))
	}
	return res, err
}

// call resolves and invokes a stage, rejecting results the router cannot
// interpret.
func (e *Engine) call(ctx context.Context, name string, in stage.Input) (*pipeline.Result, error) {
	st, err := e.stages.Get(name)
	if err != nil {
		return nil, err
	}
	res, err := st.Invoke(ctx, in)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Output == nil {
		return nil, errors.New("stage returned no output")
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", res.Confidence)
	}
	return res, nil
}

// route records decision d after any pending entries and carries out gate
// and terminate decisions in the same commit.
func (e *Engine) route(ctx context.Context, snap *store.Snapshot, d pipeline.Decision, entries []pipeline.Entry) error {
	now := e.now()
	routed, err := snap.Emit(now, pipeline.ActorRouter, pipeline.ActionRouted, pipeline.Details{
		Stage:    snap.Run.Current,
		Decision: &d,
		Reason:   d.Reason,
	})
	if err != nil {
		return err
	}
	entries = append(entries, routed)

	switch d.Kind {
	case pipeline.DecisionGate:
		if d.Gate == nil {
			return fmt.Errorf("gate decision without a gate spec")
		}
		armed, err := e.gates.Arm(snap.Projection, *d.Gate, pipeline.ActorGate, d.Reason)
		if err != nil {
			return err
		}
		entries = append(entries, armed)
	case pipeline.DecisionTerminate:
		fin, err := snap.Emit(now, pipeline.ActorEngine, pipeline.ActionRunFinished, pipeline.Details{
			Status: d.Status,
			Reason: d.Reason,
		})
		if err != nil {
			return err
		}
		entries = append(entries, fin)
	}

	if err := e.commit(ctx, snap, entries); err != nil {
		return err
	}
	e.logger.Info(ctx, "routed",
		zap.String("decision", string(d.Kind)),
		zap.String("stage", d.Stage),
		zap.String("reason", d.Reason),
		zap.String("status", string(snap.Run.Status)))
	return nil
}

// commit persists the projection with entries, then records metrics and
// sends notifications for gates the entries armed.
func (e *Engine) commit(ctx context.Context, snap *store.Snapshot, entries []pipeline.Entry) error {
	v, err := e.store.Commit(ctx, snap.Projection, snap.Version, entries)
	if err != nil {
		return err
	}
	snap.Version = v
	e.metrics.observe(entries)
	for _, en := range entries {
		e.logger.Trace(ctx, "audit entry",
			zap.Int64("seq", en.Seq),
			zap.String("actor", en.Actor),
			zap.String("action", string(en.Action)))
	}
	e.notify(ctx, snap, entries)
	return nil
}

// notify delivers gate notifications. Failures are appended as
// notify_failed entries in their own commit.
func (e *Engine) notify(ctx context.Context, snap *store.Snapshot, entries []pipeline.Entry) {
	if e.notifier == nil {
		return
	}
	var failed []pipeline.Entry
	for _, en := range entries {
		if en.Action != pipeline.ActionGateArmed || en.Details.Gate == nil {
			continue
		}
		g := en.Details.Gate
		for _, ch := range g.Notify {
			err := e.notifier.Notify(ctx, Notification{
				Channel:  ch,
				RunID:    g.RunID,
				GateID:   g.ID,
				Gate:     g.Name,
				Reason:   g.Reason,
				Deadline: g.Deadline,
			})
			if err == nil {
				continue
			}
			e.logger.Warn(ctx, "notification failed", zap.String("channel", ch), zap.String("gate.id", g.ID), zap.Error(err))
			f, emitErr := snap.Emit(e.now(), pipeline.ActorEngine, pipeline.ActionNotifyFailed, pipeline.Details{
				GateID:  g.ID,
				Channel: ch,
				Error:   err.Error(),
			})
			if emitErr != nil {
				e.logger.Error(ctx, "record notification failure", zap.Error(emitErr))
				continue
			}
			failed = append(failed, f)
		}
	}
	if len(failed) == 0 {
		return
	}
	v, err := e.store.Commit(ctx, snap.Projection, snap.Version, failed)
	if err != nil {
		e.logger.Error(ctx, "commit notification failures", zap.Error(err))
		return
	}
	snap.Version = v
	e.metrics.observe(failed)
}

// kick advances a run whose gate was just resolved, through the dispatcher
// when one is set.
func (e *Engine) kick(ctx context.Context, runID string) (pipeline.Status, error) {
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d != nil {
		return pipeline.StatusRunning, d.Dispatch(ctx, runID)
	}
	return e.Advance(ctx, runID)
}
