package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/gate"
	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

// withRun loads the run under its lock, lets fn emit entries into the
// projection and commits them.
func (e *Engine) withRun(ctx context.Context, runID string, fn func(*store.Snapshot) ([]pipeline.Entry, error)) (*pipeline.Projection, error) {
	unlock := e.locks.Lock(runID)
	defer unlock()

	snap, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	entries, err := fn(snap)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, snap, entries); err != nil {
		return nil, err
	}
	return snap.Projection, nil
}

// SubmitDecision records an approver's vote on a gate. When the vote
// resolves the gate the run is advanced. The returned gate reflects the
// state right after the vote.
func (e *Engine) SubmitDecision(ctx context.Context, gateID, approver string, vote pipeline.Vote, reason string) (*pipeline.Gate, error) {
	runID, err := e.store.GateRun(ctx, gateID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithGateID(logging.WithRunID(ctx, runID), gateID)

	p, err := e.withRun(ctx, runID, func(snap *store.Snapshot) ([]pipeline.Entry, error) {
		en, err := e.gates.RecordDecision(snap.Projection, gateID, approver, vote, reason)
		if err != nil {
			return nil, err
		}
		return []pipeline.Entry{en}, nil
	})
	if err != nil {
		e.logger.Info(ctx, "gate decision rejected", zap.String("approver", approver), zap.Error(err))
		return nil, err
	}

	resolved := p.Gate(gateID)
	e.logger.Info(ctx, "gate decision recorded",
		zap.String("approver", approver),
		zap.String("vote", string(vote)),
		zap.String("resolution", string(resolved.Resolution)))

	if p.Run.Status == pipeline.StatusRunning {
		if _, err := e.kick(ctx, runID); err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}

// FireTimeout applies a gate's timeout policy. It fails with ErrNotExpired
// before the deadline and ErrAlreadyResolved if a decision won the race.
func (e *Engine) FireTimeout(ctx context.Context, gateID string) (*pipeline.Gate, error) {
	runID, err := e.store.GateRun(ctx, gateID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithGateID(logging.WithRunID(ctx, runID), gateID)

	p, err := e.withRun(ctx, runID, func(snap *store.Snapshot) ([]pipeline.Entry, error) {
		return e.gates.FireTimeout(snap.Projection, gateID)
	})
	if err != nil {
		return nil, err
	}

	fired := p.Gate(gateID)
	e.logger.Info(ctx, "gate timed out",
		zap.String("gate", fired.Name),
		zap.String("on_timeout", string(fired.OnTimeout)),
		zap.String("resolution", string(fired.Resolution)))

	if p.Run.Status == pipeline.StatusRunning {
		if _, err := e.kick(ctx, runID); err != nil {
			return fired, err
		}
	}
	return fired, nil
}

// SweepExpired fires every pending gate whose deadline is at or before now
// and returns how many it fired. Gates resolved concurrently are skipped.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	refs, err := e.store.ExpiredGates(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	var errs []error
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		_, err := e.FireTimeout(ctx, ref.GateID)
		switch {
		case err == nil:
			fired++
		case errors.Is(err, pipeline.ErrAlreadyResolved), errors.Is(err, pipeline.ErrNotExpired):
		default:
			errs = append(errs, fmt.Errorf("gate %s: %w", ref.GateID, err))
		}
	}
	return fired, errors.Join(errs...)
}

// Cancel stops a run. It waits for any in-flight step, rejects the pending
// gate as cancelled and marks the run failed with reason.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*pipeline.Run, error) {
	ctx = logging.WithRunID(ctx, runID)
	if reason == "" {
		reason = "cancelled"
	}
	release := e.holdCancel(runID)
	defer release()

	p, err := e.withRun(ctx, runID, func(snap *store.Snapshot) ([]pipeline.Entry, error) {
		if snap.Run.Status.Terminal() {
			return nil, fmt.Errorf("cancel run %s (%s): %w", runID, snap.Run.Status, pipeline.ErrRunTerminal)
		}
		var entries []pipeline.Entry
		withdrawn, ok, err := e.gates.Withdraw(snap.Projection, pipeline.ActorEngine, reason)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, withdrawn)
		}
		cancelled, err := snap.Emit(e.now(), pipeline.ActorEngine, pipeline.ActionRunCancelled, pipeline.Details{Reason: reason})
		if err != nil {
			return nil, err
		}
		return append(entries, cancelled), nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "run cancelled", zap.String("reason", reason))
	return p.Run, nil
}

// cancelHold makes Advance wait between steps while a Cancel for the run
// is queued on its lock.
type cancelHold struct {
	refs int
	done chan struct{}
}

func (e *Engine) holdCancel(runID string) (release func()) {
	e.cancelMu.Lock()
	h, ok := e.cancels[runID]
	if !ok {
		h = &cancelHold{done: make(chan struct{})}
		e.cancels[runID] = h
	}
	h.refs++
	e.cancelMu.Unlock()

	return func() {
		e.cancelMu.Lock()
		defer e.cancelMu.Unlock()
		if h.refs--; h.refs == 0 {
			delete(e.cancels, runID)
			close(h.done)
		}
	}
}

func (e *Engine) cancelPending(runID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	_, ok := e.cancels[runID]
	return ok
}

// awaitCancel blocks while a Cancel for runID is pending.
func (e *Engine) awaitCancel(ctx context.Context, runID string) error {
	e.cancelMu.Lock()
	h, ok := e.cancels[runID]
	e.cancelMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume re-opens a timed-out run by arming an escalation gate with no
// deadline. The run stays suspended until someone decides on that gate.
func (e *Engine) Resume(ctx context.Context, runID, actor string) (*pipeline.Gate, error) {
	ctx = logging.WithRunID(ctx, runID)
	if actor == "" {
		actor = pipeline.ActorEngine
	}

	p, err := e.withRun(ctx, runID, func(snap *store.Snapshot) ([]pipeline.Entry, error) {
		if snap.Run.Status != pipeline.StatusTimedOut {
			return nil, fmt.Errorf("resume run %s (%s): %w", runID, snap.Run.Status, pipeline.ErrNotTimedOut)
		}
		armed, err := e.gates.Arm(snap.Projection, gate.FinalEscalation(snap.Run.Policy), actor, "resumed after gate timeout")
		if err != nil {
			return nil, err
		}
		return []pipeline.Entry{armed}, nil
	})
	if err != nil {
		return nil, err
	}
	g := p.PendingGate()
	e.logger.Info(ctx, "run resumed", zap.String("gate.id", g.ID), zap.String("actor", actor))
	return g, nil
}
