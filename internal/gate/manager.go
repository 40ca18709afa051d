// Package gate arms, resolves and expires checkpoints on pipeline runs.
//
// The Manager works on a loaded projection and emits audit entries into it;
// the caller holds the run lock and commits the projection together with
// the emitted entries. Each arm, decision and timeout emits exactly one
// entry for the gate action.
package gate

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Manager applies gate operations to run projections.
type Manager struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides gate id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a Manager using UTC wall time and random UUIDs.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Arm creates a pending gate on the run and suspends it. The deadline is
// armed time plus the spec's timeout; a zero timeout never expires.
func (m *Manager) Arm(p *pipeline.Projection, spec pipeline.GateSpec, actor, reason string) (pipeline.Entry, error) {
	if p.Run.Status.Terminal() {
		return pipeline.Entry{}, fmt.Errorf("arm gate on run %s: %w", p.Run.ID, pipeline.ErrRunTerminal)
	}
	if pending := p.PendingGate(); pending != nil {
		return pipeline.Entry{}, fmt.Errorf("arm gate on run %s (pending %s): %w", p.Run.ID, pending.ID, pipeline.ErrGatePending)
	}

	now := m.now()
	g := &pipeline.Gate{
		ID:         m.newID(),
		RunID:      p.Run.ID,
		Name:       spec.Name,
		Kind:       spec.Kind,
		OnTimeout:  spec.OnTimeout,
		Required:   spec.Quorum(),
		Notify:     spec.Notify,
		Reason:     reason,
		ArmedAt:    now,
		Resolution: pipeline.ResolutionPending,
	}
	if timeout := spec.Timeout(); timeout > 0 {
		deadline := now.Add(timeout)
		g.Deadline = &deadline
	}
	return p.Emit(now, actor, pipeline.ActionGateArmed, pipeline.Details{Gate: g, Reason: reason})
}

// RecordDecision registers one approver's vote. A rejection resolves the
// gate immediately; approvals resolve it once the quorum of distinct
// approvers is reached. Votes on resolved gates and repeat votes are
// rejected without emitting anything.
func (m *Manager) RecordDecision(p *pipeline.Projection, gateID, approver string, vote pipeline.Vote, reason string) (pipeline.Entry, error) {
	g := p.Gate(gateID)
	if g == nil {
		return pipeline.Entry{}, fmt.Errorf("gate %s: %w", gateID, pipeline.ErrUnknownGate)
	}
	if !g.Pending() {
		return pipeline.Entry{}, fmt.Errorf("gate %s is %s: %w", gateID, g.Resolution, pipeline.ErrAlreadyResolved)
	}
	if approver == "" {
		return pipeline.Entry{}, fmt.Errorf("gate %s: approver is required", gateID)
	}
	if g.HasVoted(approver) {
		return pipeline.Entry{}, fmt.Errorf("gate %s, approver %s: %w", gateID, approver, pipeline.ErrDuplicateVote)
	}

	d := pipeline.Details{GateID: gateID, Vote: vote, Reason: reason}
	action := pipeline.ActionGateResolved
	switch vote {
	case pipeline.VoteReject:
		d.Resolution = pipeline.ResolutionRejected
		d.ResolvedBy = pipeline.ResolvedByHuman
	case pipeline.VoteApprove:
		if len(g.Approvals)+1 >= g.Required {
			d.Resolution = pipeline.ResolutionApproved
			d.ResolvedBy = pipeline.ResolvedByHuman
		} else {
			action = pipeline.ActionGateVote
		}
	default:
		return pipeline.Entry{}, fmt.Errorf("gate %s: unknown vote %q", gateID, vote)
	}
	return p.Emit(m.now(), pipeline.HumanActor(approver), action, d)
}

// FireTimeout applies the gate's timeout policy once its deadline has
// passed. The escalate policy also arms a follow-up escalation gate with
// no deadline, so its result carries two entries.
func (m *Manager) FireTimeout(p *pipeline.Projection, gateID string) ([]pipeline.Entry, error) {
	g := p.Gate(gateID)
	if g == nil {
		return nil, fmt.Errorf("gate %s: %w", gateID, pipeline.ErrUnknownGate)
	}
	if !g.Pending() {
		return nil, fmt.Errorf("gate %s is %s: %w", gateID, g.Resolution, pipeline.ErrAlreadyResolved)
	}
	now := m.now()
	if !g.Expired(now) {
		return nil, fmt.Errorf("gate %s: %w", gateID, pipeline.ErrNotExpired)
	}

	d := pipeline.Details{GateID: gateID, ResolvedBy: pipeline.ResolvedByTimeout}
	switch g.OnTimeout {
	case pipeline.OnTimeoutAutoApprove:
		d.Resolution = pipeline.ResolutionApproved
		d.Reason = "deadline passed, auto-approved"
	case pipeline.OnTimeoutEscalate:
		d.Resolution = pipeline.ResolutionRejected
		d.Reason = "deadline passed, escalating"
	default:
		d.Resolution = pipeline.ResolutionTimedOut
		d.Reason = "deadline passed, awaiting manual intervention"
	}

	resolved, err := p.Emit(now, pipeline.ActorGate, pipeline.ActionGateResolved, d)
	if err != nil {
		return nil, err
	}
	if g.OnTimeout != pipeline.OnTimeoutEscalate {
		return []pipeline.Entry{resolved}, nil
	}

	armed, err := m.Arm(p, FinalEscalation(p.Run.Policy), pipeline.ActorGate, fmt.Sprintf("gate %s timed out", g.Name))
	if err != nil {
		return nil, err
	}
	return []pipeline.Entry{resolved, armed}, nil
}

// Withdraw rejects the run's pending gate on cancellation. It returns false
// when no gate is pending.
func (m *Manager) Withdraw(p *pipeline.Projection, actor, reason string) (pipeline.Entry, bool, error) {
	g := p.PendingGate()
	if g == nil {
		return pipeline.Entry{}, false, nil
	}
	e, err := p.Emit(m.now(), actor, pipeline.ActionGateResolved, pipeline.Details{
		GateID:     g.ID,
		Resolution: pipeline.ResolutionRejected,
		ResolvedBy: pipeline.ResolvedByCancel,
		Reason:     reason,
	})
	return e, err == nil, err
}

// FinalEscalation is the escalation spec with no deadline. It is used when
// a gate has already timed out and only a human may resolve the run.
func FinalEscalation(p pipeline.Policy) pipeline.GateSpec {
	spec := p.EscalationSpec()
	spec.TimeoutHours = 0
	spec.OnTimeout = pipeline.OnTimeoutBlock
	return spec
}
