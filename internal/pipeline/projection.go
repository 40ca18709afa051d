package pipeline

import (
	"fmt"
	"time"
)

// Projection is everything known about a run: its state, gates and
// invocation history. It is a pure fold of the run's audit entries.
type Projection struct {
	Run     *Run
	Gates   []*Gate
	Records []Record
}

// Gate returns the gate with the given id, or nil.
func (p *Projection) Gate(id string) *Gate {
	for _, g := range p.Gates {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// PendingGate returns the run's pending gate, or nil.
func (p *Projection) PendingGate() *Gate {
	if p.Run == nil || p.Run.PendingGate == "" {
		return nil
	}
	return p.Gate(p.Run.PendingGate)
}

// Invocations counts the records for a stage.
func (p *Projection) Invocations(stage string) int {
	n := 0
	for _, r := range p.Records {
		if r.Stage == stage {
			n++
		}
	}
	return n
}

// Apply folds one entry into the projection. Entries must arrive in
// sequence order with no gaps.
func (p *Projection) Apply(e Entry) error {
	if e.Action == ActionRunCreated {
		if p.Run != nil || e.Seq != 1 {
			return fmt.Errorf("%w: run_created must be the first entry", ErrSequence)
		}
		return p.create(e)
	}
	if p.Run == nil {
		return fmt.Errorf("%w: entry %d before run_created", ErrSequence, e.Seq)
	}
	if e.RunID != p.Run.ID {
		return fmt.Errorf("%w: entry for run %s applied to %s", ErrSequence, e.RunID, p.Run.ID)
	}
	if e.Seq != p.Run.LastSeq+1 {
		return fmt.Errorf("%w: run %s expected seq %d, got %d", ErrSequence, p.Run.ID, p.Run.LastSeq+1, e.Seq)
	}

	run := p.Run
	d := e.Details
	switch e.Action {
	case ActionStageStarted:
		run.InFlight = d.InvocationKey
		run.Attempt = d.Attempt

	case ActionStageCompleted:
		if d.Record == nil {
			return fmt.Errorf("stage_completed entry %d has no record", e.Seq)
		}
		run.InFlight = ""
		p.Records = append(p.Records, *d.Record)
		if d.Record.Result != nil {
			run.Confidence[d.Record.Stage] = d.Record.Result.Confidence
		}

	case ActionRouted:
		if d.Decision == nil {
			return fmt.Errorf("routed entry %d has no decision", e.Seq)
		}
		run.AwaitingRoute = ""
		switch d.Decision.Kind {
		case DecisionContinue:
			run.Current = d.Decision.Stage
			run.Index = d.Decision.Index
			run.Attempt = 0
		case DecisionGoto:
			run.Current = d.Decision.Stage
			run.Attempt = 0
			run.Iterations[d.Decision.Stage]++
		}

	case ActionGateArmed:
		if d.Gate == nil {
			return fmt.Errorf("gate_armed entry %d has no gate", e.Seq)
		}
		if pending := p.PendingGate(); pending != nil {
			return fmt.Errorf("%w: %s", ErrGatePending, pending.ID)
		}
		g := *d.Gate
		p.Gates = append(p.Gates, &g)
		run.PendingGate = g.ID
		run.AwaitingRoute = ""
		run.Status = StatusSuspended

	case ActionGateVote:
		g := p.Gate(d.GateID)
		if g == nil {
			return fmt.Errorf("%w: %s", ErrUnknownGate, d.GateID)
		}
		recordVote(g, e.Actor, d.Vote)

	case ActionGateResolved:
		g := p.Gate(d.GateID)
		if g == nil {
			return fmt.Errorf("%w: %s", ErrUnknownGate, d.GateID)
		}
		if !g.Pending() {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, g.ID)
		}
		recordVote(g, e.Actor, d.Vote)
		ts := e.Timestamp
		g.Resolution = d.Resolution
		g.ResolvedBy = d.ResolvedBy
		g.ResolvedAt = &ts
		run.PendingGate = ""
		switch {
		case d.Resolution == ResolutionTimedOut:
			run.Status = StatusTimedOut
		case d.ResolvedBy != ResolvedByCancel:
			run.Status = StatusRunning
			run.AwaitingRoute = g.ID
		}

	case ActionRunFinished:
		run.Status = d.Status
		run.Reason = d.Reason
		run.InFlight = ""
		run.AwaitingRoute = ""

	case ActionRunCancelled:
		run.Status = StatusFailed
		run.Reason = d.Reason
		run.InFlight = ""
		run.AwaitingRoute = ""

	case ActionNotifyFailed:

	default:
		return fmt.Errorf("unknown action %q in entry %d", e.Action, e.Seq)
	}

	run.LastSeq = e.Seq
	run.UpdatedAt = e.Timestamp
	return nil
}

// Emit builds the run's next entry, folds it in and returns it. Nothing is
// emitted when the fold rejects the entry.
func (p *Projection) Emit(ts time.Time, actor string, action Action, d Details) (Entry, error) {
	if p.Run == nil {
		return Entry{}, ErrUnknownRun
	}
	e := Entry{
		Seq:       p.Run.LastSeq + 1,
		RunID:     p.Run.ID,
		Timestamp: ts,
		Actor:     actor,
		Action:    action,
		Details:   d,
	}
	if err := p.Apply(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (p *Projection) create(e Entry) error {
	d := e.Details
	if d.Trigger == nil || d.Policy == nil || len(d.Flow) == 0 {
		return fmt.Errorf("run_created entry is missing trigger, policy or flow")
	}
	p.Run = &Run{
		ID:         e.RunID,
		Trigger:    *d.Trigger,
		Flow:       d.Flow,
		Policy:     *d.Policy,
		Index:      0,
		Current:    d.Flow[0],
		Status:     StatusRunning,
		Iterations: map[string]int{},
		Confidence: map[string]float64{},
		LastSeq:    e.Seq,
		CreatedAt:  e.Timestamp,
		UpdatedAt:  e.Timestamp,
	}
	return nil
}

func recordVote(g *Gate, actor string, v Vote) {
	approver, ok := ApproverFromActor(actor)
	if !ok {
		return
	}
	switch v {
	case VoteApprove:
		g.Approvals = append(g.Approvals, approver)
	case VoteReject:
		g.Rejections = append(g.Rejections, approver)
	}
}

// Replay folds entries from scratch. The result must equal the persisted
// projection of the run at the last entry.
func Replay(entries []Entry) (*Projection, error) {
	p := &Projection{}
	for _, e := range entries {
		if err := p.Apply(e); err != nil {
			return nil, err
		}
	}
	if p.Run == nil {
		return nil, ErrUnknownRun
	}
	return p, nil
}
