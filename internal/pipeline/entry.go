package pipeline

import (
	"strings"
	"time"
)

// Action names an audit entry.
type Action string

const (
	ActionRunCreated     Action = "run_created"
	ActionStageStarted   Action = "stage_started"
	ActionStageCompleted Action = "stage_completed"
	ActionRouted         Action = "routed"
	ActionGateArmed      Action = "gate_armed"
	ActionGateVote       Action = "gate_vote"
	ActionGateResolved   Action = "gate_resolved"
	ActionRunFinished    Action = "run_finished"
	ActionRunCancelled   Action = "run_cancelled"
	ActionNotifyFailed   Action = "notify_failed"
)

// Well-known actors. Stages act under their own name and humans as
// "human:<id>".
const (
	ActorEngine = "engine"
	ActorRouter = "router"
	ActorGate   = "gate"
)

// HumanActor returns the actor string for an approver.
func HumanActor(id string) string {
	return "human:" + id
}

// ApproverFromActor extracts the approver id from a human actor.
func ApproverFromActor(actor string) (string, bool) {
	if !strings.HasPrefix(actor, "human:") {
		return "", false
	}
	return strings.TrimPrefix(actor, "human:"), true
}

// Entry is one immutable audit record. Seq is per run, starting at 1.
type Entry struct {
	Seq       int64     `json:"seq"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"ts"`
	Actor     string    `json:"actor"`
	Action    Action    `json:"action"`
	Details   Details   `json:"details"`
}

// Details is the snapshot carried by an entry. Which fields are set
// depends on the action.
type Details struct {
	Trigger *Trigger `json:"trigger,omitempty"`
	Flow    Flow     `json:"flow,omitempty"`
	Policy  *Policy  `json:"policy,omitempty"`

	Stage         string  `json:"stage,omitempty"`
	Attempt       int     `json:"attempt,omitempty"`
	InvocationKey string  `json:"invocation_key,omitempty"`
	Record        *Record `json:"record,omitempty"`

	Decision *Decision `json:"decision,omitempty"`

	Gate       *Gate      `json:"gate,omitempty"`
	GateID     string     `json:"gate_id,omitempty"`
	Vote       Vote       `json:"vote,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`
	ResolvedBy ResolvedBy `json:"resolved_by,omitempty"`

	Status  Status `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DecisionKind is the router's verdict.
type DecisionKind string

const (
	DecisionContinue  DecisionKind = "continue"
	DecisionRetry     DecisionKind = "retry"
	DecisionGoto      DecisionKind = "goto"
	DecisionGate      DecisionKind = "gate"
	DecisionTerminate DecisionKind = "terminate"
)

// Decision is what the router returns. Stage and Index apply to continue,
// retry and goto; Gate to gate; Status to terminate.
type Decision struct {
	Kind   DecisionKind `json:"kind"`
	Stage  string       `json:"stage,omitempty"`
	Index  int          `json:"index"`
	Gate   *GateSpec    `json:"gate,omitempty"`
	Status Status       `json:"status,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// Suspends reports whether the decision parks or ends the run.
func (d Decision) Suspends() bool {
	return d.Kind == DecisionGate || d.Kind == DecisionTerminate
}
