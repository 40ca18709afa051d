package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Status is the overall state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusEscalated Status = "escalated"
	// StatusTimedOut parks a run whose gate expired under the block policy.
	// It is not terminal: an operator may resume it.
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether no further step can change the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusEscalated
}

// TriggerKind identifies what created a run.
type TriggerKind string

const (
	TriggerIssue     TriggerKind = "issue"
	TriggerCIFailure TriggerKind = "ci_failure"
	TriggerAlert     TriggerKind = "alert"
	TriggerSchedule  TriggerKind = "schedule"
	TriggerManual    TriggerKind = "manual"
)

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerIssue, TriggerCIFailure, TriggerAlert, TriggerSchedule, TriggerManual:
		return true
	}
	return false
}

// Trigger is the event that created a run.
type Trigger struct {
	Kind       TriggerKind    `json:"kind"`
	Source     string         `json:"source,omitempty"`
	Ref        string         `json:"ref,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Validate checks the trigger kind.
func (t Trigger) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}

// GatePrefix marks a flow entry that is a checkpoint rather than a stage.
const GatePrefix = "gate:"

// Flow is the ordered list of stage names declared for a run. Entries of the
// form "gate:<name>" refer to gate specs in the run's policy.
type Flow []string

// DefaultFlow is the stock plan to publish sequence with a human
// checkpoint before publishing.
func DefaultFlow() Flow {
	return Flow{"planner", "coder", "reviewer", "tester", GatePrefix + "pre-merge", "publisher"}
}

// GateName returns the gate name for a gate entry.
func GateName(entry string) (string, bool) {
	if !strings.HasPrefix(entry, GatePrefix) {
		return "", false
	}
	return strings.TrimPrefix(entry, GatePrefix), true
}

// Validate checks that the flow is non-empty and every gate entry names a
// gate in the policy.
func (f Flow) Validate(p Policy) error {
	if len(f) == 0 {
		return fmt.Errorf("%w: flow is empty", ErrInvalidFlow)
	}
	for i, entry := range f {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("%w: entry %d is blank", ErrInvalidFlow, i)
		}
		if name, ok := GateName(entry); ok {
			if _, found := p.Gate(name); !found {
				return fmt.Errorf("%w: gate %q is not configured", ErrInvalidFlow, name)
			}
		}
	}
	return nil
}

// Stages returns the non-gate entries of the flow.
func (f Flow) Stages() []string {
	out := make([]string, 0, len(f))
	for _, entry := range f {
		if _, ok := GateName(entry); !ok {
			out = append(out, entry)
		}
	}
	return out
}

// Outcome classifies one stage invocation.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailure       Outcome = "failure"
	OutcomeLowConfidence Outcome = "low_confidence"
)

// Record is one attempt of a stage within a run. Immutable once written.
type Record struct {
	Stage     string        `json:"stage"`
	Attempt   int           `json:"attempt"`
	Key       string        `json:"key"`
	Result    *Result       `json:"result,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// Redacted counts secrets removed from Result and Error before recording.
	Redacted int `json:"redacted,omitempty"`
}

// Run is the projection of one pipeline run, folded from its audit entries.
type Run struct {
	ID      string  `json:"id"`
	Trigger Trigger `json:"trigger"`
	Flow    Flow    `json:"flow"`
	Policy  Policy  `json:"policy"`

	// Index is the position in Flow. Current is the stage being worked,
	// which differs from Flow[Index] while on a detour.
	Index   int    `json:"index"`
	Current string `json:"current"`
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`

	Attempt    int                `json:"attempt"`
	Iterations map[string]int     `json:"iterations"`
	Confidence map[string]float64 `json:"confidence"`

	PendingGate   string `json:"pending_gate,omitempty"`
	InFlight      string `json:"in_flight,omitempty"`
	AwaitingRoute string `json:"awaiting_route,omitempty"`

	LastSeq   int64     `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Detour reports whether the current stage is off the declared flow.
func (r *Run) Detour() bool {
	return r.Index < len(r.Flow) && r.Current != r.Flow[r.Index]
}

// InvocationKey builds the stable key for an attempt of the current stage.
// Re-invocations after a crash reuse it so stages can deduplicate.
func InvocationKey(runID, stage string, seq int64, attempt int) string {
	return fmt.Sprintf("%s/%s/%d/%d", runID, stage, seq, attempt)
}
