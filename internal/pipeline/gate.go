package pipeline

import (
	"fmt"
	"time"
)

// GateKind is the type of checkpoint.
type GateKind string

const (
	GateHumanApproval GateKind = "human_approval"
	GateConfidence    GateKind = "confidence_gate"
	GateTime          GateKind = "time_gate"
	GateBranch        GateKind = "branch_gate"
)

// Resolution is the state of a gate.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
	ResolutionTimedOut Resolution = "timed_out"
)

// TimeoutPolicy decides what happens when a gate's deadline passes.
type TimeoutPolicy string

const (
	OnTimeoutBlock       TimeoutPolicy = "block"
	OnTimeoutAutoApprove TimeoutPolicy = "auto_approve"
	OnTimeoutEscalate    TimeoutPolicy = "escalate"
)

// ResolvedBy records what resolved a gate.
type ResolvedBy string

const (
	ResolvedByHuman   ResolvedBy = "human"
	ResolvedByTimeout ResolvedBy = "timeout"
	ResolvedByCancel  ResolvedBy = "cancel"
)

// Vote is an approver's decision.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
)

// EscalationGate is the name given to gates armed by escalation decisions.
const EscalationGate = "escalation"

// GateSpec is the configured shape of a gate.
type GateSpec struct {
	Name              string        `koanf:"name" json:"name"`
	Kind              GateKind      `koanf:"kind" json:"kind"`
	TimeoutHours      float64       `koanf:"timeout_hours" json:"timeout_hours"`
	OnTimeout         TimeoutPolicy `koanf:"on_timeout" json:"on_timeout"`
	RequiredApprovers int           `koanf:"required_approvers" json:"required_approvers"`
	Threshold         float64       `koanf:"threshold" json:"threshold,omitempty"`
	Notify            []string      `koanf:"notify" json:"notify,omitempty"`
}

// Timeout returns the gate timeout. Zero means the gate never expires.
func (s GateSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutHours * float64(time.Hour))
}

// Quorum returns the number of distinct approvals needed to approve.
func (s GateSpec) Quorum() int {
	if s.RequiredApprovers < 1 {
		return 1
	}
	return s.RequiredApprovers
}

// Validate checks the spec's enums and bounds.
func (s GateSpec) Validate() error {
	switch s.Kind {
	case GateHumanApproval, GateConfidence, GateTime, GateBranch:
	default:
		return fmt.Errorf("gate %q: unknown kind %q", s.Name, s.Kind)
	}
	switch s.OnTimeout {
	case OnTimeoutBlock, OnTimeoutAutoApprove, OnTimeoutEscalate:
	default:
		return fmt.Errorf("gate %q: unknown on_timeout %q", s.Name, s.OnTimeout)
	}
	if s.TimeoutHours < 0 {
		return fmt.Errorf("gate %q: timeout_hours must be >= 0", s.Name)
	}
	if s.RequiredApprovers < 0 {
		return fmt.Errorf("gate %q: required_approvers must be >= 0", s.Name)
	}
	if s.Kind == GateConfidence && (s.Threshold <= 0 || s.Threshold > 1) {
		return fmt.Errorf("gate %q: confidence gate threshold must be in (0,1]", s.Name)
	}
	return nil
}

// Gate is an armed checkpoint bound to a run.
type Gate struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	Kind       GateKind      `json:"kind"`
	OnTimeout  TimeoutPolicy `json:"on_timeout"`
	Required   int           `json:"required"`
	Notify     []string      `json:"notify,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	ArmedAt    time.Time     `json:"armed_at"`
	Deadline   *time.Time    `json:"deadline,omitempty"`
	Approvals  []string      `json:"approvals,omitempty"`
	Rejections []string      `json:"rejections,omitempty"`
	Resolution Resolution    `json:"resolution"`
	ResolvedBy ResolvedBy    `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// Pending reports whether the gate still awaits a resolution.
func (g *Gate) Pending() bool {
	return g.Resolution == ResolutionPending
}

// HasVoted reports whether approver already approved or rejected.
func (g *Gate) HasVoted(approver string) bool {
	for _, a := range g.Approvals {
		if a == approver {
			return true
		}
	}
	for _, a := range g.Rejections {
		if a == approver {
			return true
		}
	}
	return false
}

// Expired reports whether a pending gate is past its deadline at now.
func (g *Gate) Expired(now time.Time) bool {
	return g.Pending() && g.Deadline != nil && !now.Before(*g.Deadline)
}

// Escalation reports whether the gate was armed by an escalation decision
// rather than declared in the flow.
func (g *Gate) Escalation() bool {
	return g.Name == EscalationGate
}
