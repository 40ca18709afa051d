package pipeline

import (
	"fmt"
)

// Policy holds the routing thresholds and gate specs for a run. It is
// snapshotted onto the run at creation so later config changes never affect
// runs in flight.
type Policy struct {
	AutoApproveThreshold float64             `koanf:"auto_approve_threshold" json:"auto_approve_threshold"`
	EscalationFloor      float64             `koanf:"escalation_floor" json:"escalation_floor"`
	StageFloors          map[string]float64  `koanf:"stage_floors" json:"stage_floors,omitempty"`
	BlockOn              []string            `koanf:"block_on" json:"block_on,omitempty"`
	MaxIterations        int                 `koanf:"max_iterations" json:"max_iterations"`
	MaxFixAttempts       int                 `koanf:"max_fix_attempts" json:"max_fix_attempts"`
	MaxAttempts          int                 `koanf:"max_attempts" json:"max_attempts"`
	StageMaxAttempts     map[string]int      `koanf:"stage_max_attempts" json:"stage_max_attempts,omitempty"`
	CoverageThreshold    float64             `koanf:"coverage_threshold" json:"coverage_threshold"`
	ReworkStage          string              `koanf:"rework_stage" json:"rework_stage"`
	DebugStage           string              `koanf:"debug_stage" json:"debug_stage"`
	Escalation           GateSpec            `koanf:"escalation" json:"escalation"`
	Gates                map[string]GateSpec `koanf:"gates" json:"gates,omitempty"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		AutoApproveThreshold: 0.92,
		EscalationFloor:      0.5,
		StageFloors:          map[string]float64{"reviewer": 0.75},
		BlockOn:              []string{"security", "data_loss"},
		MaxIterations:        3,
		MaxFixAttempts:       3,
		MaxAttempts:          3,
		CoverageThreshold:    80,
		ReworkStage:          "coder",
		DebugStage:           "debugger",
		Escalation: GateSpec{
			Name:              EscalationGate,
			Kind:              GateHumanApproval,
			TimeoutHours:      24,
			OnTimeout:         OnTimeoutBlock,
			RequiredApprovers: 1,
		},
		Gates: map[string]GateSpec{
			"pre-merge": {
				Kind:              GateHumanApproval,
				TimeoutHours:      24,
				OnTimeout:         OnTimeoutBlock,
				RequiredApprovers: 1,
			},
		},
	}
}

// Validate checks thresholds and every gate spec.
func (p Policy) Validate() error {
	if err := unit("auto_approve_threshold", p.AutoApproveThreshold); err != nil {
		return err
	}
	if err := unit("escalation_floor", p.EscalationFloor); err != nil {
		return err
	}
	for stage, f := range p.StageFloors {
		if err := unit("stage_floors."+stage, f); err != nil {
			return err
		}
	}
	if p.MaxIterations < 0 || p.MaxFixAttempts < 0 {
		return fmt.Errorf("max_iterations and max_fix_attempts must be >= 0")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	for stage, n := range p.StageMaxAttempts {
		if n < 1 {
			return fmt.Errorf("stage_max_attempts.%s must be >= 1, got %d", stage, n)
		}
	}
	if p.CoverageThreshold < 0 || p.CoverageThreshold > 100 {
		return fmt.Errorf("coverage_threshold must be between 0 and 100, got %v", p.CoverageThreshold)
	}
	if p.ReworkStage == "" || p.DebugStage == "" {
		return fmt.Errorf("rework_stage and debug_stage are required")
	}
	esc := p.Escalation
	esc.Name = EscalationGate
	if esc.Kind == GateConfidence {
		return fmt.Errorf("escalation gate cannot be a confidence gate")
	}
	if err := esc.Validate(); err != nil {
		return err
	}
	for name := range p.Gates {
		if name == EscalationGate {
			return fmt.Errorf("gate name %q is reserved", EscalationGate)
		}
		spec, _ := p.Gate(name)
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func unit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
	}
	return nil
}

// Gate returns the named flow gate spec with its name filled in.
func (p Policy) Gate(name string) (GateSpec, bool) {
	spec, ok := p.Gates[name]
	if !ok {
		return GateSpec{}, false
	}
	spec.Name = name
	return spec, true
}

// EscalationSpec returns the spec used for escalation gates.
func (p Policy) EscalationSpec() GateSpec {
	spec := p.Escalation
	spec.Name = EscalationGate
	return spec
}

// FloorFor returns the escalation floor for a stage.
func (p Policy) FloorFor(stage string) float64 {
	if f, ok := p.StageFloors[stage]; ok {
		return f
	}
	return p.EscalationFloor
}

// MaxAttemptsFor returns the attempt bound for a stage.
func (p Policy) MaxAttemptsFor(stage string) int {
	if n, ok := p.StageMaxAttempts[stage]; ok {
		return n
	}
	return p.MaxAttempts
}

// Blocks reports whether flag is a vetoing category.
func (p Policy) Blocks(flag string) bool {
	for _, b := range p.BlockOn {
		if b == flag {
			return true
		}
	}
	return false
}
