package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicy_Valid(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"threshold above one", func(p *Policy) { p.AutoApproveThreshold = 1.2 }},
		{"negative floor", func(p *Policy) { p.EscalationFloor = -0.1 }},
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }},
		{"coverage above 100", func(p *Policy) { p.CoverageThreshold = 101 }},
		{"missing rework stage", func(p *Policy) { p.ReworkStage = "" }},
		{"bad gate kind", func(p *Policy) { p.Gates = map[string]GateSpec{"x": {Kind: "vote", OnTimeout: OnTimeoutBlock}} }},
		{"reserved gate name", func(p *Policy) { p.Gates = map[string]GateSpec{EscalationGate: p.Escalation} }},
		{"confidence gate without threshold", func(p *Policy) {
			p.Gates = map[string]GateSpec{"q": {Kind: GateConfidence, OnTimeout: OnTimeoutBlock}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestPolicy_Lookups(t *testing.T) {
	p := DefaultPolicy()
	p.StageMaxAttempts = map[string]int{"tester": 5}

	assert.Equal(t, 0.75, p.FloorFor("reviewer"))
	assert.Equal(t, 0.5, p.FloorFor("coder"))
	assert.Equal(t, 5, p.MaxAttemptsFor("tester"))
	assert.Equal(t, 3, p.MaxAttemptsFor("coder"))
	assert.True(t, p.Blocks("security"))
	assert.False(t, p.Blocks("style"))

	spec, ok := p.Gate("pre-merge")
	assert.True(t, ok)
	assert.Equal(t, "pre-merge", spec.Name)
	assert.Equal(t, EscalationGate, p.EscalationSpec().Name)
}
