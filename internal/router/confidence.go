package router

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Signal is the confidence evaluator's verdict on one stage result.
type Signal struct {
	Escalate bool
	Reason   string
	// Vetoes lists the block_on flags present on the result.
	Vetoes []string
}

// Evaluate combines a stage's confidence and flags into an escalation signal.
// Flags in block_on veto regardless of confidence; otherwise the stage's
// floor applies. The confidence value itself is never altered.
func Evaluate(stage string, res *pipeline.Result, p pipeline.Policy) Signal {
	if res == nil {
		return Signal{}
	}

	var vetoes []string
	for _, f := range res.Flags {
		if p.Blocks(f) {
			vetoes = append(vetoes, f)
		}
	}
	if len(vetoes) > 0 {
		return Signal{
			Escalate: true,
			Reason:   fmt.Sprintf("blocking flags present: %s", strings.Join(vetoes, ",")),
			Vetoes:   vetoes,
		}
	}

	if floor := p.FloorFor(stage); res.Confidence < floor {
		return Signal{
			Escalate: true,
			Reason:   fmt.Sprintf("confidence %.2f below floor %.2f", res.Confidence, floor),
		}
	}
	return Signal{}
}
