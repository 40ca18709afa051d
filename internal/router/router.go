// Package router decides where a run goes after each stage or gate.
//
// Every function here is pure: the same inputs always produce the same
// Decision, which is what lets a run be replayed from its audit log.
package router

import (
	"fmt"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Input is everything the router may look at after a stage invocation.
type Input struct {
	Flow       pipeline.Flow
	Index      int
	Current    string
	Iterations map[string]int
	// Confidence holds the latest confidence per stage, used by
	// confidence gates.
	Confidence map[string]float64
	Record     pipeline.Record
}

// InputFor builds router input from a run and the record just produced.
func InputFor(run *pipeline.Run, rec pipeline.Record) Input {
	return Input{
		Flow:       run.Flow,
		Index:      run.Index,
		Current:    run.Current,
		Iterations: run.Iterations,
		Confidence: run.Confidence,
		Record:     rec,
	}
}

// Decide returns the next action after a stage invocation.
func Decide(in Input, p pipeline.Policy) pipeline.Decision {
	rec := in.Record

	if rec.Outcome == pipeline.OutcomeFailure || rec.Result == nil {
		if rec.Attempt < p.MaxAttemptsFor(rec.Stage) {
			return pipeline.Decision{
				Kind:   pipeline.DecisionRetry,
				Stage:  rec.Stage,
				Index:  in.Index,
				Reason: fmt.Sprintf("attempt %d failed: %s", rec.Attempt, rec.Error),
			}
		}
		return escalate(p, fmt.Sprintf("policy exhausted: %s failed %d attempts", rec.Stage, rec.Attempt))
	}

	if sig := Evaluate(rec.Stage, rec.Result, p); sig.Escalate {
		return escalate(p, "low confidence: "+sig.Reason)
	}

	switch out := rec.Result.Output.(type) {
	case pipeline.PlanOutput:
		if len(out.Tasks) == 0 {
			return pipeline.Decision{
				Kind:   pipeline.DecisionTerminate,
				Status: pipeline.StatusFailed,
				Reason: "planner produced no tasks",
			}
		}
	case pipeline.ReviewOutput:
		return decideReview(in, out, rec.Result.Confidence, p)
	case pipeline.TestOutput:
		return decideTest(in, out, p)
	}
	return advance(in, "")
}

func decideReview(in Input, out pipeline.ReviewOutput, confidence float64, p pipeline.Policy) pipeline.Decision {
	switch out.Decision {
	case pipeline.ReviewApprove:
		if confidence >= p.AutoApproveThreshold {
			return advance(in, "approved")
		}
		return escalate(p, fmt.Sprintf("low confidence: approval at %.2f below auto-approve threshold %.2f", confidence, p.AutoApproveThreshold))
	case pipeline.ReviewRequestChanges:
		return rework(in, p, "changes requested")
	case pipeline.ReviewEscalateToHuman:
		return escalate(p, "reviewer escalated to human")
	}
	return escalate(p, fmt.Sprintf("unknown review decision %q", out.Decision))
}

func decideTest(in Input, out pipeline.TestOutput, p pipeline.Policy) pipeline.Decision {
	if !out.Passed {
		done := in.Iterations[p.DebugStage]
		if done < p.MaxFixAttempts {
			return pipeline.Decision{
				Kind:   pipeline.DecisionGoto,
				Stage:  p.DebugStage,
				Index:  in.Index,
				Reason: fmt.Sprintf("%d tests failed, fix attempt %d of %d", out.Failed, done+1, p.MaxFixAttempts),
			}
		}
		return escalate(p, fmt.Sprintf("policy exhausted: tests still failing after %d fix attempts", done))
	}
	if out.CoveragePercent < p.CoverageThreshold {
		return rework(in, p, fmt.Sprintf("coverage %.1f%% below %.1f%%", out.CoveragePercent, p.CoverageThreshold))
	}
	return advance(in, "tests passed")
}

// rework sends the run back to the rework stage while iterations remain.
func rework(in Input, p pipeline.Policy, why string) pipeline.Decision {
	done := in.Iterations[p.ReworkStage]
	if done < p.MaxIterations {
		return pipeline.Decision{
			Kind:   pipeline.DecisionGoto,
			Stage:  p.ReworkStage,
			Index:  in.Index,
			Reason: fmt.Sprintf("%s, iteration %d of %d", why, done+1, p.MaxIterations),
		}
	}
	return escalate(p, fmt.Sprintf("policy exhausted: %s after %d iterations", why, done))
}

// advance moves past the current work. A detour returns to the flow entry
// at the current index; a flow entry moves to the next index.
func advance(in Input, why string) pipeline.Decision {
	if in.Index < len(in.Flow) && in.Current != in.Flow[in.Index] {
		return pipeline.Decision{
			Kind:   pipeline.DecisionContinue,
			Stage:  in.Flow[in.Index],
			Index:  in.Index,
			Reason: why,
		}
	}
	next := in.Index + 1
	if next >= len(in.Flow) {
		return pipeline.Decision{
			Kind:   pipeline.DecisionTerminate,
			Status: pipeline.StatusCompleted,
			Reason: "flow exhausted",
		}
	}
	return pipeline.Decision{
		Kind:   pipeline.DecisionContinue,
		Stage:  in.Flow[next],
		Index:  next,
		Reason: why,
	}
}

func escalate(p pipeline.Policy, why string) pipeline.Decision {
	spec := p.EscalationSpec()
	return pipeline.Decision{Kind: pipeline.DecisionGate, Gate: &spec, Reason: why}
}

// AtGate decides what to do when the run reaches a gate entry in its flow.
// Confidence gates pass without arming when every recorded stage
// confidence meets the threshold.
func AtGate(in Input, spec pipeline.GateSpec) pipeline.Decision {
	if spec.Kind == pipeline.GateConfidence {
		lowest, seen := 1.0, false
		for _, c := range in.Confidence {
			seen = true
			if c < lowest {
				lowest = c
			}
		}
		if seen && lowest >= spec.Threshold {
			return advance(in, fmt.Sprintf("confidence gate %s passed at %.2f", spec.Name, lowest))
		}
	}
	return pipeline.Decision{Kind: pipeline.DecisionGate, Gate: &spec, Reason: "checkpoint " + spec.Name}
}

// AfterGate decides what follows a resolved gate. Approval continues past
// the work that was gated. Rejection ends the run: failed for a flow gate,
// escalated for an escalation gate.
func AfterGate(in Input, g *pipeline.Gate) pipeline.Decision {
	if g.Resolution == pipeline.ResolutionApproved {
		return advance(in, fmt.Sprintf("gate %s approved by %s", g.Name, g.ResolvedBy))
	}
	status := pipeline.StatusFailed
	if g.Escalation() {
		status = pipeline.StatusEscalated
	}
	return pipeline.Decision{
		Kind:   pipeline.DecisionTerminate,
		Status: status,
		Reason: fmt.Sprintf("gate %s %s by %s", g.Name, g.Resolution, g.ResolvedBy),
	}
}
