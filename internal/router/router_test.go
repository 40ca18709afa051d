package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

func success(stage string, attempt int, out pipeline.Output, conf float64, flags ...string) pipeline.Record {
	return pipeline.Record{
		Stage:   stage,
		Attempt: attempt,
		Outcome: pipeline.OutcomeSuccess,
		Result:  &pipeline.Result{Output: out, Confidence: conf, Flags: flags},
	}
}

func at(flow pipeline.Flow, index int, current string, rec pipeline.Record) Input {
	return Input{Flow: flow, Index: index, Current: current, Iterations: map[string]int{}, Record: rec}
}

var reviewFlow = pipeline.Flow{"coder", "reviewer"}

func TestDecide_ReviewApproveContinues(t *testing.T) {
	p := pipeline.DefaultPolicy()
	in := at(pipeline.Flow{"coder", "reviewer", "tester"}, 1, "reviewer",
		success("reviewer", 1, pipeline.ReviewOutput{Decision: pipeline.ReviewApprove}, 0.95))

	d := Decide(in, p)

	assert.Equal(t, pipeline.DecisionContinue, d.Kind)
	assert.Equal(t, "tester", d.Stage)
	assert.Equal(t, 2, d.Index)
}

func TestDecide_ReviewApproveLastStageCompletes(t *testing.T) {
	d := Decide(at(reviewFlow, 1, "reviewer",
		success("reviewer", 1, pipeline.ReviewOutput{Decision: pipeline.ReviewApprove}, 0.93)), pipeline.DefaultPolicy())

	assert.Equal(t, pipeline.DecisionTerminate, d.Kind)
	assert.Equal(t, pipeline.StatusCompleted, d.Status)
}

func TestDecide_ReviewApproveBelowAutoApproveEscalates(t *testing.T) {
	d := Decide(at(reviewFlow, 1, "reviewer",
		success("reviewer", 1, pipeline.ReviewOutput{Decision: pipeline.ReviewApprove}, 0.85)), pipeline.DefaultPolicy())

	assert.Equal(t, pipeline.DecisionGate, d.Kind)
	assert.Equal(t, pipeline.EscalationGate, d.Gate.Name)
}

// A high confidence never outweighs a block_on flag.
func TestDecide_BlockingFlagVetoesHighConfidence(t *testing.T) {
	p := pipeline.DefaultPolicy()
	for _, out := range []pipeline.Output{
		pipeline.ReviewOutput{Decision: pipeline.ReviewApprove},
		pipeline.ReviewOutput{Decision: pipeline.ReviewRequestChanges},
		pipeline.TestOutput{Passed: true, CoveragePercent: 95},
		pipeline.CodeOutput{Summary: "patch"},
	} {
		d := Decide(at(reviewFlow, 1, "reviewer", success("reviewer", 1, out, 0.95, "security")), p)
		assert.Equal(t, pipeline.DecisionGate, d.Kind, "output %T", out)
		assert.Contains(t, d.Reason, "security")
	}
}

func TestDecide_RequestChangesReworksUntilBound(t *testing.T) {
	p := pipeline.DefaultPolicy()
	rec := success("reviewer", 1, pipeline.ReviewOutput{Decision: pipeline.ReviewRequestChanges}, 0.9)

	for done := 0; done < p.MaxIterations; done++ {
		in := at(reviewFlow, 1, "reviewer", rec)
		in.Iterations["coder"] = done
		d := Decide(in, p)
		assert.Equal(t, pipeline.DecisionGoto, d.Kind)
		assert.Equal(t, "coder", d.Stage)
		assert.Equal(t, 1, d.Index)
	}

	in := at(reviewFlow, 1, "reviewer", rec)
	in.Iterations["coder"] = p.MaxIterations
	d := Decide(in, p)
	assert.Equal(t, pipeline.DecisionGate, d.Kind)
	assert.Contains(t, d.Reason, "policy exhausted")
}

func TestDecide_ReviewerEscalatesToHuman(t *testing.T) {
	d := Decide(at(reviewFlow, 1, "reviewer",
		success("reviewer", 1, pipeline.ReviewOutput{Decision: pipeline.ReviewEscalateToHuman}, 0.99)), pipeline.DefaultPolicy())
	assert.Equal(t, pipeline.DecisionGate, d.Kind)
}

func TestDecide_TestFailureGoesToDebugger(t *testing.T) {
	p := pipeline.DefaultPolicy()
	flow := pipeline.Flow{"coder", "tester", "publisher"}
	rec := success("tester", 1, pipeline.TestOutput{Passed: false, Failed: 2}, 0.9)

	d := Decide(at(flow, 1, "tester", rec), p)
	assert.Equal(t, pipeline.DecisionGoto, d.Kind)
	assert.Equal(t, "debugger", d.Stage)

	in := at(flow, 1, "tester", rec)
	in.Iterations["debugger"] = 3
	d = Decide(in, p)
	assert.Equal(t, pipeline.DecisionGate, d.Kind)
}

func TestDecide_LowCoverageReworks(t *testing.T) {
	d := Decide(at(pipeline.Flow{"coder", "tester"}, 1, "tester",
		success("tester", 1, pipeline.TestOutput{Passed: true, CoveragePercent: 60}, 0.9)), pipeline.DefaultPolicy())

	assert.Equal(t, pipeline.DecisionGoto, d.Kind)
	assert.Equal(t, "coder", d.Stage)
}

func TestDecide_DetourReturnsToFlow(t *testing.T) {
	flow := pipeline.Flow{"coder", "tester", "publisher"}
	d := Decide(at(flow, 1, "debugger",
		success("debugger", 1, pipeline.DebugOutput{RootCause: "off by one"}, 0.8)), pipeline.DefaultPolicy())

	assert.Equal(t, pipeline.DecisionContinue, d.Kind)
	assert.Equal(t, "tester", d.Stage)
	assert.Equal(t, 1, d.Index)
}

func TestDecide_ConfidenceFloor(t *testing.T) {
	p := pipeline.DefaultPolicy()

	d := Decide(at(pipeline.Flow{"coder"}, 0, "coder", success("coder", 1, pipeline.CodeOutput{}, 0.49)), p)
	assert.Equal(t, pipeline.DecisionGate, d.Kind)

	d = Decide(at(pipeline.Flow{"coder", "x"}, 0, "coder", success("coder", 1, pipeline.CodeOutput{}, 0.5)), p)
	assert.Equal(t, pipeline.DecisionContinue, d.Kind)
}

func TestDecide_PlannerWithoutTasksTerminates(t *testing.T) {
	d := Decide(at(pipeline.Flow{"planner", "coder"}, 0, "planner",
		success("planner", 1, pipeline.PlanOutput{}, 0.9)), pipeline.DefaultPolicy())

	assert.Equal(t, pipeline.DecisionTerminate, d.Kind)
	assert.Equal(t, pipeline.StatusFailed, d.Status)
	assert.NotEmpty(t, d.Reason)
}

func TestDecide_FailureRetriesThenEscalates(t *testing.T) {
	p := pipeline.DefaultPolicy()
	fail := func(attempt int) pipeline.Record {
		return pipeline.Record{Stage: "coder", Attempt: attempt, Outcome: pipeline.OutcomeFailure, Error: "timeout"}
	}

	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		d := Decide(at(pipeline.Flow{"coder"}, 0, "coder", fail(attempt)), p)
		assert.Equal(t, pipeline.DecisionRetry, d.Kind)
		assert.Equal(t, "coder", d.Stage)
	}

	d := Decide(at(pipeline.Flow{"coder"}, 0, "coder", fail(p.MaxAttempts)), p)
	assert.Equal(t, pipeline.DecisionGate, d.Kind)
	assert.Contains(t, d.Reason, "policy exhausted")
}

func TestDecide_Deterministic(t *testing.T) {
	p := pipeline.DefaultPolicy()
	in := at(reviewFlow, 1, "reviewer",
		success("reviewer", 2, pipeline.ReviewOutput{Decision: pipeline.ReviewRequestChanges}, 0.8))

	assert.Equal(t, Decide(in, p), Decide(in, p))
}

func TestAtGate(t *testing.T) {
	flow := pipeline.Flow{"coder", "gate:quality", "publisher"}
	spec := pipeline.GateSpec{Name: "quality", Kind: pipeline.GateConfidence, Threshold: 0.8}

	in := at(flow, 1, "gate:quality", pipeline.Record{})
	in.Confidence = map[string]float64{"coder": 0.9, "reviewer": 0.85}
	d := AtGate(in, spec)
	assert.Equal(t, pipeline.DecisionContinue, d.Kind)
	assert.Equal(t, "publisher", d.Stage)

	in.Confidence["tester"] = 0.7
	d = AtGate(in, spec)
	assert.Equal(t, pipeline.DecisionGate, d.Kind)

	human := pipeline.GateSpec{Name: "pre-merge", Kind: pipeline.GateHumanApproval}
	d = AtGate(at(flow, 1, "gate:pre-merge", pipeline.Record{}), human)
	assert.Equal(t, pipeline.DecisionGate, d.Kind)
	assert.Equal(t, "pre-merge", d.Gate.Name)
}

func TestAfterGate(t *testing.T) {
	flow := pipeline.Flow{"coder", "gate:pre-merge", "publisher"}
	in := at(flow, 1, "gate:pre-merge", pipeline.Record{})

	approved := &pipeline.Gate{Name: "pre-merge", Resolution: pipeline.ResolutionApproved, ResolvedBy: pipeline.ResolvedByTimeout}
	d := AfterGate(in, approved)
	assert.Equal(t, pipeline.DecisionContinue, d.Kind)
	assert.Equal(t, "publisher", d.Stage)

	rejected := &pipeline.Gate{Name: "pre-merge", Resolution: pipeline.ResolutionRejected, ResolvedBy: pipeline.ResolvedByHuman}
	d = AfterGate(in, rejected)
	assert.Equal(t, pipeline.StatusFailed, d.Status)

	escalation := &pipeline.Gate{Name: pipeline.EscalationGate, Resolution: pipeline.ResolutionRejected}
	d = AfterGate(in, escalation)
	assert.Equal(t, pipeline.StatusEscalated, d.Status)
}
