package audit

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// sampleLog builds a short cancelled run: created, one coder invocation,
// a continue to the reviewer, then cancellation.
func sampleLog(t *testing.T, runID string) []pipeline.Entry {
	t.Helper()
	policy := pipeline.DefaultPolicy()
	trigger := pipeline.Trigger{Kind: pipeline.TriggerManual, Ref: "demo", ReceivedAt: t0}
	created := pipeline.Entry{
		Seq:       1,
		RunID:     runID,
		Timestamp: t0,
		Actor:     pipeline.ActorEngine,
		Action:    pipeline.ActionRunCreated,
		Details:   pipeline.Details{Trigger: &trigger, Flow: pipeline.Flow{"coder", "reviewer"}, Policy: &policy},
	}
	p := &pipeline.Projection{}
	require.NoError(t, p.Apply(created))

	entries := []pipeline.Entry{created}
	emit := func(offset time.Duration, action pipeline.Action, d pipeline.Details) {
		e, err := p.Emit(t0.Add(offset), pipeline.ActorEngine, action, d)
		require.NoError(t, err)
		entries = append(entries, e)
	}
	emit(time.Second, pipeline.ActionStageStarted, pipeline.Details{Stage: "coder", Attempt: 1, InvocationKey: "k1"})
	emit(2*time.Second, pipeline.ActionStageCompleted, pipeline.Details{Record: &pipeline.Record{
		Stage: "coder", Attempt: 1, Key: "k1", Outcome: pipeline.OutcomeSuccess, StartedAt: t0.Add(time.Second), Duration: time.Second,
	}})
	emit(3*time.Second, pipeline.ActionRouted, pipeline.Details{Decision: &pipeline.Decision{Kind: pipeline.DecisionContinue, Stage: "reviewer", Index: 1}})
	emit(4*time.Second, pipeline.ActionRunCancelled, pipeline.Details{Reason: "operator"})
	return entries
}

func TestVerify(t *testing.T) {
	entries := sampleLog(t, "run-1")
	stored, err := pipeline.Replay(entries)
	require.NoError(t, err)

	report, err := Verify(entries, stored)
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 5, report.Entries)
	assert.EqualValues(t, 5, report.LastSeq)
	assert.Equal(t, pipeline.StatusFailed, report.Status)
	assert.Equal(t, 1, report.Records)
}

func TestVerify_DetectsTampering(t *testing.T) {
	entries := sampleLog(t, "run-1")

	t.Run("stored state drifted", func(t *testing.T) {
		stored, err := pipeline.Replay(entries)
		require.NoError(t, err)
		stored.Run.Reason = "something else"

		_, err = Verify(entries, stored)
		assert.ErrorIs(t, err, ErrMismatch)
	})

	t.Run("missing entry", func(t *testing.T) {
		gapped := append(append([]pipeline.Entry{}, entries[:2]...), entries[3:]...)
		_, err := Verify(gapped, nil)
		assert.ErrorIs(t, err, pipeline.ErrSequence)
	})

	t.Run("foreign entry", func(t *testing.T) {
		mixed := append([]pipeline.Entry{}, entries...)
		mixed[2].RunID = "run-2"
		_, err := Verify(mixed, nil)
		assert.ErrorIs(t, err, pipeline.ErrSequence)
	})

	t.Run("empty log", func(t *testing.T) {
		_, err := Verify(nil, nil)
		assert.ErrorIs(t, err, pipeline.ErrUnknownRun)
	})
}

func TestJSONL_RoundTrip(t *testing.T) {
	entries := append(sampleLog(t, "run-1"), sampleLog(t, "run-2")...)

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, entries))
	assert.Equal(t, len(entries), strings.Count(buf.String(), "\n"))

	read, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, read, len(entries))

	runs := ByRun(read)
	require.Len(t, runs, 2)
	for runID, log := range runs {
		stored, err := pipeline.Replay(log)
		require.NoError(t, err)
		report, err := Verify(log, stored)
		require.NoError(t, err, runID)
		assert.Equal(t, runID, report.RunID)
	}
}

func TestReadJSONL_MalformedLine(t *testing.T) {
	input := `{"seq":1,"run_id":"r"}` + "\n\n" + "{not json\n"
	_, err := ReadJSONL(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}
