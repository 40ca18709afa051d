package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/secrets"
)

const leaked = "hunter2-s3cr3t"

// wordRedactor treats one fixed word as a secret.
type wordRedactor struct {
	fail bool
}

func (wordRedactor) RedactText(s string) (string, secrets.Report) {
	n := strings.Count(s, leaked)
	if n == 0 {
		return s, secrets.Report{}
	}
	return strings.ReplaceAll(s, leaked, "[REDACTED:word]"), secrets.Report{Total: n, Rules: map[string]int{"word": n}}
}

func (w wordRedactor) RedactResult(res *pipeline.Result) (*pipeline.Result, secrets.Report, error) {
	if w.fail {
		return nil, secrets.Report{}, errors.New("encoder broke")
	}
	code, ok := res.Output.(pipeline.CodeOutput)
	if !ok {
		return res, secrets.Report{}, nil
	}
	summary, rep := w.RedactText(code.Summary)
	if rep.Total == 0 {
		return res, rep, nil
	}
	out := *res
	code.Summary = summary
	out.Output = code
	return &out, rep, nil
}

func TestAdvance_RedactsStageOutput(t *testing.T) {
	h := newHarness(t, WithRedactor(wordRedactor{}))
	coder := script(nil, &pipeline.Result{
		Output:     pipeline.CodeOutput{Summary: "set DB_PASSWORD=" + leaked},
		Confidence: 0.9,
	})
	coder.errs = []error{errors.New("login rejected for " + leaked)}
	h.stages.Register("coder", coder)

	run, status := h.start(t, "coder")
	require.Equal(t, pipeline.StatusCompleted, status)

	p := h.inspect(t, run.ID)
	require.Len(t, p.Records, 2)
	assert.Equal(t, "login rejected for [REDACTED:word]", p.Records[0].Error)
	assert.Equal(t, 1, p.Records[0].Redacted)

	code := p.Records[1].Result.Output.(pipeline.CodeOutput)
	assert.Equal(t, "set DB_PASSWORD=[REDACTED:word]", code.Summary)
	assert.Equal(t, 1, p.Records[1].Redacted)

	for _, e := range h.entries(t, run.ID) {
		if e.Details.Record != nil {
			assert.NotContains(t, e.Details.Record.Error, leaked)
		}
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(h.eng.metrics.SecretsRedacted.WithLabelValues("coder")))
	h.log.AssertLogged(t, zapcore.WarnLevel, "redacted secrets from stage output")
	requireReplayMatches(t, h, run.ID)
}

func TestAdvance_RedactionFailureIsAStageFailure(t *testing.T) {
	h := newHarness(t, WithRedactor(wordRedactor{fail: true}))
	h.stages.Register("coder", script(coded(0.9)))

	run, _ := h.start(t, "coder")

	p := h.inspect(t, run.ID)
	require.NotEmpty(t, p.Records)
	first := p.Records[0]
	assert.Equal(t, pipeline.OutcomeFailure, first.Outcome)
	assert.Nil(t, first.Result)
	assert.Contains(t, first.Error, "redacting output")
}
