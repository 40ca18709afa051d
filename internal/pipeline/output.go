package pipeline

import (
	"encoding/json"
	"fmt"
)

// OutputKind tags a stage output.
type OutputKind string

const (
	KindPlan    OutputKind = "plan"
	KindCode    OutputKind = "code"
	KindReview  OutputKind = "review"
	KindTest    OutputKind = "test"
	KindDebug   OutputKind = "debug"
	KindPublish OutputKind = "publish"
)

// Output is the typed result of a stage. The router switches on Kind.
type Output interface {
	Kind() OutputKind
}

type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type PlanOutput struct {
	Tasks []Task `json:"tasks"`
}

type CodeOutput struct {
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed,omitempty"`
}

// ReviewDecision is the reviewer's verdict.
type ReviewDecision string

const (
	ReviewApprove         ReviewDecision = "approve"
	ReviewRequestChanges  ReviewDecision = "request_changes"
	ReviewEscalateToHuman ReviewDecision = "escalate_to_human"
)

type ReviewComment struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
	Body     string `json:"body"`
}

type ReviewOutput struct {
	Decision ReviewDecision  `json:"decision"`
	Summary  string          `json:"summary,omitempty"`
	Comments []ReviewComment `json:"comments,omitempty"`
}

type TestOutput struct {
	Passed          bool    `json:"passed"`
	Total           int     `json:"total"`
	Failed          int     `json:"failed"`
	CoveragePercent float64 `json:"coverage_percent"`
	FailureLog      string  `json:"failure_log,omitempty"`
}

type DebugOutput struct {
	RootCause string `json:"root_cause"`
	Fix       string `json:"fix,omitempty"`
	Verified  bool   `json:"verified"`
}

type PublishOutput struct {
	URL string `json:"url"`
	Ref string `json:"ref,omitempty"`
}

func (PlanOutput) Kind() OutputKind    { return KindPlan }
func (CodeOutput) Kind() OutputKind    { return KindCode }
func (ReviewOutput) Kind() OutputKind  { return KindReview }
func (TestOutput) Kind() OutputKind    { return KindTest }
func (DebugOutput) Kind() OutputKind   { return KindDebug }
func (PublishOutput) Kind() OutputKind { return KindPublish }

// Result is what a stage hands back: typed output plus self-reported
// confidence and category flags.
type Result struct {
	Output     Output
	Confidence float64
	Flags      []string
	TokensUsed int
}

// HasFlag reports whether the result carries flag.
func (r *Result) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

type outputEnvelope struct {
	Kind OutputKind      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type resultJSON struct {
	Output     *outputEnvelope `json:"output,omitempty"`
	Confidence float64         `json:"confidence"`
	Flags      []string        `json:"flags,omitempty"`
	TokensUsed int             `json:"tokens_used,omitempty"`
}

// MarshalJSON encodes the output as {"kind":..., "data":...}.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{Confidence: r.Confidence, Flags: r.Flags, TokensUsed: r.TokensUsed}
	if r.Output != nil {
		data, err := json.Marshal(r.Output)
		if err != nil {
			return nil, err
		}
		out.Output = &outputEnvelope{Kind: r.Output.Kind(), Data: data}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged output back into its concrete type.
func (r *Result) UnmarshalJSON(b []byte) error {
	var in resultJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	r.Confidence = in.Confidence
	r.Flags = in.Flags
	r.TokensUsed = in.TokensUsed
	r.Output = nil
	if in.Output == nil {
		return nil
	}
	out, err := decodeOutput(in.Output.Kind, in.Output.Data)
	if err != nil {
		return err
	}
	r.Output = out
	return nil
}

func decodeOutput(kind OutputKind, data json.RawMessage) (Output, error) {
	var target Output
	switch kind {
	case KindPlan:
		var o PlanOutput
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		target = o
	case KindCode:
		var o CodeOutput
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		target = o
	case KindReview:
		var o ReviewOutput
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		target = o
	case KindTest:
		var o TestOutput
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		target = o
	case KindDebug:
		var o DebugOutput
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		target = o
	case KindPublish:
		var o PublishOutput
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		target = o
	default:
		return nil, fmt.Errorf("unknown output kind %q", kind)
	}
	return target, nil
}
