package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Metrics holds Prometheus metrics for the engine. They are derived from
// committed audit entries only, so a failed commit never counts.
//
// Metrics:
//   - devflow_runs_created_total{trigger}
//   - devflow_stage_invocations_total{stage,outcome}
//   - devflow_stage_duration_seconds{stage}
//   - devflow_stage_tokens_total{stage}
//   - devflow_gates_armed_total{gate}
//   - devflow_gates_resolved_total{resolution,resolved_by}
//   - devflow_runs_finished_total{status}
//   - devflow_notify_failures_total{channel}
//   - devflow_secrets_redacted_total{stage}
type Metrics struct {
	RunsCreated      *prometheus.CounterVec
	StageInvocations *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageTokens      *prometheus.CounterVec
	GatesArmed       *prometheus.CounterVec
	GatesResolved    *prometheus.CounterVec
	RunsFinished     *prometheus.CounterVec
	NotifyFailures   *prometheus.CounterVec
	SecretsRedacted  *prometheus.CounterVec
}

// NewMetrics registers engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "runs_created_total",
			Help:      "Total number of pipeline runs created",
		}, []string{"trigger"}),
		StageInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "stage_invocations_total",
			Help:      "Total number of completed stage invocations by outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devflow",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage invocations in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		}, []string{"stage"}),
		StageTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "stage_tokens_total",
			Help:      "Tokens reported by stages",
		}, []string{"stage"}),
		GatesArmed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "gates_armed_total",
			Help:      "Total number of gates armed",
		}, []string{"gate"}),
		GatesResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "gates_resolved_total",
			Help:      "Total number of gates resolved",
		}, []string{"resolution", "resolved_by"}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "runs_finished_total",
			Help:      "Total number of runs reaching a final status",
		}, []string{"status"}),
		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "notify_failures_total",
			Help:      "Notifications that could not be delivered",
		}, []string{"channel"}),
		SecretsRedacted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "secrets_redacted_total",
			Help:      "Secrets removed from stage output before recording",
		}, []string{"stage"}),
	}
}

func (m *Metrics) observe(entries []pipeline.Entry) {
	for _, e := range entries {
		d := e.Details
		switch e.Action {
		case pipeline.ActionRunCreated:
			if d.Trigger != nil {
				m.RunsCreated.WithLabelValues(string(d.Trigger.Kind)).Inc()
			}
		case pipeline.ActionStageCompleted:
			if r := d.Record; r != nil {
				m.StageInvocations.WithLabelValues(r.Stage, string(r.Outcome)).Inc()
				m.StageDuration.WithLabelValues(r.Stage).Observe(r.Duration.Seconds())
				if r.Result != nil && r.Result.TokensUsed > 0 {
					m.StageTokens.WithLabelValues(r.Stage).Add(float64(r.Result.TokensUsed))
				}
				if r.Redacted > 0 {
					m.SecretsRedacted.WithLabelValues(r.Stage).Add(float64(r.Redacted))
				}
			}
		case pipeline.ActionGateArmed:
			if d.Gate != nil {
				m.GatesArmed.WithLabelValues(d.Gate.Name).Inc()
			}
		case pipeline.ActionGateResolved:
			m.GatesResolved.WithLabelValues(string(d.Resolution), string(d.ResolvedBy)).Inc()
		case pipeline.ActionRunFinished:
			m.RunsFinished.WithLabelValues(string(d.Status)).Inc()
		case pipeline.ActionRunCancelled:
			m.RunsFinished.WithLabelValues(string(pipeline.StatusFailed)).Inc()
		case pipeline.ActionNotifyFailed:
			m.NotifyFailures.WithLabelValues(d.Channel).Inc()
		}
	}
}
