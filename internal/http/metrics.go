package http

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/devflow/internal/http"

// apiMetrics instruments the API with OpenTelemetry.
//
//   - devflow.http.requests_total{method,endpoint,status}
//   - devflow.http.request_duration_seconds{method,endpoint,status}
//   - devflow.http.active_requests
//   - devflow.http.gate_votes_total{vote,outcome}
type apiMetrics struct {
	requests  metric.Int64Counter
	duration  metric.Float64Histogram
	active    metric.Int64UpDownCounter
	gateVotes metric.Int64Counter
}

func newAPIMetrics(meter metric.Meter) (*apiMetrics, error) {
	m := &apiMetrics{}
	var errs [4]error
	m.requests, errs[0] = meter.Int64Counter("devflow.http.requests_total",
		metric.WithDescription("API requests by route template and status"),
		metric.WithUnit("{request}"))
	m.duration, errs[1] = meter.Float64Histogram("devflow.http.request_duration_seconds",
		metric.WithDescription("API request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	m.active, errs[2] = meter.Int64UpDownCounter("devflow.http.active_requests",
		metric.WithDescription("API requests in progress"),
		metric.WithUnit("{request}"))
	m.gateVotes, errs[3] = meter.Int64Counter("devflow.http.gate_votes_total",
		metric.WithDescription("Gate votes received over the API by outcome: counted, resolved or refused"),
		metric.WithUnit("{vote}"))
	return m, errors.Join(errs[:]...)
}

// middleware records every request under its route template, so run and
// gate ids never become label values.
func (m *apiMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			m.active.Add(ctx, 1)
			defer m.active.Add(ctx, -1)

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeLabel(c.Path())),
				attribute.Int("status", status),
			)
			m.requests.Add(ctx, 1, attrs)
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}

// vote counts one gate decision. A nil gate means the engine refused it.
func (m *apiMetrics) vote(ctx context.Context, vote pipeline.Vote, g *pipeline.Gate) {
	outcome := "refused"
	switch {
	case g == nil:
	case g.Pending():
		outcome = "counted"
	default:
		outcome = "resolved"
	}
	m.gateVotes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vote", string(vote)),
		attribute.String("outcome", outcome),
	))
}

func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
