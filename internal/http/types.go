package http

import (
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// CreateRunRequest is the request body for POST /api/v1/runs.
type CreateRunRequest struct {
	Trigger pipeline.Trigger `json:"trigger"`
	// Flow overrides the default flow when non-empty.
	Flow pipeline.Flow `json:"flow,omitempty"`
}

// RunResponse is the response body for run endpoints.
type RunResponse struct {
	Run     *pipeline.Run     `json:"run"`
	Gates   []*pipeline.Gate  `json:"gates,omitempty"`
	Records []pipeline.Record `json:"records,omitempty"`
}

// RunsResponse is the response body for GET /api/v1/runs.
type RunsResponse struct {
	Runs []*pipeline.Run `json:"runs"`
}

// CancelRequest is the request body for POST /api/v1/runs/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ResumeRequest is the request body for POST /api/v1/runs/:id/resume.
type ResumeRequest struct {
	Actor string `json:"actor"`
}

// DecisionRequest is the request body for POST /api/v1/gates/:id/decision.
type DecisionRequest struct {
	Approver string        `json:"approver"`
	Vote     pipeline.Vote `json:"vote"`
	Reason   string        `json:"reason,omitempty"`
}

// GateResponse wraps a gate after a decision or resume.
type GateResponse struct {
	Gate *pipeline.Gate `json:"gate"`
}

// AuditResponse is the JSON form of GET /api/v1/audit.
type AuditResponse struct {
	Entries []pipeline.Entry `json:"entries"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
