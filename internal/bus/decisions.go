package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Decider records gate decisions.
type Decider interface {
	SubmitDecision(ctx context.Context, gateID, approver string, vote pipeline.Vote, reason string) (*pipeline.Gate, error)
}

// DecisionRequest is the payload of a decision message.
type DecisionRequest struct {
	GateID   string        `json:"gate_id"`
	Approver string        `json:"approver"`
	Vote     pipeline.Vote `json:"vote"`
	Reason   string        `json:"reason,omitempty"`
}

// Error codes carried in DecisionReply.
const (
	CodeUnknownGate     = "unknown_gate"
	CodeAlreadyResolved = "already_resolved"
	CodeDuplicateVote   = "duplicate_vote"
	CodeInvalid         = "invalid"
	CodeInternal        = "internal"
)

// DecisionReply answers a decision request.
type DecisionReply struct {
	OK         bool                `json:"ok"`
	Resolution pipeline.Resolution `json:"resolution,omitempty"`
	Code       string              `json:"code,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// ListenDecisions serves gate decisions on the decision subject.
func ListenDecisions(ctx context.Context, nc *nats.Conn, prefix string, d Decider, logger *zap.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	subject := DecisionSubject(prefix)
	return nc.QueueSubscribe(subject, EngineQueue, func(msg *nats.Msg) {
		reply := handleDecision(ctx, d, msg.Data)
		if reply.Code == CodeInternal {
			logger.Error("gate decision failed", zap.String("error", reply.Error))
		}
		data, err := json.Marshal(reply)
		if err != nil {
			logger.Error("marshal decision reply", zap.Error(err))
			return
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("respond to decision", zap.Error(err))
		}
	})
}

func handleDecision(ctx context.Context, d Decider, data []byte) DecisionReply {
	var req DecisionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return DecisionReply{Code: CodeInvalid, Error: fmt.Sprintf("decode request: %v", err)}
	}
	if req.GateID == "" || req.Approver == "" {
		return DecisionReply{Code: CodeInvalid, Error: "gate_id and approver are required"}
	}
	if req.Vote != pipeline.VoteApprove && req.Vote != pipeline.VoteReject {
		return DecisionReply{Code: CodeInvalid, Error: fmt.Sprintf("unknown vote %q", req.Vote)}
	}

	g, err := d.SubmitDecision(ctx, req.GateID, req.Approver, req.Vote, req.Reason)
	if err != nil {
		return DecisionReply{Code: codeFor(err), Error: err.Error()}
	}
	return DecisionReply{OK: true, Resolution: g.Resolution}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrUnknownGate):
		return CodeUnknownGate
	case errors.Is(err, pipeline.ErrAlreadyResolved):
		return CodeAlreadyResolved
	case errors.Is(err, pipeline.ErrDuplicateVote):
		return CodeDuplicateVote
	}
	return CodeInternal
}

// SubmitDecision sends a decision over NATS and waits for the reply.
func SubmitDecision(ctx context.Context, nc *nats.Conn, prefix string, req DecisionRequest) (DecisionReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return DecisionReply{}, fmt.Errorf("marshal decision: %w", err)
	}
	msg, err := nc.RequestWithContext(ctx, DecisionSubject(prefix), data)
	if err != nil {
		return DecisionReply{}, fmt.Errorf("request decision: %w", err)
	}
	var reply DecisionReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return DecisionReply{}, fmt.Errorf("decode decision reply: %w", err)
	}
	return reply, nil
}
