package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// QueueGroup is the queue group stage workers join, so each request is
// handled by exactly one worker.
const QueueGroup = "devflow-stages"

// Subject returns the request subject for a stage.
func Subject(prefix, name string) string {
	return fmt.Sprintf("%s.stages.%s", prefix, name)
}

// reply is the wire envelope for a stage response.
type reply struct {
	Result *pipeline.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Remote invokes a stage served over NATS request-reply.
type Remote struct {
	nc      *nats.Conn
	subject string
}

// NewRemote returns a Stage that sends requests to the named stage.
func NewRemote(nc *nats.Conn, prefix, name string) *Remote {
	return &Remote{nc: nc, subject: Subject(prefix, name)}
}

// RemoteFallback resolves any name to a Remote, for Registry.SetFallback.
func RemoteFallback(nc *nats.Conn, prefix string) func(string) Stage {
	return func(name string) Stage {
		return NewRemote(nc, prefix, name)
	}
}

// Invoke sends in and waits for the worker's reply or ctx expiry.
func (r *Remote) Invoke(ctx context.Context, in Input) (*pipeline.Result, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal stage input: %w", err)
	}

	msg, err := r.nc.RequestWithContext(ctx, r.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: no workers on %s", ErrUnknownStage, r.subject)
		}
		return nil, fmt.Errorf("request %s: %w", r.subject, err)
	}

	var rep reply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", r.subject, err)
	}
	if rep.Error != "" {
		return nil, errors.New(rep.Error)
	}
	if rep.Result == nil {
		return nil, fmt.Errorf("empty reply from %s", r.subject)
	}
	return rep.Result, nil
}

// Serve subscribes s as a worker for the named stage. Each request runs on
// the subscription's goroutine with ctx as its parent.
func Serve(ctx context.Context, nc *nats.Conn, prefix, name string, s Stage, logger *logging.Logger) (*nats.Subscription, error) {
	subject := Subject(prefix, name)
	return nc.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
		var in Input
		var rep reply
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			rep.Error = fmt.Sprintf("decode input: %v", err)
		} else {
			res, err := s.Invoke(logging.WithStage(logging.WithRunID(ctx, in.RunID), name), in)
			if err != nil {
				rep.Error = err.Error()
			} else {
				rep.Result = res
			}
		}

		data, err := json.Marshal(rep)
		if err != nil {
			logger.Error(ctx, "marshal stage reply", zap.String("subject", subject), zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn(ctx, "respond to stage request", zap.String("subject", subject), zap.Error(err))
		}
	})
}
