package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/engine"
)

// Dispatcher hands run ids to whichever engine worker is free.
type Dispatcher struct {
	nc     *nats.Conn
	prefix string
}

var _ engine.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a NATS dispatcher.
func NewDispatcher(nc *nats.Conn, prefix string) *Dispatcher {
	return &Dispatcher{nc: nc, prefix: prefix}
}

// Dispatch publishes runID on the advance subject.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string) error {
	if err := d.nc.Publish(AdvanceSubject(d.prefix), []byte(runID)); err != nil {
		return fmt.Errorf("dispatch run %s: %w", runID, err)
	}
	return nil
}

// Worker advances runs received on the advance subject.
type Worker struct {
	sub    *nats.Subscription
	wg     sync.WaitGroup
	sem    chan struct{}
	logger *zap.Logger
}

// StartWorker joins the engine queue group. At most concurrency runs are
// advanced at once; each runs under ctx.
func StartWorker(ctx context.Context, nc *nats.Conn, prefix string, adv engine.Advancer, concurrency int, logger *zap.Logger) (*Worker, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{sem: make(chan struct{}, concurrency), logger: logger}

	sub, err := nc.QueueSubscribe(AdvanceSubject(prefix), EngineQueue, func(msg *nats.Msg) {
		runID := string(msg.Data)
		if runID == "" {
			return
		}
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			status, err := adv.Advance(ctx, runID)
			if err != nil {
				w.logger.Error("advance run", zap.String("run.id", runID), zap.Error(err))
				return
			}
			w.logger.Debug("run parked", zap.String("run.id", runID), zap.String("status", string(status)))
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", AdvanceSubject(prefix), err)
	}
	w.sub = sub
	return w, nil
}

// Stop unsubscribes and waits for in-flight runs to park.
func (w *Worker) Stop() error {
	err := w.sub.Drain()
	w.wg.Wait()
	return err
}
