package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Advancer drives a run until it suspends or finishes.
type Advancer interface {
	Advance(ctx context.Context, runID string) (pipeline.Status, error)
}

// Dispatcher schedules a run to be advanced, usually asynchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string) error
}

// LocalDispatcher advances runs on goroutines of this process.
type LocalDispatcher struct {
	adv    Advancer
	logger *logging.Logger
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewLocalDispatcher returns a dispatcher whose goroutines run under ctx,
// so cancelling ctx aborts in-flight steps without writing.
func NewLocalDispatcher(ctx context.Context, adv Advancer, logger *logging.Logger) *LocalDispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LocalDispatcher{adv: adv, logger: logger, ctx: ctx}
}

// Dispatch starts advancing runID in the background.
func (d *LocalDispatcher) Dispatch(_ context.Context, runID string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := logging.WithRunID(d.ctx, runID)
		status, err := d.adv.Advance(ctx, runID)
		if err != nil {
			d.logger.Error(ctx, "advance run", zap.Error(err))
			return
		}
		d.logger.Debug(ctx, "run parked", zap.String("status", string(status)))
	}()
	return nil
}

// Wait blocks until every dispatched run has parked or failed.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
