package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/devflow/internal/engine"
)

// ErrRateLimited is returned when a notification exceeds the send rate.
var ErrRateLimited = errors.New("notification rate limit exceeded")

// Notifier publishes gate notifications to NATS. Sends beyond the rate
// fail fast rather than block the run step; the engine audits the failure.
type Notifier struct {
	nc      *nats.Conn
	prefix  string
	limiter *rate.Limiter
}

var _ engine.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier allowing perSecond sends with burst.
func NewNotifier(nc *nats.Conn, prefix string, perSecond float64, burst int) *Notifier {
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		nc:      nc,
		prefix:  prefix,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Notify publishes n on its channel subject.
func (n *Notifier) Notify(ctx context.Context, note engine.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.limiter.Allow() {
		return ErrRateLimited
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.nc.Publish(NotifySubject(n.prefix, note.Channel), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
