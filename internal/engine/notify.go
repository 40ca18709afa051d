package engine

import (
	"context"
	"time"
)

// Notification tells a channel that a gate needs attention.
type Notification struct {
	Channel  string     `json:"channel"`
	RunID    string     `json:"run_id"`
	GateID   string     `json:"gate_id"`
	Gate     string     `json:"gate"`
	Reason   string     `json:"reason,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Notifier delivers notifications. Delivery is best effort: a failure is
// recorded in the run's audit log and never affects routing.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
