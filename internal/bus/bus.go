// Package bus connects the engine to NATS.
//
// Subjects, under a configurable prefix:
//   - <prefix>.notify.<channel>  gate notifications (publish)
//   - <prefix>.advance           run ids to advance (queue group)
//   - <prefix>.decisions         gate decisions (request-reply)
//
// Stage workers use <prefix>.stages.<name>; see package stage.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EngineQueue is the queue group engine workers join.
const EngineQueue = "devflow-engine"

// NotifySubject returns the subject for a notification channel.
func NotifySubject(prefix, channel string) string {
	return fmt.Sprintf("%s.notify.%s", prefix, channel)
}

// AdvanceSubject returns the subject run ids are dispatched on.
func AdvanceSubject(prefix string) string {
	return prefix + ".advance"
}

// DecisionSubject returns the subject gate decisions arrive on.
func DecisionSubject(prefix string) string {
	return prefix + ".decisions"
}

// Connect dials NATS, retrying the first connection and reconnecting on
// loss.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
