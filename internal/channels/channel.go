// Package channels supervises external chat transports. A channel adapter
// owns its connection loop; the supervisor restarts it with exponential
// backoff when it fails.
package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/pith-sh/pith/internal/backoff"
)

// Channel is one chat transport. Run blocks until the context is cancelled
// or the connection fails; returning an error asks the supervisor for a
// restart.
type Channel interface {
	Name() string
	Run(ctx context.Context) error
}

// stableRunTime is how long a channel must stay up before its backoff
// resets to the initial delay.
const stableRunTime = time.Minute

// Supervisor restarts channels with capped, jittered backoff.
type Supervisor struct {
	policy backoff.Policy
	logger *slog.Logger
}

// NewSupervisor uses the channel reconnect policy (1s initial, 60s cap,
// 20% jitter).
func NewSupervisor() *Supervisor {
	return &Supervisor{
		policy: backoff.Channel(),
		logger: slog.Default().With("component", "channels"),
	}
}

// Run drives one channel until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context, ch Channel) {
	attempt := 0
	for {
		started := time.Now()
		err := ch.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) >= stableRunTime {
			attempt = 0
		}
		attempt++
		delay := s.policy.Delay(attempt)
		s.logger.Warn("channel disconnected, reconnecting",
			"channel", ch.Name(), "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
