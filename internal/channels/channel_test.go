package channels

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type flakyChannel struct {
	failures int32
	runs     int32
}

func (c *flakyChannel) Name() string { return "flaky" }

func (c *flakyChannel) Run(ctx context.Context) error {
	atomic.AddInt32(&c.runs, 1)
	if atomic.AddInt32(&c.failures, -1) >= 0 {
		return errors.New("connection lost")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisorRestartsFailedChannel(t *testing.T) {
	ch := &flakyChannel{failures: 1}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		NewSupervisor().Run(ctx, ch)
		close(done)
	}()

	// one failure, one restart after ~1s backoff
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ch.runs) == 2
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}

func TestSupervisorStopsOnCancelDuringBackoff(t *testing.T) {
	ch := &flakyChannel{failures: 100}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewSupervisor().Run(ctx, ch)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop during backoff")
	}
}
