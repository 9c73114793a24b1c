package recovery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mwalcott/unibazaar/internal/logging"
)

// Timer triggers the recovery sweep on a fixed interval until stopped.
type Timer struct {
	sweeper  *Sweeper
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a recovery timer. A non-positive interval defaults to
// one hour.
func NewTimer(sweeper *Sweeper, interval time.Duration) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		sweeper:  sweeper,
		interval: interval,
		stop:     make(chan struct{}, 1),
	}
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called. It is a no-op if the timer is already running.
func (t *Timer) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer t.running.Store(false)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		log := logging.FromContext(ctx)
		log.Info("recovery timer started", "interval", t.interval.String())

		for {
			select {
			case <-ctx.Done():
				log.Info("recovery timer stopped", "reason", "context cancelled")
				return
			case <-t.stop:
				log.Info("recovery timer stopped", "reason", "stop requested")
				return
			case <-ticker.C:
				t.safeRun(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit. Safe to call multiple times.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// safeRun executes one sweep, recovering from panics so a bad sweep never
// kills the timer goroutine.
func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error("recovery sweep panicked", "panic", r)
		}
	}()
	t.sweeper.Run(ctx)
}
