// Package scheduler provides the delayed-execution primitives behind the
// coordinator's settle-checks. Both implementations are fire-and-forget: a
// scheduled check cannot be retracted, staleness is detected by the
// coordinator through the generation comparison.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

// Callback receives due settle-check references.
type Callback func(ctx context.Context, ref domain.SettleRef)

// TimerScheduler runs settle-checks on in-process timers. Timers do not
// survive a restart; deployments that need crash-surviving checks use the
// DurableScheduler.
type TimerScheduler struct {
	mu      sync.Mutex
	cb      Callback
	timers  map[*time.Timer]struct{}
	stopped bool
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[*time.Timer]struct{})}
}

// Bind sets the callback. Separate from the constructor because the
// coordinator and its scheduler reference each other.
func (s *TimerScheduler) Bind(cb Callback) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *TimerScheduler) Schedule(ctx context.Context, ref domain.SettleRef, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		logrus.WithField("unit_id", ref.UnitID).Warn("[SCHEDULER] Check dropped, scheduler stopped")
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t)
		cb := s.cb
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if cb == nil {
			logrus.Warn("[SCHEDULER] Settle-check fired with no callback bound")
			return
		}
		cb(context.Background(), ref)
	})
	s.timers[t] = struct{}{}
	return nil
}

// Stop cancels every pending timer. Checks lost here are re-armed by the
// next arrival for their sender; deployments that cannot afford that use the
// DurableScheduler.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
}
