// Package scheduler provides the recurring-task abstraction driving batch
// triggers and snapshot persistence: an explicit timer with cancel-and-rearm
// semantics instead of fire-and-forget platform timers.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Task is one scheduled unit of work. The context is cancelled on Stop.
type Task func(ctx context.Context)

// Interval runs a task every interval. The timer is rearmed after each run
// completes (not on a fixed phase), so a slow run never overlaps the next.
type Interval struct {
	interval time.Duration
	task     Task

	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	stopped bool
}

func NewInterval(interval time.Duration, task Task) *Interval {
	return &Interval{
		interval: interval,
		task:     task,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the schedule loop until the context is done or Stop is called.
// Blocking; callers run it in a goroutine.
func (s *Interval) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = time.NewTimer(s.interval)
	timer := s.timer
	s.mu.Unlock()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
			s.task(ctx)
			s.mu.Lock()
			if !s.stopped {
				timer.Reset(s.interval)
			}
			s.mu.Unlock()
		}
	}
}

// Rearm restarts the countdown from now, delaying the next tick. Used after
// an out-of-band trigger (size threshold, forced settlement) so the timer
// does not fire immediately after.
func (s *Interval) Rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer == nil {
		return
	}
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(s.interval)
}

// Stop cancels the schedule permanently.
func (s *Interval) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}
