// Package timer provides delayed single-shot scheduling and countdowns.
//
// Scheduled functions drive the conversation's typing auto-advance; the
// countdown backs the resend cooldown. Both are cancel-safe: stopping a
// timer or countdown guarantees its callback will not fire afterwards.
package timer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler defines the interface for scheduling delayed actions.
type Scheduler interface {
	// ScheduleAfter schedules a function to run after a delay and returns a
	// cancellation ID.
	ScheduleAfter(delay time.Duration, fn func()) (string, error)

	// Cancel cancels a scheduled function. Cancelling an unknown or already
	// fired ID is a no-op.
	Cancel(id string) error

	// Stop cancels all scheduled functions.
	Stop()
}

// timerEntry tracks information about a scheduled timer.
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
}

// SimpleTimer implements Scheduler using Go's standard time package.
type SimpleTimer struct {
	timers map[string]*timerEntry
	mu     sync.Mutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	slog.Debug("Creating SimpleTimer")
	return &SimpleTimer{timers: make(map[string]*timerEntry)}
}

// ScheduleAfter schedules a function to run after a delay.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	t.mu.Unlock()

	slog.Debug("SimpleTimer ScheduleAfter", "id", id, "delay", delay)

	now := time.Now()
	tm := time.AfterFunc(delay, func() {
		// Ensure a cancelled timer never runs even if the callback raced Stop.
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			return
		}
		slog.Debug("SimpleTimer executing scheduled function", "id", id)
		fn()
	})

	t.mu.Lock()
	t.timers[id] = &timerEntry{timer: tm, scheduledAt: now, expiresAt: now.Add(delay)}
	t.mu.Unlock()
	return id, nil
}

// Cancel cancels a scheduled function by ID.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[id]; exists {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer Cancel succeeded", "id", id)
		return nil
	}
	slog.Debug("SimpleTimer Cancel: timer not found", "id", id)
	return nil
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	slog.Debug("SimpleTimer stopping all timers", "count", len(t.timers))
	for id, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, id)
	}
}

// Active returns the number of pending timers.
func (t *SimpleTimer) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Countdown counts down once per tick interval from an initial number of
// seconds to zero. Remaining is safe to read concurrently. Stop is idempotent
// and prevents any further ticks or the completion callback.
type Countdown struct {
	mu        sync.Mutex
	remaining int
	interval  time.Duration
	onDone    func()
	stop      chan struct{}
	stopped   bool
}

// NewCountdown starts a countdown from seconds, ticking every interval.
// onDone runs once when the countdown reaches zero (not when stopped).
func NewCountdown(seconds int, interval time.Duration, onDone func()) *Countdown {
	c := &Countdown{
		remaining: seconds,
		interval:  interval,
		onDone:    onDone,
		stop:      make(chan struct{}),
	}
	slog.Debug("Countdown started", "seconds", seconds, "interval", interval)
	go c.run()
	return c
}

func (c *Countdown) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.remaining > 0 {
				c.remaining--
			}
			done := c.remaining == 0 && !c.stopped
			c.mu.Unlock()
			if done {
				slog.Debug("Countdown finished")
				if c.onDone != nil {
					c.onDone()
				}
				return
			}
		}
	}
}

// Remaining returns the seconds left until the countdown completes.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Stop halts the countdown without firing the completion callback.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
	slog.Debug("Countdown stopped", "remaining", c.remaining)
}
