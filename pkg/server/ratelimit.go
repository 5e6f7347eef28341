package server

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultBurstMessages is how many chat messages a session may send per window
	DefaultBurstMessages = 3
	// DefaultBurstWindow is the burst limiter window length
	DefaultBurstWindow = time.Second
)

// ErrRateLimited is returned when a session exceeds its burst allowance
var ErrRateLimited = errors.New("rate limited")

// SlowmodeError is returned when a message arrives before the room's
// slowmode interval has passed since the sender's last accepted message
type SlowmodeError struct {
	Room      string
	Interval  time.Duration
	Remaining time.Duration
}

func (e *SlowmodeError) Error() string {
	return fmt.Sprintf("slowmode active in #%s: wait %ds", e.Room, e.Seconds())
}

// Seconds returns the remaining wait rounded up to whole seconds
func (e *SlowmodeError) Seconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

// burstLimiter is a fixed-window counter. The window restarts on the first
// message that arrives more than window after the current window began.
type burstLimiter struct {
	limit  int
	window time.Duration
}

func defaultBurstLimiter() burstLimiter {
	return burstLimiter{limit: DefaultBurstMessages, window: DefaultBurstWindow}
}

func newBurstLimiter(limit int, window time.Duration) burstLimiter {
	if limit <= 0 {
		limit = DefaultBurstMessages
	}
	if window <= 0 {
		window = DefaultBurstWindow
	}
	return burstLimiter{limit: limit, window: window}
}

// allow counts one message against the session's window
func (b burstLimiter) allow(sess *Session, now time.Time) bool {
	if sess.windowStart.IsZero() || now.Sub(sess.windowStart) > b.window {
		sess.windowStart = now
		sess.windowCount = 0
	}
	if sess.windowCount >= b.limit {
		return false
	}
	sess.windowCount++
	return true
}

// SetSlowmode sets the minimum interval between accepted messages from one
// sender in room. Zero or negative disables slowmode for the room.
func (sm *SessionManager) SetSlowmode(room string, interval time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if interval <= 0 {
		delete(sm.slowmode, room)
		return
	}
	sm.slowmode[room] = interval
}

// Slowmode returns the room's slowmode interval, zero when disabled
func (sm *SessionManager) Slowmode(room string) time.Duration {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.slowmode[room]
}

// admitMessageLocked evaluates slowmode and then the burst limiter for a chat
// message. Only a message passing both updates the slowmode timestamp.
func (sm *SessionManager) admitMessageLocked(sess *Session, now time.Time) error {
	room := sess.Room

	if interval := sm.slowmode[room]; interval > 0 {
		if last, ok := sess.lastAccepted[room]; ok {
			if elapsed := now.Sub(last); elapsed < interval {
				// a clock step backwards must not report more than the interval
				remaining := min(interval-elapsed, interval)
				return &SlowmodeError{Room: room, Interval: interval, Remaining: remaining}
			}
		}
	}

	if !sm.burst.allow(sess, now) {
		return ErrRateLimited
	}

	sess.lastAccepted[room] = now
	return nil
}
