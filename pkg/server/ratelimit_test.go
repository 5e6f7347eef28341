package server

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBurstLimit(t *testing.T) {
	sm, _, clock := newTestManager(t)
	alice, _ := admit(t, sm, "alice")

	for i := range 3 {
		require.NoError(t, sm.Post(alice, "msg"), "message %d", i+1)
		clock.Advance(100 * time.Millisecond)
	}
	assert.ErrorIs(t, sm.Post(alice, "fourth"), ErrRateLimited)

	// exactly one window after the first message is still the same window
	clock.Advance(700 * time.Millisecond)
	assert.ErrorIs(t, sm.Post(alice, "still"), ErrRateLimited)

	clock.Advance(time.Millisecond)
	assert.NoError(t, sm.Post(alice, "new window"))
}

func TestBurstLimitIsPerSession(t *testing.T) {
	sm, _, _ := newTestManager(t)
	alice, _ := admit(t, sm, "alice")
	bob, _ := admit(t, sm, "bob")

	for range 3 {
		require.NoError(t, sm.Post(alice, "msg"))
	}
	assert.ErrorIs(t, sm.Post(alice, "msg"), ErrRateLimited)
	assert.NoError(t, sm.Post(bob, "msg"))
}

func TestRejectedMessageIsNotDelivered(t *testing.T) {
	sm, _, _ := newTestManager(t)
	alice, _ := admit(t, sm, "alice")
	_, bobConn := admit(t, sm, "bob")

	for range 3 {
		require.NoError(t, sm.Post(alice, "ok"))
	}
	bobConn.reset()
	require.Error(t, sm.Post(alice, "dropped"))
	assert.Empty(t, bobConn.lines())
}

func TestSetBurstLimit(t *testing.T) {
	sm, _, clock := newTestManager(t)
	sm.SetBurstLimit(1, 5*time.Second)
	alice, _ := admit(t, sm, "alice")

	require.NoError(t, sm.Post(alice, "one"))
	clock.Advance(4 * time.Second)
	assert.ErrorIs(t, sm.Post(alice, "two"), ErrRateLimited)
	clock.Advance(2 * time.Second)
	assert.NoError(t, sm.Post(alice, "three"))
}

func TestSlowmode(t *testing.T) {
	sm, _, clock := newTestManager(t)
	sm.SetSlowmode("general", 10*time.Second)
	alice, _ := admit(t, sm, "alice")

	require.NoError(t, sm.Post(alice, "first"))

	clock.Advance(3 * time.Second)
	err := sm.Post(alice, "too soon")
	var slow *SlowmodeError
	require.True(t, errors.As(err, &slow))
	assert.Equal(t, "general", slow.Room)
	assert.Equal(t, 7*time.Second, slow.Remaining)
	assert.Equal(t, 7, slow.Seconds())

	// a rejected message does not restart the interval
	clock.Advance(7 * time.Second)
	assert.NoError(t, sm.Post(alice, "on time"))
}

func TestSlowmodeIsPerRoom(t *testing.T) {
	sm, _, _ := newTestManager(t)
	sm.SetSlowmode("general", time.Minute)
	alice, _ := admit(t, sm, "alice")

	require.NoError(t, sm.Post(alice, "general"))
	_, err := sm.Join(alice, "dev")
	require.NoError(t, err)
	assert.NoError(t, sm.Post(alice, "dev is not slow"))
}

func TestSlowmodeDisable(t *testing.T) {
	sm, _, _ := newTestManager(t)
	sm.SetSlowmode("general", time.Minute)
	assert.Equal(t, time.Minute, sm.Slowmode("general"))

	alice, _ := admit(t, sm, "alice")
	require.NoError(t, sm.Post(alice, "one"))

	sm.SetSlowmode("general", 0)
	assert.Zero(t, sm.Slowmode("general"))
	assert.NoError(t, sm.Post(alice, "two"))
}

func TestSlowmodeCheckedBeforeBurst(t *testing.T) {
	sm, _, clock := newTestManager(t)
	sm.SetSlowmode("general", 2*time.Second)
	alice, _ := admit(t, sm, "alice")

	require.NoError(t, sm.Post(alice, "one"))
	// rejected by slowmode without consuming burst allowance
	for range 5 {
		var slow *SlowmodeError
		require.ErrorAs(t, sm.Post(alice, "spam"), &slow)
	}
	clock.Advance(2 * time.Second)
	assert.NoError(t, sm.Post(alice, "two"))
}

func TestSlowmodeErrorSecondsRoundsUp(t *testing.T) {
	err := &SlowmodeError{Room: "general", Interval: 10 * time.Second, Remaining: 6200 * time.Millisecond}
	assert.Equal(t, 7, err.Seconds())
	assert.Contains(t, err.Error(), "wait 7s")
}

// The remaining wait reported by slowmode never exceeds the interval and is
// never negative, whatever the gap between messages.
func TestSlowmodeRemainingBoundsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sm, _, clock := newTestManager(t)
		interval := time.Duration(rapid.IntRange(1, 120).Draw(rt, "interval")) * time.Second
		sm.SetSlowmode("general", interval)
		sm.SetBurstLimit(1000, time.Second)

		conn := newMockConn()
		id := sm.Register(conn, "alice", conn.addr, TransportTCP)
		if err := sm.Post(id, "first"); err != nil {
			rt.Fatalf("first post: %v", err)
		}

		gap := time.Duration(rapid.Int64Range(0, int64(2*interval)).Draw(rt, "gap"))
		clock.Advance(gap)

		err := sm.Post(id, "second")
		var slow *SlowmodeError
		if gap >= interval {
			if err != nil {
				rt.Fatalf("gap %v >= interval %v rejected: %v", gap, interval, err)
			}
			return
		}
		if !errors.As(err, &slow) {
			rt.Fatalf("gap %v < interval %v not rejected: %v", gap, interval, err)
		}
		if slow.Remaining < 0 || slow.Remaining > interval {
			rt.Fatalf("remaining %v outside [0, %v]", slow.Remaining, interval)
		}
	})
}
