package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionPerIPCap(t *testing.T) {
	a := newAdmission(0, 2, 0, 0)

	r1, err := a.acquire("10.0.0.1:1000")
	require.NoError(t, err)
	_, err = a.acquire("10.0.0.1:1001")
	require.NoError(t, err)

	_, err = a.acquire("10.0.0.1:1002")
	assert.ErrorIs(t, err, ErrTooManyConnections)

	_, err = a.acquire("10.0.0.2:1000")
	assert.NoError(t, err, "other addresses unaffected")

	r1()
	r1() // release is idempotent
	_, err = a.acquire("10.0.0.1:1003")
	assert.NoError(t, err)
	_, err = a.acquire("10.0.0.1:1004")
	assert.ErrorIs(t, err, ErrTooManyConnections)
}

func TestAdmissionGlobalCap(t *testing.T) {
	a := newAdmission(2, 0, 0, 0)

	_, err := a.acquire("10.0.0.1:1")
	require.NoError(t, err)
	release, err := a.acquire("10.0.0.2:1")
	require.NoError(t, err)

	_, err = a.acquire("10.0.0.3:1")
	assert.ErrorIs(t, err, ErrServerFull)

	release()
	_, err = a.acquire("10.0.0.3:1")
	assert.NoError(t, err)
}

func TestAdmissionConnectRate(t *testing.T) {
	clock := newTestClock()
	a := newAdmission(0, 0, 1, 2)
	a.now = clock.Now

	for range 2 {
		release, err := a.acquire("10.0.0.1:1")
		require.NoError(t, err)
		release()
	}
	_, err := a.acquire("10.0.0.1:1")
	assert.ErrorIs(t, err, ErrConnectRateLimited)

	clock.Advance(time.Second)
	_, err = a.acquire("10.0.0.1:1")
	assert.NoError(t, err)
}

func TestAdmissionPrunesIdleEntries(t *testing.T) {
	clock := newTestClock()
	a := newAdmission(0, 0, 0, 0)
	a.now = clock.Now

	release, err := a.acquire("10.0.0.1:1")
	require.NoError(t, err)
	release()
	assert.Len(t, a.entries, 1)

	clock.Advance(admissionEntryTTL + time.Second)
	_, err = a.acquire("10.0.0.2:1")
	require.NoError(t, err)
	assert.Len(t, a.entries, 1)
	assert.Contains(t, a.entries, "10.0.0.2")
}

func TestAdmissionReason(t *testing.T) {
	assert.Equal(t, "server_full", admissionReason(ErrServerFull))
	assert.Equal(t, "per_ip_limit", admissionReason(ErrTooManyConnections))
	assert.Equal(t, "connect_rate", admissionReason(ErrConnectRateLimited))
	assert.Equal(t, "Chat is full. Please try again later.", rejectionNotice(ErrServerFull))
}
