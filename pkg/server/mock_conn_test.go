package server

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opticom/chat/pkg/history"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// mockConn records writes. Reads report EOF so it never feeds a read loop.
type mockConn struct {
	mu         sync.Mutex
	writeBuf   bytes.Buffer
	closed     bool
	failWrites bool
	addr       string
}

func newMockConn() *mockConn {
	return &mockConn{addr: "127.0.0.1:40000"}
}

func newFailingConn() *mockConn {
	c := newMockConn()
	c.failWrites = true
	return c
}

func (m *mockConn) Read(b []byte) (int, error) { return 0, io.EOF }

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.failWrites {
		return 0, net.ErrClosed
	}
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// output returns everything written so far
func (m *mockConn) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.String()
}

// lines returns the non-empty lines written so far
func (m *mockConn) lines() []string {
	var out []string
	for _, line := range strings.Split(m.output(), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// reset discards recorded output
func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeBuf.Reset()
}

func (m *mockConn) LocalAddr() net.Addr                { return mockAddr("127.0.0.1:8080") }
func (m *mockConn) RemoteAddr() net.Addr               { return mockAddr(m.addr) }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

type mockAddr string

func (a mockAddr) Network() string { return "tcp" }
func (a mockAddr) String() string  { return string(a) }

// testClock is a manually advanced time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestManager returns a manager backed by a file store in a temp dir
func newTestManager(t *testing.T) (*SessionManager, history.Store, *testClock) {
	t.Helper()

	store, err := history.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newTestClock()
	sm := NewSessionManager(store, zerolog.Nop())
	sm.SetClock(clock.Now)
	return sm, store, clock
}

// newTestServer returns a server that is not listening; sessions are added
// with admit and commands are fed straight to handleMessage
func newTestServer(t *testing.T) (*Server, *testClock) {
	t.Helper()

	config := DefaultConfig()
	config.HistoryDir = t.TempDir()

	srv, err := NewServer(config, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.store.Close() })

	clock := newTestClock()
	srv.sessions.SetClock(clock.Now)
	return srv, clock
}

// admit registers a mock session and clears its join output
func admit(t *testing.T, sm *SessionManager, name string) (SessionID, *mockConn) {
	t.Helper()
	conn := newMockConn()
	id := sm.Admit(conn, name, conn.addr, TransportTCP)
	conn.reset()
	return id, conn
}
