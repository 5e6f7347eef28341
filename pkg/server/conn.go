package server

import (
	"net"
	"strings"
	"sync"
)

// SafeConn serializes writes to a connection so broadcasts and direct
// replies never interleave. Close is idempotent.
type SafeConn struct {
	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps conn
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// Write implements io.Writer
func (c *SafeConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(b)
}

// Send writes text as one payload, adding a trailing newline if missing
func (c *SafeConn) Send(text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := c.Write([]byte(text))
	return err
}

// Close closes the underlying connection once
func (c *SafeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address
func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
