package protocol

import (
	"net"
	"sync"
)

// CipherConn applies a repeating-key XOR to everything read from and written
// to the wrapped connection. Each direction keeps its own key position counted
// from the start of the connection, so the transform does not depend on how
// the stream is segmented.
//
// This is obfuscation only. It carries no confidentiality or authentication.
type CipherConn struct {
	net.Conn
	key []byte

	readMu  sync.Mutex
	readPos int

	writeMu  sync.Mutex
	writePos int
}

// NewCipherConn wraps conn. An empty key returns conn unchanged.
func NewCipherConn(conn net.Conn, key []byte) net.Conn {
	if len(key) == 0 {
		return conn
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &CipherConn{Conn: conn, key: k}
}

// Read implements net.Conn.Read
func (c *CipherConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	n, err := c.Conn.Read(b)
	c.readPos = XORBytes(b[:n], c.key, c.readPos)
	return n, err
}

// Write implements net.Conn.Write
func (c *CipherConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	out := make([]byte, len(b))
	copy(out, b)
	XORBytes(out, c.key, c.writePos)

	n, err := c.Conn.Write(out)
	// Only advance by what the peer actually received
	c.writePos = (c.writePos + n) % len(c.key)
	return n, err
}

// XORBytes transforms buf in place starting at key offset pos and returns the
// key offset following the last byte.
func XORBytes(buf, key []byte, pos int) int {
	if len(key) == 0 {
		return pos
	}
	for i := range buf {
		buf[i] ^= key[pos]
		pos++
		if pos == len(key) {
			pos = 0
		}
	}
	return pos
}
