package protocol

import (
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageSize is the largest payload taken from a single read
	MaxMessageSize = 1023

	// MaxUsernameSize is the largest username accepted during the handshake
	MaxUsernameSize = 63

	// DefaultUsername is used when the handshake payload is blank
	DefaultUsername = "Anonymous"
)

var (
	// ErrEmptyMessage is returned for payloads that are empty after trimming.
	// Callers drop these silently.
	ErrEmptyMessage = errors.New("empty message")
)

// Framer turns raw reads from a stream into logical messages.
// Format: one Read call is one message, trailing CR/LF removed.
type Framer struct {
	r   io.Reader
	buf []byte
}

// NewFramer creates a framer reading at most maxSize bytes per message.
// A non-positive maxSize falls back to MaxMessageSize.
func NewFramer(r io.Reader, maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = MaxMessageSize
	}
	return &Framer{
		r:   r,
		buf: make([]byte, maxSize),
	}
}

// ReadHandshake reads the username payload.
// A transport error is returned as-is; a blank name becomes DefaultUsername.
func (f *Framer) ReadHandshake() (string, error) {
	limit := MaxUsernameSize
	if limit > len(f.buf) {
		limit = len(f.buf)
	}

	n, err := f.r.Read(f.buf[:limit])
	if n == 0 && err == nil {
		err = io.ErrUnexpectedEOF
	}
	if n == 0 {
		return "", err
	}

	return NormalizeUsername(string(f.buf[:n])), nil
}

// Next reads the next logical message.
// Returns ErrEmptyMessage when the read carried nothing but line terminators.
func (f *Framer) Next() (string, error) {
	n, err := f.r.Read(f.buf)
	if n > 0 {
		body := TrimLine(string(f.buf[:n]))
		if body == "" {
			return "", ErrEmptyMessage
		}
		return body, nil
	}
	if err == nil {
		return "", ErrEmptyMessage
	}
	return "", err
}

// TrimLine strips trailing CR/LF and flattens interior line breaks so the
// body always persists as a single line.
func TrimLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if strings.ContainsAny(s, "\r\n") {
		s = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
	}
	return s
}

// NormalizeUsername trims line terminators, flattens interior line breaks,
// applies the default name, and truncates to MaxUsernameSize bytes without
// splitting a UTF-8 sequence. The result never contains CR or LF.
func NormalizeUsername(raw string) string {
	name := TrimLine(raw)
	if strings.TrimSpace(name) == "" {
		return DefaultUsername
	}
	if len(name) > MaxUsernameSize {
		name = name[:MaxUsernameSize]
		// drop a rune cut in half by the truncation
		for i := 0; i < utf8.UTFMax-1 && name != ""; i++ {
			r, size := utf8.DecodeLastRuneInString(name)
			if r != utf8.RuneError || size > 1 {
				break
			}
			name = name[:len(name)-1]
		}
	}
	if strings.TrimSpace(name) == "" {
		return DefaultUsername
	}
	return name
}
