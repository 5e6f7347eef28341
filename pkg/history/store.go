// Package history persists room chat logs and pinned messages.
package history

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opticom/chat/pkg/protocol"
)

var (
	// ErrInvalidRoom indicates a room name that is not safe to persist under
	ErrInvalidRoom = errors.New("invalid room name")
	// ErrInvalidPinIndex indicates a pin index below 1
	ErrInvalidPinIndex = errors.New("pin index must be 1 or greater")
	// ErrPinNotFound indicates a pin index past the end of the room's pins
	ErrPinNotFound = errors.New("pin not found")
)

// Store defines the persistence operations used by the server.
// Lines are stored and returned without their trailing newline.
type Store interface {
	// Append adds one line to the room's chat log
	Append(room, line string) error
	// Replay writes the room's full chat log to w, one line per record
	Replay(room string, w io.Writer) error

	// AppendPin adds one line to the room's pin log
	AppendPin(room, line string) error
	// Pins returns the room's pins in insertion order
	Pins(room string) ([]string, error)
	// RemovePin deletes the pin at the 1-based index and returns it
	RemovePin(room string, index int) (string, error)

	// Rooms returns every room with a persisted chat log
	Rooms() ([]string, error)

	Close() error
}

// TimeFormat is the timestamp layout used in persisted lines
const TimeFormat = "15:04:05"

// Timestamp formats t as [HH:MM:SS]
func Timestamp(t time.Time) string {
	return "[" + t.Format(TimeFormat) + "]"
}

// FormatLine formats a chat record as "[HH:MM:SS] sender: body"
func FormatLine(t time.Time, sender, body string) string {
	return fmt.Sprintf("%s %s: %s", Timestamp(t), sender, body)
}

func checkRoom(room string) error {
	if !protocol.ValidRoomName(room) {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	return nil
}
