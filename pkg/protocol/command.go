package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultRoom is the room every session starts in
const DefaultRoom = "general"

var roomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// ValidRoomName reports whether name can be used as a room (and as a file name).
func ValidRoomName(name string) bool {
	return roomNameRegex.MatchString(name)
}

// UsageError is returned when a command is recognized but its arguments are
// missing or malformed. Usage is shown to the issuer verbatim.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string {
	return e.Usage
}

func usage(text string) *UsageError {
	return &UsageError{Usage: text}
}

// Command is one parsed line from a client.
// Every input parses to exactly one of the types below; Chat is the fallback.
type Command interface {
	command()
}

type (
	// Chat is a plain room message
	Chat struct{ Body string }
	// ListUsers is /list
	ListUsers struct{}
	// ListRooms is /rooms
	ListRooms struct{}
	// Join is /join <room>
	Join struct{ Room string }
	// PrivateMessage is /pm <user> <msg>
	PrivateMessage struct{ To, Body string }
	// Block is /block <user>
	Block struct{ User string }
	// Unblock is /unblock <user>
	Unblock struct{ User string }
	// BlockList is /blocklist
	BlockList struct{}
	// Pin is /pin <text>
	Pin struct{ Text string }
	// ListPins is /pins
	ListPins struct{}
	// Unpin is /unpin <index>, Index is 1-based
	Unpin struct{ Index int }
	// Help is /help
	Help struct{}
)

func (Chat) command()           {}
func (ListUsers) command()      {}
func (ListRooms) command()      {}
func (Join) command()           {}
func (PrivateMessage) command() {}
func (Block) command()          {}
func (Unblock) command()        {}
func (BlockList) command()      {}
func (Pin) command()            {}
func (ListPins) command()       {}
func (Unpin) command()          {}
func (Help) command()           {}

// HelpText lists the client commands
const HelpText = `Available commands:
/list                 - Show online users and their rooms
/rooms                - Show rooms and member counts
/join <room>          - Switch to a room (default: general)
/pm <user> <message>  - Send a private message
/block <user>         - Stop receiving messages from a user
/unblock <user>       - Receive messages from a user again
/blocklist            - Show blocked users
/pin <text>           - Pin a message in the current room
/pins                 - Show pinned messages
/unpin <index>        - Remove a pinned message
/help                 - Show this help
`

// ParseCommand parses a trimmed message body.
// Unrecognized input, including unknown slash words, is returned as Chat.
func ParseCommand(body string) (Command, error) {
	if !strings.HasPrefix(body, "/") {
		return Chat{Body: body}, nil
	}

	name, rest, _ := strings.Cut(body, " ")
	arg := strings.TrimSpace(rest)

	switch name {
	case "/list":
		return ListUsers{}, nil
	case "/rooms":
		return ListRooms{}, nil
	case "/join":
		if arg == "" {
			return Join{Room: DefaultRoom}, nil
		}
		if !ValidRoomName(arg) {
			return nil, usage("Usage: /join <room> (letters, digits, - and _, up to 32 characters)")
		}
		return Join{Room: arg}, nil
	case "/pm":
		to, msg, ok := strings.Cut(arg, " ")
		msg = strings.TrimSpace(msg)
		if !ok || to == "" || msg == "" {
			return nil, usage("Usage: /pm <user> <message>")
		}
		return PrivateMessage{To: to, Body: msg}, nil
	case "/block":
		if arg == "" {
			return nil, usage("Usage: /block <user>")
		}
		return Block{User: arg}, nil
	case "/unblock":
		if arg == "" {
			return nil, usage("Usage: /unblock <user>")
		}
		return Unblock{User: arg}, nil
	case "/blocklist":
		return BlockList{}, nil
	case "/pin":
		if arg == "" {
			return nil, usage("Usage: /pin <text>")
		}
		return Pin{Text: arg}, nil
	case "/pins":
		return ListPins{}, nil
	case "/unpin":
		index, err := strconv.Atoi(arg)
		if err != nil {
			return nil, usage("Usage: /unpin <index>")
		}
		if index <= 0 {
			return nil, usage("Invalid pin index: must be 1 or greater")
		}
		return Unpin{Index: index}, nil
	case "/help":
		return Help{}, nil
	default:
		return Chat{Body: body}, nil
	}
}
