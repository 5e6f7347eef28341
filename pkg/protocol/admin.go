package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownAdminCommand is returned for console input that names no command
var ErrUnknownAdminCommand = errors.New("unknown command, type help for available commands")

// MaxSlowmodeSeconds is the longest slowmode interval a room can have
const MaxSlowmodeSeconds = 24 * 60 * 60

// AdminCommand is one parsed line from the out-of-band control console
type AdminCommand interface {
	adminCommand()
}

type (
	// Kick disconnects the first session named User
	Kick struct{ User string }
	// Say broadcasts Text to the default room as the server
	Say struct{ Text string }
	// Slowmode sets the minimum seconds between messages in Room; 0 disables
	Slowmode struct {
		Room    string
		Seconds int
	}
	// ListSessions prints every session
	ListSessions struct{}
	// AdminHelp prints the console commands
	AdminHelp struct{}
	// Shutdown stops the server
	Shutdown struct{}
)

func (Kick) adminCommand()         {}
func (Say) adminCommand()          {}
func (Slowmode) adminCommand()     {}
func (ListSessions) adminCommand() {}
func (AdminHelp) adminCommand()    {}
func (Shutdown) adminCommand()     {}

// AdminHelpText lists the console commands
const AdminHelpText = `Admin commands:
kick <user>               - Disconnect a user
say <text>                - Broadcast to #general as [SERVER]
slowmode <room> <seconds> - Set slowmode for a room (0 disables)
list                      - List connected sessions
help                      - Show this help
shutdown                  - Stop the server
`

// ParseAdminCommand parses one console line
func ParseAdminCommand(line string) (AdminCommand, error) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	arg := strings.TrimSpace(rest)

	switch name {
	case "kick":
		if arg == "" {
			return nil, usage("usage: kick <user>")
		}
		return Kick{User: arg}, nil
	case "say":
		if arg == "" {
			return nil, usage("usage: say <text>")
		}
		return Say{Text: arg}, nil
	case "slowmode":
		fields := strings.Fields(arg)
		if len(fields) != 2 || !ValidRoomName(fields[0]) {
			return nil, usage("usage: slowmode <room> <seconds>")
		}
		seconds, err := strconv.Atoi(fields[1])
		if err != nil || seconds < 0 || seconds > MaxSlowmodeSeconds {
			return nil, usage(fmt.Sprintf("usage: slowmode <room> <seconds> (seconds must be 0-%d)", MaxSlowmodeSeconds))
		}
		return Slowmode{Room: fields[0], Seconds: seconds}, nil
	case "list":
		return ListSessions{}, nil
	case "help":
		return AdminHelp{}, nil
	case "shutdown", "quit", "exit":
		return Shutdown{}, nil
	default:
		return nil, ErrUnknownAdminCommand
	}
}
