package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opticom/chat/pkg/protocol"
)

// ErrShutdownRequested is returned by ExecAdmin for the shutdown command.
// The caller owns the process and decides how to stop.
var ErrShutdownRequested = errors.New("shutdown requested")

const kickNotice = "[SERVER] You have been kicked."

// ExecAdmin runs one console command and returns the text to print
func (s *Server) ExecAdmin(cmd protocol.AdminCommand) (string, error) {
	switch cmd := cmd.(type) {
	case protocol.Kick:
		info, err := s.sessions.Kick(cmd.User, kickNotice)
		if err != nil {
			return "", fmt.Errorf("kick %s: %w", cmd.User, err)
		}
		s.logger.Info().Str("user", info.Username).Uint64("session", uint64(info.ID)).Msg("Kicked session")
		return fmt.Sprintf("Kicked %s (session %d)", info.Username, info.ID), nil

	case protocol.Say:
		delivered := s.sessions.Broadcast(Outbound{
			Room:    protocol.DefaultRoom,
			Line:    "[SERVER] " + cmd.Text,
			Persist: true,
		})
		return fmt.Sprintf("Sent to #%s (%d recipients)", protocol.DefaultRoom, delivered), nil

	case protocol.Slowmode:
		if cmd.Seconds < 0 || cmd.Seconds > protocol.MaxSlowmodeSeconds {
			return "", fmt.Errorf("slowmode seconds must be 0-%d, got %d", protocol.MaxSlowmodeSeconds, cmd.Seconds)
		}
		if !protocol.ValidRoomName(cmd.Room) {
			return "", fmt.Errorf("invalid room name %q", cmd.Room)
		}
		s.sessions.SetSlowmode(cmd.Room, time.Duration(cmd.Seconds)*time.Second)
		s.logger.Info().Str("room", cmd.Room).Int("seconds", cmd.Seconds).Msg("Slowmode changed")
		if cmd.Seconds == 0 {
			return fmt.Sprintf("Slowmode disabled in #%s", cmd.Room), nil
		}
		return fmt.Sprintf("Slowmode in #%s set to %ds", cmd.Room, cmd.Seconds), nil

	case protocol.ListSessions:
		sessions := s.sessions.Find(nil)
		if len(sessions) == 0 {
			return "No active sessions", nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d active session(s):\n", len(sessions))
		for _, info := range sessions {
			fmt.Fprintf(&b, "  %d\t%s\t%s\t#%s\t%s\n", info.ID, info.Username, info.Addr, info.Room, info.Transport)
		}
		return strings.TrimSuffix(b.String(), "\n"), nil

	case protocol.AdminHelp:
		return strings.TrimSuffix(protocol.AdminHelpText, "\n"), nil

	case protocol.Shutdown:
		return "", ErrShutdownRequested

	default:
		return "", fmt.Errorf("unhandled admin command %T", cmd)
	}
}
