package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opticom/chat/pkg/history"
	"github.com/opticom/chat/pkg/protocol"
	"github.com/rs/zerolog"
)

// handleMessage parses one message from a session and dispatches it
func (s *Server) handleMessage(id SessionID, body string, log zerolog.Logger) {
	cmd, err := protocol.ParseCommand(body)
	if err != nil {
		s.metrics.RecordMessageReceived("invalid")
		var usageErr *protocol.UsageError
		if errors.As(err, &usageErr) {
			err = s.reply(id, usageErr.Usage)
		}
		if err != nil {
			log.Debug().Err(err).Msg("Reply failed")
		}
		return
	}

	s.metrics.RecordMessageReceived(commandKind(cmd))

	switch cmd := cmd.(type) {
	case protocol.Chat:
		err = s.handleChat(id, cmd)
	case protocol.ListUsers:
		err = s.handleListUsers(id)
	case protocol.ListRooms:
		err = s.handleListRooms(id, log)
	case protocol.Join:
		err = s.handleJoin(id, cmd, log)
	case protocol.PrivateMessage:
		err = s.handlePrivateMessage(id, cmd)
	case protocol.Block:
		err = s.handleBlock(id, cmd)
	case protocol.Unblock:
		err = s.handleUnblock(id, cmd)
	case protocol.BlockList:
		err = s.handleBlockList(id)
	case protocol.Pin:
		err = s.handlePin(id, cmd, log)
	case protocol.ListPins:
		err = s.handleListPins(id, log)
	case protocol.Unpin:
		err = s.handleUnpin(id, cmd, log)
	case protocol.Help:
		err = s.reply(id, protocol.HelpText)
	default:
		err = fmt.Errorf("unhandled command %T", cmd)
	}

	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.Debug().Err(err).Msg("Command failed")
	}
}

func (s *Server) reply(id SessionID, text string) error {
	return s.sessions.Reply(id, text)
}

func commandKind(cmd protocol.Command) string {
	switch cmd.(type) {
	case protocol.Chat:
		return "chat"
	case protocol.PrivateMessage:
		return "pm"
	case protocol.Join:
		return "join"
	case protocol.Pin, protocol.ListPins, protocol.Unpin:
		return "pin"
	case protocol.Block, protocol.Unblock, protocol.BlockList:
		return "block"
	default:
		return "query"
	}
}

// handleChat runs a chat line through slowmode and the burst limiter
func (s *Server) handleChat(id SessionID, cmd protocol.Chat) error {
	err := s.sessions.Post(id, cmd.Body)

	var slow *SlowmodeError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRateLimited):
		return s.reply(id, "You are sending messages too fast. Slow down.")
	case errors.As(err, &slow):
		return s.reply(id, fmt.Sprintf("Slowmode is on in #%s. Wait %ds before sending again.", slow.Room, slow.Seconds()))
	default:
		return err
	}
}

// handleListUsers replies with every online session and its room
func (s *Server) handleListUsers(id SessionID) error {
	var b strings.Builder
	b.WriteString("Online users:\n")
	for _, info := range s.sessions.Find(nil) {
		fmt.Fprintf(&b, " - %s (%s)\n", info.Username, info.Room)
	}
	return s.reply(id, b.String())
}

// handleListRooms replies with member counts for occupied rooms and rooms
// that have history
func (s *Server) handleListRooms(id SessionID, log zerolog.Logger) error {
	counts := s.sessions.RoomCounts()

	stored, err := s.store.Rooms()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list stored rooms")
	}
	for _, room := range stored {
		if _, ok := counts[room]; !ok {
			counts[room] = 0
		}
	}

	rooms := make([]string, 0, len(counts))
	for room := range counts {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	var b strings.Builder
	b.WriteString("Rooms:\n")
	for _, room := range rooms {
		fmt.Fprintf(&b, " - #%s (%d online)\n", room, counts[room])
	}
	return s.reply(id, b.String())
}

// handleJoin moves the session to another room
func (s *Server) handleJoin(id SessionID, cmd protocol.Join, log zerolog.Logger) error {
	changed, err := s.sessions.Join(id, cmd.Room)
	if err != nil {
		return err
	}
	if !changed {
		return s.reply(id, fmt.Sprintf("You are already in #%s", cmd.Room))
	}
	log.Debug().Str("room", cmd.Room).Msg("Joined room")
	return nil
}

// handlePrivateMessage delivers a direct message and echoes it to the sender
func (s *Server) handlePrivateMessage(id SessionID, cmd protocol.PrivateMessage) error {
	err := s.sessions.SendPrivate(id, cmd.To, cmd.Body)
	switch {
	case err == nil:
		return s.reply(id, fmt.Sprintf("[PM to %s]: %s", cmd.To, cmd.Body))
	case errors.Is(err, ErrUserNotFound):
		return s.reply(id, fmt.Sprintf("%s is not online.", cmd.To))
	case errors.Is(err, ErrBlockedByRecipient):
		return s.reply(id, fmt.Sprintf("%s is not accepting messages from you.", cmd.To))
	default:
		return err
	}
}

// handleBlock adds a user to the session's block list
func (s *Server) handleBlock(id SessionID, cmd protocol.Block) error {
	var msg string
	ok := s.sessions.Mutate(id, func(sess *Session) {
		switch {
		case cmd.User == sess.Username:
			msg = "You cannot block yourself."
		case sess.IsBlocking(cmd.User):
			msg = fmt.Sprintf("%s is already blocked.", cmd.User)
		default:
			sess.blocked[cmd.User] = struct{}{}
			msg = fmt.Sprintf("Blocked %s. You will no longer see their messages.", cmd.User)
		}
	})
	if !ok {
		return ErrSessionNotFound
	}
	return s.reply(id, msg)
}

// handleUnblock removes a user from the session's block list
func (s *Server) handleUnblock(id SessionID, cmd protocol.Unblock) error {
	var msg string
	ok := s.sessions.Mutate(id, func(sess *Session) {
		if !sess.IsBlocking(cmd.User) {
			msg = fmt.Sprintf("%s is not blocked.", cmd.User)
			return
		}
		delete(sess.blocked, cmd.User)
		msg = fmt.Sprintf("Unblocked %s.", cmd.User)
	})
	if !ok {
		return ErrSessionNotFound
	}
	return s.reply(id, msg)
}

// handleBlockList replies with the sorted block list
func (s *Server) handleBlockList(id SessionID) error {
	info, ok := s.sessions.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if len(info.Blocked) == 0 {
		return s.reply(id, "You have not blocked anyone.")
	}

	var b strings.Builder
	b.WriteString("Blocked users:\n")
	for _, name := range info.Blocked {
		fmt.Fprintf(&b, " - %s\n", name)
	}
	return s.reply(id, b.String())
}

// handlePin pins a message in the session's room
func (s *Server) handlePin(id SessionID, cmd protocol.Pin, log zerolog.Logger) error {
	room, err := s.sessions.Pin(id, cmd.Text)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		log.Error().Err(err).Msg("Failed to store pin")
		return s.reply(id, "Could not pin the message. Please try again.")
	}
	return s.reply(id, fmt.Sprintf("Pinned message in #%s.", room))
}

// handleListPins replies with the room's pins, numbered from 1
func (s *Server) handleListPins(id SessionID, log zerolog.Logger) error {
	info, ok := s.sessions.Get(id)
	if !ok {
		return ErrSessionNotFound
	}

	pins, err := s.store.Pins(info.Room)
	if err != nil {
		log.Error().Err(err).Str("room", info.Room).Msg("Failed to read pins")
		return s.reply(id, "Could not read pins. Please try again.")
	}
	if len(pins) == 0 {
		return s.reply(id, "No pins yet.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pinned messages in #%s:\n", info.Room)
	for i, pin := range pins {
		fmt.Fprintf(&b, "%d. %s\n", i+1, pin)
	}
	return s.reply(id, b.String())
}

// handleUnpin removes one pin from the session's room
func (s *Server) handleUnpin(id SessionID, cmd protocol.Unpin, log zerolog.Logger) error {
	info, ok := s.sessions.Get(id)
	if !ok {
		return ErrSessionNotFound
	}

	removed, err := s.store.RemovePin(info.Room, cmd.Index)
	switch {
	case err == nil:
		return s.reply(id, "Unpinned: "+removed)
	case errors.Is(err, history.ErrPinNotFound), errors.Is(err, history.ErrInvalidPinIndex):
		return s.reply(id, fmt.Sprintf("Invalid pin index: #%s has no pin %d.", info.Room, cmd.Index))
	default:
		log.Error().Err(err).Str("room", info.Room).Msg("Failed to remove pin")
		return s.reply(id, "Could not remove the pin. Please try again.")
	}
}
