package server

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/opticom/chat/pkg/history"
	"github.com/opticom/chat/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrUserNotFound indicates no connected session has the requested username
	ErrUserNotFound = errors.New("user not found")
	// ErrBlockedByRecipient indicates the recipient has blocked the sender
	ErrBlockedByRecipient = errors.New("recipient has blocked sender")
	// ErrSessionNotFound indicates the session is no longer registered
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoHistory indicates the manager was built without a history store
	ErrNoHistory = errors.New("history is not available")
)

// SessionID identifies a session for its whole lifetime. IDs are never reused.
type SessionID uint64

// Session represents an active client connection.
// All fields are guarded by the owning SessionManager's lock.
type Session struct {
	ID          SessionID
	Username    string
	Addr        string
	Room        string
	Transport   string
	ConnectedAt time.Time
	Conn        *SafeConn

	blocked map[string]struct{}

	// burst window
	windowStart time.Time
	windowCount int

	// last accepted chat message per room, for slowmode
	lastAccepted map[string]time.Time
}

// IsBlocking reports whether the session has blocked username
func (s *Session) IsBlocking(username string) bool {
	_, ok := s.blocked[username]
	return ok
}

// SessionInfo is a point-in-time copy of a session handed out by the manager
type SessionInfo struct {
	ID          SessionID
	Username    string
	Addr        string
	Room        string
	Transport   string
	ConnectedAt time.Time
	Blocked     []string
}

func (s *Session) info() SessionInfo {
	blocked := make([]string, 0, len(s.blocked))
	for name := range s.blocked {
		blocked = append(blocked, name)
	}
	sort.Strings(blocked)

	return SessionInfo{
		ID:          s.ID,
		Username:    s.Username,
		Addr:        s.Addr,
		Room:        s.Room,
		Transport:   s.Transport,
		ConnectedAt: s.ConnectedAt,
		Blocked:     blocked,
	}
}

// Outbound is one line fanned out to a room
type Outbound struct {
	Room     string
	SenderID SessionID // 0 for server-originated lines
	Sender   string    // username checked against block lists; empty for server lines
	Line     string    // without trailing newline
	Persist  bool      // append to the room's history in the same critical section
}

// SessionManager is the connection registry. One mutex guards every session,
// the slowmode table and the rate state, and is held across a whole broadcast
// so delivery order and persisted order match per room.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[SessionID]*Session
	// sessions removed by a failed delivery or a kick, kept until their
	// connection goroutine collects them with Unregister
	departed map[SessionID]*Session
	nextID   SessionID
	slowmode map[string]time.Duration

	store   history.Store
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
	burst   burstLimiter
}

// NewSessionManager creates a new session manager
func NewSessionManager(store history.Store, logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[SessionID]*Session),
		departed: make(map[SessionID]*Session),
		nextID:   1,
		slowmode: make(map[string]time.Duration),
		store:    store,
		logger:   logger,
		now:      time.Now,
		burst:    defaultBurstLimiter(),
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// SetClock replaces the time source used for rate limits and timestamps
func (sm *SessionManager) SetClock(now func() time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.now = now
}

// SetBurstLimit configures the per-session burst limiter
func (sm *SessionManager) SetBurstLimit(messages int, window time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.burst = newBurstLimiter(messages, window)
}

// Register adds a session in the default room and returns its ID
func (sm *SessionManager) Register(conn net.Conn, username, addr, transport string) SessionID {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.registerLocked(conn, username, addr, transport).ID
}

func (sm *SessionManager) registerLocked(conn net.Conn, username, addr, transport string) *Session {
	sess := &Session{
		ID:           sm.nextID,
		Username:     username,
		Addr:         addr,
		Room:         protocol.DefaultRoom,
		Transport:    transport,
		ConnectedAt:  sm.now(),
		Conn:         NewSafeConn(conn),
		blocked:      make(map[string]struct{}),
		lastAccepted: make(map[string]time.Time),
	}
	sm.nextID++
	sm.sessions[sess.ID] = sess

	sm.metrics.RecordSessionCreated()
	sm.metrics.RecordActiveSessions(len(sm.sessions))
	return sess
}

// Admit registers a session, replays the default room's history to it and
// announces it to the room, all in one critical section so no live message
// can slip in ahead of the replayed history.
func (sm *SessionManager) Admit(conn net.Conn, username, addr, transport string) SessionID {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess := sm.registerLocked(conn, username, addr, transport)
	sm.replayLocked(sess, sess.Room)
	sm.broadcastLocked(Outbound{
		Room:     sess.Room,
		SenderID: sess.ID,
		Sender:   sess.Username,
		Line:     history.Timestamp(sm.now()) + " " + sess.Username + " joined the chat",
		Persist:  true,
	})
	return sess.ID
}

// Unregister removes a session and closes its connection. It returns the
// session's final state. A session already dropped by a failed delivery or
// kick is still returned once; later calls return false.
func (sm *SessionManager) Unregister(id SessionID) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
		sm.metrics.RecordActiveSessions(len(sm.sessions))
	} else if sess, ok = sm.departed[id]; ok {
		delete(sm.departed, id)
	} else {
		return SessionInfo{}, false
	}

	sess.Conn.Close()
	sm.metrics.RecordSessionDisconnected()
	return sess.info(), true
}

// AnnounceLeave broadcasts and persists the leave notice for a session
// returned by Unregister
func (sm *SessionManager) AnnounceLeave(info SessionInfo) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.broadcastLocked(Outbound{
		Room:     info.Room,
		SenderID: info.ID,
		Sender:   info.Username,
		Line:     history.Timestamp(sm.now()) + " " + info.Username + " left the chat",
		Persist:  true,
	})
}

// removeLocked drops a session from the live set and closes it; its final
// state is parked until Unregister collects it
func (sm *SessionManager) removeLocked(sess *Session) {
	delete(sm.sessions, sess.ID)
	sm.departed[sess.ID] = sess
	sess.Conn.Close()
	sm.metrics.RecordActiveSessions(len(sm.sessions))
}

// Get returns a snapshot of one session
func (sm *SessionManager) Get(id SessionID) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

// Find returns snapshots of every session matching pred, ordered by ID.
// A nil pred matches all sessions.
func (sm *SessionManager) Find(pred func(SessionInfo) bool) []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, sess := range sm.sortedLocked() {
		info := sess.info()
		if pred == nil || pred(info) {
			out = append(out, info)
		}
	}
	return out
}

// Mutate applies fn to exactly one session under the lock.
// Returns false if the session is not registered.
func (sm *SessionManager) Mutate(id SessionID, fn func(*Session)) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[id]
	if !ok {
		return false
	}
	fn(sess)
	return true
}

// Reply sends text to one session outside the registry lock. A failed write
// closes the connection so its read loop tears the session down.
func (sm *SessionManager) Reply(id SessionID, text string) error {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := sess.Conn.Send(text); err != nil {
		sess.Conn.Close()
		return err
	}
	return nil
}

// Broadcast persists (when requested) and delivers a line to every session in
// the room except the sender and sessions that blocked the sender. Sessions
// whose write fails are removed. Returns the number of deliveries.
func (sm *SessionManager) Broadcast(out Outbound) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.broadcastLocked(out)
}

func (sm *SessionManager) broadcastLocked(out Outbound) int {
	start := time.Now()

	if out.Persist && sm.store != nil {
		if err := sm.store.Append(out.Room, out.Line); err != nil {
			sm.logger.Error().Err(err).Str("room", out.Room).Msg("Failed to persist message")
		}
	}

	payload := []byte(out.Line + "\n")
	delivered := 0
	for _, sess := range sm.sortedLocked() {
		if sess.Room != out.Room || sess.ID == out.SenderID {
			continue
		}
		if out.Sender != "" && sess.IsBlocking(out.Sender) {
			continue
		}

		if _, err := sess.Conn.Write(payload); err != nil {
			sm.logger.Debug().Err(err).Uint64("session", uint64(sess.ID)).Msg("Broadcast write failed, dropping session")
			sm.removeLocked(sess)
			sm.metrics.RecordDeadPeer()
			continue
		}
		delivered++
	}

	sm.metrics.RecordMessageBroadcast()
	sm.metrics.RecordBroadcastFanout(delivered)
	sm.metrics.RecordBroadcastDuration(time.Since(start).Seconds())
	return delivered
}

func (sm *SessionManager) replayLocked(sess *Session, room string) {
	if sm.store == nil {
		return
	}
	if err := sm.store.Replay(room, sess.Conn); err != nil {
		sm.logger.Warn().Err(err).Uint64("session", uint64(sess.ID)).Str("room", room).Msg("History replay failed")
	}
}

// Join moves a session to room. It announces the departure in the old room,
// switches rooms, replays the new room's history to the session and announces
// the arrival, all in one critical section. Returns false if the session was
// already in room.
func (sm *SessionManager) Join(id SessionID, room string) (bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if sess.Room == room {
		return false, nil
	}

	now := sm.now()
	sm.broadcastLocked(Outbound{
		Room:     sess.Room,
		SenderID: sess.ID,
		Sender:   sess.Username,
		Line:     history.Timestamp(now) + " " + sess.Username + " left the room",
		Persist:  true,
	})

	sess.Room = room
	if err := sess.Conn.Send("You joined #" + room); err != nil {
		sm.removeLocked(sess)
		return true, err
	}
	sm.replayLocked(sess, room)

	sm.broadcastLocked(Outbound{
		Room:     room,
		SenderID: sess.ID,
		Sender:   sess.Username,
		Line:     history.Timestamp(now) + " " + sess.Username + " joined the room",
		Persist:  true,
	})
	return true, nil
}

// Post runs a chat message through slowmode and the burst limiter and, if
// accepted, persists and broadcasts it to the sender's room.
func (sm *SessionManager) Post(id SessionID, body string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	now := sm.now()
	if err := sm.admitMessageLocked(sess, now); err != nil {
		sm.metrics.RecordRejection(err)
		return err
	}

	sm.broadcastLocked(Outbound{
		Room:     sess.Room,
		SenderID: sess.ID,
		Sender:   sess.Username,
		Line:     history.FormatLine(now, sess.Username, body),
		Persist:  true,
	})
	return nil
}

// Pin stores text as a pin of the session's current room and tells the rest
// of the room about it. Returns the room the pin went to.
func (sm *SessionManager) Pin(id SessionID, text string) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[id]
	if !ok {
		return "", ErrSessionNotFound
	}
	if sm.store == nil {
		return "", ErrNoHistory
	}

	now := sm.now()
	if err := sm.store.AppendPin(sess.Room, history.FormatLine(now, sess.Username, text)); err != nil {
		return "", err
	}

	sm.broadcastLocked(Outbound{
		Room:     sess.Room,
		SenderID: sess.ID,
		Sender:   sess.Username,
		Line:     history.Timestamp(now) + " " + sess.Username + " pinned a message",
	})
	return sess.Room, nil
}

// SendPrivate delivers body to the first session named to.
// Returns ErrUserNotFound or ErrBlockedByRecipient without delivering.
func (sm *SessionManager) SendPrivate(from SessionID, to, body string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sender, ok := sm.sessions[from]
	if !ok {
		return ErrSessionNotFound
	}

	var recipient *Session
	for _, sess := range sm.sortedLocked() {
		if sess.Username == to {
			recipient = sess
			break
		}
	}
	if recipient == nil {
		return ErrUserNotFound
	}
	if recipient.IsBlocking(sender.Username) {
		return ErrBlockedByRecipient
	}

	line := history.Timestamp(sm.now()) + " [PM from " + sender.Username + "]: " + body
	if err := recipient.Conn.Send(line); err != nil {
		sm.removeLocked(recipient)
		sm.metrics.RecordDeadPeer()
		return ErrUserNotFound
	}
	return nil
}

// Kick sends a notice to the first session named username and drops it.
// The leave notice is emitted by the session's own connection goroutine.
func (sm *SessionManager) Kick(username, notice string) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sortedLocked() {
		if sess.Username != username {
			continue
		}
		sess.Conn.Send(notice)
		info := sess.info()
		sm.removeLocked(sess)
		return info, nil
	}
	return SessionInfo{}, ErrUserNotFound
}

// RoomCounts returns member counts per room
func (sm *SessionManager) RoomCounts() map[string]int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	counts := make(map[string]int)
	for _, sess := range sm.sessions {
		counts[sess.Room]++
	}
	return counts
}

// CountOnlineUsers returns the number of currently connected sessions
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return len(sm.sessions)
}

// CloseAll closes every session's connection. Connection goroutines then
// unregister their sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}
}

func (sm *SessionManager) sortedLocked() []*Session {
	out := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
