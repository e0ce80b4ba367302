package core

// Session is the per-connection record owned by the gateway. Handlers receive
// it by reference; no state is attached to the raw socket.
type Session struct {
	ID       string
	UserID   int64
	Nickname string
	Events   chan *Event
}

// NewSession constructs a session with an initialized event queue.
func NewSession(id string, userID int64, nickname string) *Session {
	return &Session{
		ID:       id,
		UserID:   userID,
		Nickname: nickname,
		Events:   make(chan *Event, 32),
	}
}

// send queues an event for the session's write loop.
func (s *Session) send(ev *Event) {
	select {
	case s.Events <- ev:
	default:
		// Drop if slow consumer.
	}
}
