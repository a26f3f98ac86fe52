package relay

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/maychat/relay/internal/observability"
	"github.com/maychat/relay/internal/protocol"
	"github.com/maychat/relay/internal/transport"
)

// State is a session's position in its connection lifecycle.
type State int

const (
	// StateConnecting is the state of a session that has not started authenticating.
	StateConnecting State = iota
	// StatePendingAuth waits for valid credentials under the watchdog.
	StatePendingAuth
	// StateAuthenticated sessions hold a nickname and may be registered.
	StateAuthenticated
	// StateClosed is terminal.
	StateClosed
)

// String returns a lowercase name for logging.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePendingAuth:
		return "pending_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// outboxSize bounds the messages queued for one client. A client that falls
// further behind is disconnected.
const outboxSize = 256

// Session is the server side of one client connection.
//
// The serving goroutine owns the read side of the transport; a per-session
// writer goroutine owns the write side and drains the outbox. State
// transitions, enqueueing and transport shutdown share mu, so a watchdog
// close cannot interleave with a completing login.
type Session struct {
	id        string
	transport transport.Transport
	logger    *zap.Logger
	metrics   *observability.Metrics

	outbox     chan protocol.Message
	quit       chan struct{}
	writerDone chan struct{}
	queued     atomic.Int64

	mu       sync.Mutex
	state    State
	nickname string
	expired  bool
}

// newSession creates a session and starts its writer.
//
// Postcondition: The writer runs until the session is closed.
func newSession(id string, t transport.Transport, logger *zap.Logger, metrics *observability.Metrics) *Session {
	s := &Session{
		id:         id,
		transport:  t,
		logger:     logger,
		metrics:    metrics,
		outbox:     make(chan protocol.Message, outboxSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		state:      StateConnecting,
	}
	go s.writeLoop()
	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Nickname returns the authenticated nickname, or "" before authentication.
func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

// log returns the session logger, tagged with the nickname once known.
func (s *Session) log() *zap.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLocked()
}

func (s *Session) logLocked() *zap.Logger {
	if s.nickname == "" {
		return s.logger
	}
	return s.logger.With(zap.String("nickname", s.nickname))
}

// beginAuth moves a new session into StatePendingAuth.
//
// Postcondition: Returns false if the session was closed first.
func (s *Session) beginAuth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StatePendingAuth
	return true
}

// markAuthenticated completes login under nickname.
//
// Postcondition: Returns ErrSessionClosed if the session is no longer pending.
func (s *Session) markAuthenticated(nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePendingAuth {
		return ErrSessionClosed
	}
	s.state = StateAuthenticated
	s.nickname = nickname
	return nil
}

func (s *Session) setNickname(nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nickname = nickname
}

// expire closes the session only if it is still waiting for credentials.
//
// Postcondition: Returns true if this call closed the transport.
func (s *Session) expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePendingAuth {
		return false
	}
	s.expired = true
	s.closeLocked()
	return true
}

// authExpired reports whether the watchdog closed the session.
func (s *Session) authExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// Close shuts the transport down, unblocking the serving goroutine's read,
// and stops the writer. Queued messages are dropped. It is idempotent and
// safe to call from any goroutine.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	close(s.quit)
	_ = s.transport.Close()
}

// waitWriter blocks until the writer goroutine has exited.
//
// Precondition: The session must be closed, or waitWriter never returns.
func (s *Session) waitWriter() {
	<-s.writerDone
}

// idle reports whether every queued message has been written or dropped.
func (s *Session) idle() bool {
	return s.queued.Load() == 0 || s.State() == StateClosed
}

// send queues msg for the client without blocking. A client whose outbox is
// full is closed, so one stalled reader never holds up delivery to others.
//
// Postcondition: Returns ErrSessionClosed if the session is closed, or
// ErrOutboxFull if msg overflowed the outbox and the session was closed.
func (s *Session) send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.queued.Add(1)
	select {
	case s.outbox <- msg:
		return nil
	default:
		s.queued.Add(-1)
		s.metrics.DeliveryFailed()
		s.logLocked().Warn("outbound queue full, closing session",
			zap.String("kind", msg.Kind.String()),
			zap.Int("queued", outboxSize),
		)
		s.closeLocked()
		return ErrOutboxFull
	}
}

// writeLoop writes queued messages in order until the session closes. A
// failed write closes the session: a partial frame leaves the stream unusable.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.quit:
			return
		case msg := <-s.outbox:
			err := s.transport.WriteMessage(msg.Encode())
			s.queued.Add(-1)
			if err != nil {
				s.metrics.DeliveryFailed()
				s.log().Info("closing session after failed write",
					zap.String("kind", msg.Kind.String()),
					zap.Error(err),
				)
				s.Close()
				return
			}
			s.metrics.Delivered(msg.Kind.String())
		}
	}
}
