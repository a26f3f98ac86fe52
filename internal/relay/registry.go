package relay

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/maychat/relay/internal/identity"
	"github.com/maychat/relay/internal/observability"
	"github.com/maychat/relay/internal/protocol"
)

// Registry is the directory of authenticated sessions keyed by nickname.
//
// A single mutex covers membership changes and every fan-out, so a roster is
// never built from a stale view and recipients observe rosters in the order
// the membership changes happened. Fan-out only enqueues onto each session's
// outbox; no network write happens under the lock.
type Registry struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil; metrics may be nil.
func NewRegistry(logger *zap.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Add authenticates s as nickname and registers it, then delivers welcome
// to s followed by a roster to every registered session.
//
// Precondition: s must be in StatePendingAuth.
// Postcondition: Returns ErrAlreadyOnline, leaving the registry and s unchanged,
// if nickname is held; ErrSessionClosed if s closed concurrently.
func (r *Registry) Add(s *Session, nickname string, welcome ...protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[nickname]; ok {
		return ErrAlreadyOnline
	}
	if err := s.markAuthenticated(nickname); err != nil {
		return err
	}
	r.sessions[nickname] = s
	r.metrics.SetAuthenticated(len(r.sessions))

	for _, msg := range welcome {
		_ = s.send(msg)
	}
	r.sendRosterLocked()
	return nil
}

// Remove deregisters s if it holds an entry, then broadcasts the roster.
// The broadcast happens even when s was never registered.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nickname := s.Nickname(); nickname != "" && r.sessions[nickname] == s {
		delete(r.sessions, nickname)
		r.metrics.SetAuthenticated(len(r.sessions))
	}
	r.sendRosterLocked()
}

// IsOnline reports whether nickname is registered.
func (r *Registry) IsOnline(nickname string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[nickname]
	return ok
}

// Rename re-keys s from oldNickname to newNickname and broadcasts the roster.
// It is called after the identity store has accepted the rename.
//
// Postcondition: Returns ErrSessionClosed if s no longer holds oldNickname,
// or identity.ErrNameTaken if another session holds newNickname.
func (r *Registry) Rename(s *Session, oldNickname, newNickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[oldNickname] != s {
		return ErrSessionClosed
	}
	if oldNickname == newNickname {
		r.sendRosterLocked()
		return nil
	}
	if _, ok := r.sessions[newNickname]; ok {
		return identity.ErrNameTaken
	}

	delete(r.sessions, oldNickname)
	r.sessions[newNickname] = s
	s.setNickname(newNickname)
	r.sendRosterLocked()
	return nil
}

// Broadcast delivers text from sender to every registered session, sender included.
//
// Postcondition: Returns the number of sessions the message was addressed to.
func (r *Registry) Broadcast(sender, text string) int {
	msg := protocol.BroadcastDelivery(sender, text)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		_ = s.send(msg)
	}
	r.metrics.BroadcastFanout(len(r.sessions))
	return len(r.sessions)
}

// SendPrivate delivers text from sender to target only.
//
// Postcondition: Returns ErrTargetNotFound if target is not registered.
func (r *Registry) SendPrivate(sender, target, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[target]
	if !ok {
		return ErrTargetNotFound
	}
	_ = s.send(protocol.PrivateDelivery(sender, text))
	return nil
}

// lookup returns the session registered under nickname, or nil.
func (r *Registry) lookup(nickname string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[nickname]
}

// Nicknames returns the registered nicknames in ascending order.
func (r *Registry) Nicknames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nicknamesLocked()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every registered session's transport. Entries are removed
// by their serving goroutines as their reads fail.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		s.Close()
	}
	if n := len(r.sessions); n > 0 {
		r.logger.Info("closed registered sessions", zap.Int("count", n))
	}
}

func (r *Registry) nicknamesLocked() []string {
	names := make([]string, 0, len(r.sessions))
	for nickname := range r.sessions {
		names = append(names, nickname)
	}
	sort.Strings(names)
	return names
}

// sendRosterLocked sends the current roster to every registered session.
//
// Precondition: r.mu must be held.
func (r *Registry) sendRosterLocked() {
	roster := protocol.Roster(r.nicknamesLocked())
	for _, s := range r.sessions {
		_ = s.send(roster)
	}
}
