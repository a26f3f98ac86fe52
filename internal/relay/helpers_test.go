package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/maychat/relay/internal/identity"
	"github.com/maychat/relay/internal/protocol"
	"github.com/maychat/relay/internal/transport"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeTransport is an in-memory Transport. Inbound messages are queued with
// push; outbound messages are recorded. Once attached to a session, reads of
// the record first wait for that session's outbox to drain.
type fakeTransport struct {
	session atomic.Pointer[Session]

	in        chan string
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	out        []string
	failWrites bool
	written    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:      make(chan string, 16),
		closed:  make(chan struct{}),
		written: make(chan struct{}, 256),
	}
}

// ReadMessage returns io.EOF once closed, as a peer hang-up would.
func (f *fakeTransport) ReadMessage() (string, error) {
	select {
	case <-f.closed:
		return "", io.EOF
	default:
	}
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.closed:
		return "", io.EOF
	}
}

func (f *fakeTransport) WriteMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errBrokenPipe
	}
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.out = append(f.out, text)
	select {
	case f.written <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "fake:0" }

func (f *fakeTransport) push(kind protocol.Kind, args ...string) {
	f.in <- protocol.New(kind, args...).Encode()
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) breakWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = true
}

func (f *fakeTransport) attach(s *Session) {
	f.session.Store(s)
}

// settle waits briefly for the attached session's queued writes to land.
func (f *fakeTransport) settle() {
	s := f.session.Load()
	if s == nil {
		return
	}
	deadline := time.Now().Add(2 * time.Second)
	for !s.idle() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeTransport) messages() []string {
	f.settle()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.out...)
}

func (f *fakeTransport) last() string {
	f.settle()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return ""
	}
	return f.out[len(f.out)-1]
}

// waitFor blocks until a recorded message equals want.
func (f *fakeTransport) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, msg := range f.messages() {
			if msg == want {
				return
			}
		}
		select {
		case <-f.written:
		case <-deadline:
			t.Fatalf("timed out waiting for %q; got %q", want, f.messages())
		}
	}
}

// testSession creates a session over t whose writer is stopped when the test ends.
func testSession(t *testing.T, id string, tr transport.Transport) *Session {
	t.Helper()
	s := newSession(id, tr, zaptest.NewLogger(t), nil)
	t.Cleanup(func() {
		s.Close()
		s.waitWriter()
	})
	return s
}

// pendingSession returns a session ready to be added to a registry.
func pendingSession(t *testing.T, id string) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	s := testSession(t, id, ft)
	ft.attach(s)
	if !s.beginAuth() {
		t.Fatal("beginAuth on a new session returned false")
	}
	return s, ft
}

// registered adds a session under nickname and fails the test on error.
func registered(t *testing.T, r *Registry, nickname string) (*Session, *fakeTransport) {
	t.Helper()
	s, ft := pendingSession(t, nickname)
	if err := r.Add(s, nickname); err != nil {
		t.Fatalf("Add(%q): %v", nickname, err)
	}
	return s, ft
}

// stubStore is a cheap identity.Store: every password is "pw" and logins map
// to nicknames.
type stubStore struct {
	mu      sync.Mutex
	byLogin map[string]string
	failing bool
}

var _ identity.Store = (*stubStore)(nil)

func newStubStore(loginToNick map[string]string) *stubStore {
	m := make(map[string]string, len(loginToNick))
	for k, v := range loginToNick {
		m[k] = v
	}
	return &stubStore{byLogin: m}
}

func (s *stubStore) Authenticate(_ context.Context, login, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return "", errors.New("connection refused")
	}
	nick, ok := s.byLogin[login]
	if !ok || password != "pw" {
		return "", identity.ErrInvalidCredentials
	}
	return nick, nil
}

func (s *stubStore) IsNicknameTaken(_ context.Context, nickname string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.byLogin {
		if n == nickname {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) Rename(_ context.Context, oldNickname, newNickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("connection refused")
	}
	var owner string
	for login, n := range s.byLogin {
		if n == newNickname && n != oldNickname {
			return identity.ErrNameTaken
		}
		if n == oldNickname {
			owner = login
		}
	}
	if owner == "" {
		return identity.ErrUserNotFound
	}
	s.byLogin[owner] = newNickname
	return nil
}

func (s *stubStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}
