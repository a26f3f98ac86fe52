package relay

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/maychat/relay/internal/identity"
	"github.com/maychat/relay/internal/protocol"
	"github.com/maychat/relay/internal/transport"
)

const us = protocol.Delimiter

func TestRegistryAddSendsWelcomeBeforeRoster(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	s, ft := pendingSession(t, "s1")

	require.NoError(t, r.Add(s, "alice", protocol.AuthOK("login1", "alice")))

	assert.Equal(t, []string{
		"AUTH_OK" + us + "login1" + us + "alice",
		"LIST_USERS" + us + "ALL" + us + "alice",
	}, ft.messages())
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "alice", s.Nickname())
	assert.True(t, r.IsOnline("alice"))
}

func TestRegistryAddBroadcastsRosterToEveryone(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	_, alice := registered(t, r, "alice")
	_, bob := registered(t, r, "bob")

	want := "LIST_USERS" + us + "ALL" + us + "alice" + us + "bob"
	assert.Equal(t, want, alice.last())
	assert.Equal(t, want, bob.last())
}

func TestRegistryAddRejectsOnlineNickname(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	first, firstFT := registered(t, r, "alice")
	before := len(firstFT.messages())

	dup, dupFT := pendingSession(t, "dup")
	err := r.Add(dup, "alice")

	require.ErrorIs(t, err, ErrAlreadyOnline)
	assert.Equal(t, StatePendingAuth, dup.State())
	assert.Empty(t, dup.Nickname())
	assert.Empty(t, dupFT.messages())
	assert.Len(t, firstFT.messages(), before, "rejected login must not broadcast")
	assert.Equal(t, []string{"alice"}, r.Nicknames())

	// The rejected session leaving must not evict the holder.
	r.Remove(dup)
	assert.True(t, r.IsOnline("alice"))
	assert.Equal(t, StateAuthenticated, first.State())
}

func TestRegistryAddClosedSession(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	s, _ := pendingSession(t, "s1")
	s.Close()

	assert.ErrorIs(t, r.Add(s, "alice"), ErrSessionClosed)
	assert.False(t, r.IsOnline("alice"))
	assert.Zero(t, r.Len())
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	alice, _ := registered(t, r, "alice")
	_, bob := registered(t, r, "bob")

	r.Remove(alice)

	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, "LIST_USERS"+us+"ALL"+us+"bob", bob.last())
}

func TestRegistryRemoveUnregisteredStillBroadcasts(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	_, bob := registered(t, r, "bob")
	before := len(bob.messages())

	stranger, _ := pendingSession(t, "stranger")
	r.Remove(stranger)

	msgs := bob.messages()
	require.Len(t, msgs, before+1)
	assert.Equal(t, "LIST_USERS"+us+"ALL"+us+"bob", msgs[len(msgs)-1])
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemoveLastSession(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	alice, ft := registered(t, r, "alice")
	before := len(ft.messages())

	r.Remove(alice)

	assert.Zero(t, r.Len())
	assert.Len(t, ft.messages(), before, "removed session receives no roster")
	assert.Empty(t, r.Nicknames())
}

func TestRegistryRename(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	alice, aliceFT := registered(t, r, "alice")
	_, bobFT := registered(t, r, "bob")

	require.NoError(t, r.Rename(alice, "alice", "alice2"))

	want := "LIST_USERS" + us + "ALL" + us + "alice2" + us + "bob"
	assert.Equal(t, want, aliceFT.last())
	assert.Equal(t, want, bobFT.last())
	assert.Equal(t, "alice2", alice.Nickname())
	assert.False(t, r.IsOnline("alice"))
	assert.True(t, r.IsOnline("alice2"))
}

func TestRegistryRenameErrors(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	alice, _ := registered(t, r, "alice")
	bob, _ := registered(t, r, "bob")

	assert.ErrorIs(t, r.Rename(alice, "alice", "bob"), identity.ErrNameTaken)
	assert.ErrorIs(t, r.Rename(bob, "alice", "carol"), ErrSessionClosed)
	assert.Equal(t, []string{"alice", "bob"}, r.Nicknames())

	require.NoError(t, r.Rename(alice, "alice", "alice"))
	assert.Equal(t, []string{"alice", "bob"}, r.Nicknames())
}

func TestRegistryBroadcastIncludesSender(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	_, alice := registered(t, r, "alice")
	_, bob := registered(t, r, "bob")

	n := r.Broadcast("alice", "hello all")

	assert.Equal(t, 2, n)
	want := "BROADCAST_MESSAGE" + us + "[alice]: hello all"
	assert.Equal(t, want, alice.last())
	assert.Equal(t, want, bob.last())
}

func TestRegistryBroadcastSurvivesDeadTransport(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	const n = 5
	transports := make([]*fakeTransport, n)
	for i := range transports {
		_, transports[i] = registered(t, r, fmt.Sprintf("user%d", i))
	}
	transports[2].breakWrites()

	assert.Equal(t, n, r.Broadcast("user0", "ping"))

	want := "BROADCAST_MESSAGE" + us + "[user0]: ping"
	for i, ft := range transports {
		if i == 2 {
			assert.NotEqual(t, want, ft.last())
			assert.True(t, ft.isClosed(), "failed write closes the session")
			continue
		}
		assert.Equal(t, want, ft.last(), "user%d", i)
	}
}

func TestRegistryStalledReaderDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	_, aliceFT := registered(t, r, "alice")

	server, client := net.Pipe()
	defer client.Close()
	bob := testSession(t, "bob", transport.NewConn(server, 0, time.Hour))
	require.True(t, bob.beginAuth())
	require.NoError(t, r.Add(bob, "bob"), "client never reads its roster")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < outboxSize+10; i++ {
			r.Broadcast("alice", "tick")
			if i%64 == 0 {
				aliceFT.settle()
			}
		}
		r.IsOnline("alice")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registry blocked by a client that stopped reading")
	}
	assert.Equal(t, StateClosed, bob.State(), "overflowing client is disconnected")
	assert.Equal(t, "BROADCAST_MESSAGE"+us+"[alice]: tick", aliceFT.last())
}

func TestRegistryWriteTimeoutClosesSession(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	server, client := net.Pipe()
	defer client.Close()
	s := testSession(t, "bob", transport.NewConn(server, 0, 50*time.Millisecond))
	require.True(t, s.beginAuth())

	require.NoError(t, r.Add(s, "bob"))

	require.Eventually(t, func() bool { return s.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err, "transport is closed")
}

func TestRegistrySendPrivate(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	_, alice := registered(t, r, "alice")
	_, bob := registered(t, r, "bob")
	aliceBefore := len(alice.messages())

	require.NoError(t, r.SendPrivate("alice", "bob", "hi"))

	assert.Equal(t, "PRIVATE_MESSAGE"+us+"[alice]: hi", bob.last())
	assert.Len(t, alice.messages(), aliceBefore, "sender gets no copy")

	assert.ErrorIs(t, r.SendPrivate("alice", "carol", "hi"), ErrTargetNotFound)
}

func TestRegistryEscapesDelimiterInText(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	_, bob := registered(t, r, "bob")

	r.Broadcast("bob", "a"+us+"b")

	got := protocol.Parse(bob.last())
	assert.Equal(t, protocol.KindBroadcast, got.Kind)
	assert.Equal(t, []string{"[bob]: a" + us + "b"}, got.Args)
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)
	alice, aliceFT := registered(t, r, "alice")
	_, bobFT := registered(t, r, "bob")

	r.CloseAll()

	assert.True(t, aliceFT.isClosed())
	assert.True(t, bobFT.isClosed())
	assert.Equal(t, StateClosed, alice.State())
}

// Property: concurrent logins with distinct nicknames leave exactly one entry
// per nickname, and the final roster every session saw is the full set.
func TestPropertyConcurrentLoginsFinalRoster(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		names := rapid.SliceOfNDistinct(
			rapid.StringMatching(`[a-z]{1,8}`), 1, 12, rapid.ID[string],
		).Draw(rt, "names")

		r := NewRegistry(zaptest.NewLogger(t), nil)
		transports := make([]*fakeTransport, len(names))
		errs := make([]error, len(names))
		var wg sync.WaitGroup
		for i, name := range names {
			ft := newFakeTransport()
			transports[i] = ft
			s := testSession(t, name, ft)
			ft.attach(s)
			s.beginAuth()
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = r.Add(s, name)
			}()
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				rt.Fatalf("Add(%q): %v", names[i], err)
			}
		}

		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		want := protocol.Roster(sorted).Encode()
		if got := r.Nicknames(); fmt.Sprint(got) != fmt.Sprint(sorted) {
			rt.Fatalf("Nicknames() = %v, want %v", got, sorted)
		}
		for i, ft := range transports {
			if got := ft.last(); got != want {
				rt.Fatalf("%s last roster = %q, want %q", names[i], got, want)
			}
		}
	})
}

// Property: any sequence of add/remove/rename keeps the registry equal to a
// map model with one session per nickname.
func TestPropertyRegistryMatchesModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := NewRegistry(zaptest.NewLogger(t), nil)
		pool := []string{"a", "b", "c", "d"}
		model := map[string]*Session{}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			nick := rapid.SampledFrom(pool).Draw(rt, "nick")
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				s := testSession(t, "x", newFakeTransport())
				s.beginAuth()
				err := r.Add(s, nick)
				if _, held := model[nick]; held {
					if !errors.Is(err, ErrAlreadyOnline) {
						rt.Fatalf("Add(%q) on held nickname: %v", nick, err)
					}
				} else {
					if err != nil {
						rt.Fatalf("Add(%q): %v", nick, err)
					}
					model[nick] = s
				}
			case 1:
				if s, ok := model[nick]; ok {
					r.Remove(s)
					delete(model, nick)
				}
			case 2:
				s, ok := model[nick]
				if !ok {
					continue
				}
				to := rapid.SampledFrom(pool).Draw(rt, "to")
				err := r.Rename(s, nick, to)
				if _, held := model[to]; held && to != nick {
					if !errors.Is(err, identity.ErrNameTaken) {
						rt.Fatalf("Rename(%q->%q) onto held: %v", nick, to, err)
					}
					continue
				}
				if err != nil {
					rt.Fatalf("Rename(%q->%q): %v", nick, to, err)
				}
				delete(model, nick)
				model[to] = s
			}

			var keys []string
			for k, s := range model {
				keys = append(keys, k)
				if s.Nickname() != k {
					rt.Fatalf("session keyed %q reports nickname %q", k, s.Nickname())
				}
			}
			sort.Strings(keys)
			if got := r.Nicknames(); fmt.Sprint(got) != fmt.Sprint(keys) {
				rt.Fatalf("Nicknames() = %v, model %v", got, keys)
			}
		}
	})
}
