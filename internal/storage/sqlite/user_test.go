package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/maychat/relay/internal/identity"
)

func openTemp(t *testing.T) *UserRepository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	repo, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, repo.CreateUser(context.Background(), "login1", "pass1", "alice"))
	require.NoError(t, repo.Close())

	repo, err = Open(path)
	require.NoError(t, err)
	defer repo.Close()

	nick, err := repo.Authenticate(context.Background(), "login1", "pass1")
	require.NoError(t, err)
	assert.Equal(t, "alice", nick)
}

func TestHealth(t *testing.T) {
	repo := openTemp(t)
	require.NoError(t, repo.Health(context.Background(), time.Second))

	require.NoError(t, repo.Close())
	assert.Error(t, repo.Health(context.Background(), time.Second))
}

func TestAuthenticate(t *testing.T) {
	repo := openTemp(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, "login1", "pass1", "alice"))

	nick, err := repo.Authenticate(ctx, "login1", "pass1")
	require.NoError(t, err)
	assert.Equal(t, "alice", nick)

	_, err = repo.Authenticate(ctx, "login1", "nope")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = repo.Authenticate(ctx, "ghost", "pass1")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestCreateDuplicates(t *testing.T) {
	repo := openTemp(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, "login1", "pass1", "alice"))

	assert.ErrorIs(t, repo.CreateUser(ctx, "login1", "x", "carol"), identity.ErrUserExists)
	assert.ErrorIs(t, repo.CreateUser(ctx, "login2", "x", "alice"), identity.ErrNameTaken)
}

func TestRename(t *testing.T) {
	repo := openTemp(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, "login1", "pass1", "alice"))
	require.NoError(t, repo.CreateUser(ctx, "login2", "pass2", "bob"))

	assert.ErrorIs(t, repo.Rename(ctx, "alice", "bob"), identity.ErrNameTaken)
	assert.ErrorIs(t, repo.Rename(ctx, "ghost", "x"), identity.ErrUserNotFound)
	require.NoError(t, repo.Rename(ctx, "alice", "alice2"))

	taken, err := repo.IsNicknameTaken(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, taken)

	nick, err := repo.Authenticate(ctx, "login1", "pass1")
	require.NoError(t, err)
	assert.Equal(t, "alice2", nick)
}

func TestChangePasswordAndDelete(t *testing.T) {
	repo := openTemp(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, "login1", "old", "alice"))

	assert.ErrorIs(t, repo.ChangePassword(ctx, "login1", "bad", "new"), identity.ErrInvalidCredentials)
	require.NoError(t, repo.ChangePassword(ctx, "login1", "old", "new"))

	assert.ErrorIs(t, repo.DeleteUser(ctx, "login1", "old"), identity.ErrInvalidCredentials)
	require.NoError(t, repo.DeleteUser(ctx, "login1", "new"))

	taken, err := repo.IsNicknameTaken(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, taken)
}

// Property: Rename agrees with a set model of held nicknames, so no nickname is ever held twice.
func TestPropertyRenameMatchesModel(t *testing.T) {
	repo := openTemp(t)
	ctx := context.Background()
	held := map[string]bool{"n0": true, "n1": true, "n2": true}
	for i, nick := range []string{"n0", "n1", "n2"} {
		require.NoError(t, repo.CreateUser(ctx, []string{"l0", "l1", "l2"}[i], "pw", nick))
	}
	pool := []string{"n0", "n1", "n2", "n3", "n4"}

	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(pool).Draw(t, "from")
		to := rapid.SampledFrom(pool).Draw(t, "to")
		err := repo.Rename(ctx, from, to)

		switch {
		case !held[from]:
			if !errors.Is(err, identity.ErrUserNotFound) {
				t.Fatalf("rename of unheld %q: want ErrUserNotFound, got %v", from, err)
			}
		case held[to] && to != from:
			if !errors.Is(err, identity.ErrNameTaken) {
				t.Fatalf("rename %q -> held %q: want ErrNameTaken, got %v", from, to, err)
			}
		default:
			if err != nil {
				t.Fatalf("rename %q -> %q: %v", from, to, err)
			}
			delete(held, from)
			held[to] = true
		}

		for _, nick := range pool {
			taken, err := repo.IsNicknameTaken(ctx, nick)
			if err != nil {
				t.Fatalf("IsNicknameTaken(%q): %v", nick, err)
			}
			if taken != held[nick] {
				t.Fatalf("nickname %q: store says %v, model says %v", nick, taken, held[nick])
			}
		}
	})
}
