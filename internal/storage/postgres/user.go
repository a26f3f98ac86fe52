package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maychat/relay/internal/identity"
)

const (
	uniqueViolation  = "23505"
	usersNicknameKey = "users_nickname_key"
)

// UserRepository implements identity.Store and identity.Admin on the users table.
type UserRepository struct {
	db *pgxpool.Pool
}

var (
	_ identity.Store = (*UserRepository)(nil)
	_ identity.Admin = (*UserRepository)(nil)
)

// NewUserRepository creates a UserRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// CreateUser inserts a new account with a bcrypt-hashed password.
//
// Precondition: login, password and nickname must be non-empty.
// Postcondition: Returns identity.ErrUserExists or identity.ErrNameTaken on a
// unique violation of the respective column.
func (r *UserRepository) CreateUser(ctx context.Context, login, password, nickname string) error {
	hash, err := identity.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO users (login, password_hash, nickname) VALUES ($1, $2, $3)`,
		login, hash, nickname,
	)
	if err != nil {
		if c, ok := uniqueConstraint(err); ok {
			if c == usersNicknameKey {
				return identity.ErrNameTaken
			}
			return identity.ErrUserExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// Authenticate verifies credentials and returns the account's nickname.
//
// Postcondition: Returns the nickname, or identity.ErrInvalidCredentials when
// the login is unknown or the password does not match.
func (r *UserRepository) Authenticate(ctx context.Context, login, password string) (string, error) {
	var hash, nickname string
	err := r.db.QueryRow(ctx,
		`SELECT password_hash, nickname FROM users WHERE login = $1`,
		login,
	).Scan(&hash, &nickname)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", identity.ErrInvalidCredentials
		}
		return "", fmt.Errorf("querying user: %w", err)
	}

	if !identity.CheckPassword(password, hash) {
		return "", identity.ErrInvalidCredentials
	}
	return nickname, nil
}

// IsNicknameTaken reports whether any account holds nickname.
func (r *UserRepository) IsNicknameTaken(ctx context.Context, nickname string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE nickname = $1)`,
		nickname,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying nickname: %w", err)
	}
	return exists, nil
}

// Rename changes an account's nickname. The unique index makes the check and
// the update a single atomic statement.
//
// Postcondition: Returns identity.ErrNameTaken on collision or
// identity.ErrUserNotFound if oldNickname is not held by any account.
func (r *UserRepository) Rename(ctx context.Context, oldNickname, newNickname string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET nickname = $1 WHERE nickname = $2`,
		newNickname, oldNickname,
	)
	if err != nil {
		if _, ok := uniqueConstraint(err); ok {
			return identity.ErrNameTaken
		}
		return fmt.Errorf("updating nickname: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// DeleteUser removes the account after verifying its password.
func (r *UserRepository) DeleteUser(ctx context.Context, login, password string) error {
	if _, err := r.Authenticate(ctx, login, password); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM users WHERE login = $1`, login); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return nil
}

// ChangePassword replaces the password hash after verifying the old password.
func (r *UserRepository) ChangePassword(ctx context.Context, login, oldPassword, newPassword string) error {
	if _, err := r.Authenticate(ctx, login, oldPassword); err != nil {
		return err
	}
	hash, err := identity.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if _, err := r.db.Exec(ctx,
		`UPDATE users SET password_hash = $1 WHERE login = $2`,
		hash, login,
	); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return nil
}

// uniqueConstraint reports whether err is a unique_violation and, if so, which constraint.
func uniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
