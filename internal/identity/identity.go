// Package identity defines the credential and nickname store consumed by the relay.
package identity

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a login/password pair does not match.
var ErrInvalidCredentials = errors.New("wrong login or password")

// ErrNameTaken is returned when a nickname is already held by another account.
var ErrNameTaken = errors.New("nickname already in use")

// ErrUserExists is returned when creating an account whose login is taken.
var ErrUserExists = errors.New("login already registered")

// ErrUserNotFound is returned when an account lookup yields no results.
var ErrUserNotFound = errors.New("user not found")

// Store resolves credentials to nicknames and manages nickname changes.
// Implementations must be safe for concurrent use.
type Store interface {
	// Authenticate returns the nickname of the account matching login and password,
	// or ErrInvalidCredentials.
	Authenticate(ctx context.Context, login, password string) (string, error)
	// IsNicknameTaken reports whether any account holds nickname.
	IsNicknameTaken(ctx context.Context, nickname string) (bool, error)
	// Rename moves an account from oldNickname to newNickname, or returns ErrNameTaken.
	Rename(ctx context.Context, oldNickname, newNickname string) error
}

// Admin manages accounts. It is used by tooling, never by the relay's hot path.
type Admin interface {
	CreateUser(ctx context.Context, login, password, nickname string) error
	DeleteUser(ctx context.Context, login, password string) error
	ChangePassword(ctx context.Context, login, oldPassword, newPassword string) error
}

// HashPassword creates a bcrypt hash of the given password.
//
// Precondition: password must be non-empty and at most 72 bytes.
// Postcondition: Returns a bcrypt hash string.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
//
// Postcondition: Returns true if password matches the hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
