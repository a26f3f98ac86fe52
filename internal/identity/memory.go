package identity

import (
	"context"
	"fmt"
	"sync"
)

type memoryUser struct {
	login        string
	passwordHash string
	nickname     string
}

// MemoryStore is an in-process Store and Admin. All methods are safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	byLogin map[string]*memoryUser
	byNick  map[string]*memoryUser
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byLogin: make(map[string]*memoryUser),
		byNick:  make(map[string]*memoryUser),
	}
}

// CreateUser adds an account with a bcrypt-hashed password.
//
// Postcondition: Returns ErrUserExists if login is taken, ErrNameTaken if nickname is taken.
func (s *MemoryStore) CreateUser(_ context.Context, login, password, nickname string) error {
	if login == "" || password == "" || nickname == "" {
		return fmt.Errorf("login, password and nickname must be non-empty")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byLogin[login]; ok {
		return ErrUserExists
	}
	if _, ok := s.byNick[nickname]; ok {
		return ErrNameTaken
	}
	u := &memoryUser{login: login, passwordHash: hash, nickname: nickname}
	s.byLogin[login] = u
	s.byNick[nickname] = u
	return nil
}

// Authenticate implements Store.
func (s *MemoryStore) Authenticate(_ context.Context, login, password string) (string, error) {
	s.mu.RLock()
	u, ok := s.byLogin[login]
	var hash, nick string
	if ok {
		hash, nick = u.passwordHash, u.nickname
	}
	s.mu.RUnlock()

	if !ok || !CheckPassword(password, hash) {
		return "", ErrInvalidCredentials
	}
	return nick, nil
}

// IsNicknameTaken implements Store.
func (s *MemoryStore) IsNicknameTaken(_ context.Context, nickname string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byNick[nickname]
	return ok, nil
}

// Rename implements Store.
func (s *MemoryStore) Rename(_ context.Context, oldNickname, newNickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byNick[oldNickname]
	if !ok {
		return ErrUserNotFound
	}
	if oldNickname == newNickname {
		return nil
	}
	if _, taken := s.byNick[newNickname]; taken {
		return ErrNameTaken
	}
	delete(s.byNick, oldNickname)
	u.nickname = newNickname
	s.byNick[newNickname] = u
	return nil
}

// DeleteUser removes the account after verifying its password.
func (s *MemoryStore) DeleteUser(_ context.Context, login, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byLogin[login]
	if !ok || !CheckPassword(password, u.passwordHash) {
		return ErrInvalidCredentials
	}
	delete(s.byLogin, login)
	delete(s.byNick, u.nickname)
	return nil
}

// ChangePassword replaces the password after verifying the old one.
func (s *MemoryStore) ChangePassword(_ context.Context, login, oldPassword, newPassword string) error {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byLogin[login]
	if !ok || !CheckPassword(oldPassword, u.passwordHash) {
		return ErrInvalidCredentials
	}
	u.passwordHash = hash
	return nil
}
