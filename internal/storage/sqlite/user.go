// Package sqlite provides an embedded identity store backed by a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/maychat/relay/internal/identity"
	"github.com/maychat/relay/migrations"
)

// UserRepository implements identity.Store and identity.Admin on a SQLite users table.
type UserRepository struct {
	db *sql.DB
}

var (
	_ identity.Store = (*UserRepository)(nil)
	_ identity.Admin = (*UserRepository)(nil)
)

// Open opens (creating if needed) the database at path and migrates it to the latest schema.
//
// Postcondition: Returns a ready repository or a non-nil error; on error nothing is left open.
func Open(path string) (*UserRepository, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// A single connection serialises writers; identity lookups are infrequent.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &UserRepository{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, "sqlite")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Health checks that the database file answers within timeout.
func (r *UserRepository) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Close releases the database handle.
func (r *UserRepository) Close() error {
	return r.db.Close()
}

// CreateUser inserts a new account with a bcrypt-hashed password.
//
// Postcondition: Returns identity.ErrUserExists or identity.ErrNameTaken on a
// unique violation of the respective column.
func (r *UserRepository) CreateUser(ctx context.Context, login, password, nickname string) error {
	hash, err := identity.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users (login, password_hash, nickname) VALUES (?, ?, ?)`,
		login, hash, nickname,
	)
	if err != nil {
		if col, ok := uniqueColumn(err); ok {
			if col == "nickname" {
				return identity.ErrNameTaken
			}
			return identity.ErrUserExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// Authenticate verifies credentials and returns the account's nickname.
func (r *UserRepository) Authenticate(ctx context.Context, login, password string) (string, error) {
	var hash, nickname string
	err := r.db.QueryRowContext(ctx,
		`SELECT password_hash, nickname FROM users WHERE login = ?`,
		login,
	).Scan(&hash, &nickname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE nickname = ?)`,
		nickname,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying nickname: %w", err)
	}
	return exists, nil
}

// Rename changes an account's nickname in one statement guarded by the unique index.
func (r *UserRepository) Rename(ctx context.Context, oldNickname, newNickname string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET nickname = ? WHERE nickname = ?`,
		newNickname, oldNickname,
	)
	if err != nil {
		if _, ok := uniqueColumn(err); ok {
			return identity.ErrNameTaken
		}
		return fmt.Errorf("updating nickname: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating nickname: %w", err)
	}
	if n == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// DeleteUser removes the account after verifying its password.
func (r *UserRepository) DeleteUser(ctx context.Context, login, password string) error {
	if _, err := r.Authenticate(ctx, login, password); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE login = ?`, login); err != nil {
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
	if _, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE login = ?`,
		hash, login,
	); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return nil
}

// uniqueColumn reports whether err is a UNIQUE constraint failure and which users column caused it.
func uniqueColumn(err error) (string, bool) {
	var sqlErr *sqlitedrv.Error
	if !errors.As(err, &sqlErr) || sqlErr.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return "", false
	}
	msg := sqlErr.Error()
	if !strings.Contains(msg, "UNIQUE") {
		return "", false
	}
	switch {
	case strings.Contains(msg, "users.nickname"):
		return "nickname", true
	case strings.Contains(msg, "users.login"):
		return "login", true
	}
	return "", true
}
