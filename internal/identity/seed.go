package identity

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedUser is one account entry in a seed file.
//
// Precondition: Login, Password and Nickname must be non-empty after loading.
type SeedUser struct {
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	Nickname string `yaml:"nickname"`
}

type seedFile struct {
	Users []SeedUser `yaml:"users"`
}

// LoadSeedFile parses a YAML file of the form:
//
//	users:
//	  - login: login1
//	    password: pass1
//	    nickname: alice
//
// Postcondition: Returns every listed user or a non-nil error naming the first invalid entry.
func LoadSeedFile(path string) ([]SeedUser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	for i, u := range f.Users {
		if u.Login == "" || u.Password == "" || u.Nickname == "" {
			return nil, fmt.Errorf("seed file %s: entry %d must set login, password and nickname", path, i)
		}
	}
	return f.Users, nil
}

// Seed creates each user through admin. Users whose login already exists are skipped.
//
// Postcondition: Returns the number of accounts created, or the first non-duplicate error.
func Seed(ctx context.Context, admin Admin, users []SeedUser) (int, error) {
	created := 0
	for _, u := range users {
		err := admin.CreateUser(ctx, u.Login, u.Password, u.Nickname)
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrUserExists):
		default:
			return created, fmt.Errorf("creating %q: %w", u.Login, err)
		}
	}
	return created, nil
}
