// Package main provides a CLI tool for managing relay accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/maychat/relay/internal/config"
	"github.com/maychat/relay/internal/identity"
	"github.com/maychat/relay/internal/storage"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	action := flag.String("action", "create", "one of: create, delete, passwd")
	login := flag.String("login", "", "account login (required)")
	password := flag.String("password", "", "account password (required)")
	nickname := flag.String("nickname", "", "nickname for create")
	newPassword := flag.String("new-password", "", "replacement password for passwd")
	flag.Parse()

	if *login == "" || *password == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("opening identity store: %v", err)
	}
	defer store.Close()

	if err := run(ctx, store, *action, *login, *password, *nickname, *newPassword); err != nil {
		log.Fatalf("%s %q: %v", *action, *login, err)
	}

	fmt.Fprintf(os.Stdout, "%s %s: ok [%s]\n", *action, *login, time.Since(start))
}

func run(ctx context.Context, admin identity.Admin, action, login, password, nickname, newPassword string) error {
	switch action {
	case "create":
		if nickname == "" {
			return fmt.Errorf("-nickname is required")
		}
		return admin.CreateUser(ctx, login, password, nickname)
	case "delete":
		return admin.DeleteUser(ctx, login, password)
	case "passwd":
		if newPassword == "" {
			return fmt.Errorf("-new-password is required")
		}
		return admin.ChangePassword(ctx, login, password, newPassword)
	default:
		return fmt.Errorf("unknown action %q: must be create, delete or passwd", action)
	}
}
