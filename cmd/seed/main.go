// Command seed creates the demo users in the configured database.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/storage"
)

var demoUsers = []struct {
	username string
	password string
}{
	{"admin", "admin"},
	{"root", "root"},
	{"user3", "password3"},
}

func run(ctx context.Context) error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.Logger())

	path := cfg.DBFile
	if cfg.Storage == config.StorageSQLite {
		path = cfg.SQLiteFile
	}
	store, err := storage.Open(ctx, cfg.Storage, path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	for _, u := range demoUsers {
		user, err := auth.CreateUser(ctx, store, u.username, u.password)
		if errors.Is(err, auth.ErrUserExists) {
			slog.Info("user already exists", "username", u.username)
			continue
		}
		if err != nil {
			return err
		}
		slog.Info("user created", "user_id", user.ID, "username", user.UserName)
	}
	return nil
}

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("seed failed", "error", err)
		os.Exit(1)
	}
}
