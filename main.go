package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/http"
	"parley/internal/push"
	"parley/internal/storage"
	"parley/internal/ws"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type app struct {
	store storage.Storage
	hub   *ws.Hub
	api   *http.APIServer
	admin *http.AdminServer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	path := cfg.DBFile
	if cfg.Storage == config.StorageSQLite {
		path = cfg.SQLiteFile
	}
	store, err := storage.Open(ctx, cfg.Storage, path)
	if err != nil {
		return nil, err
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	chatConfig := chat.Config{Store: store}
	if cfg.VAPID.Enabled() {
		chatConfig.Notifier = push.NewNotifier(push.Config{
			PublicKey:  cfg.VAPID.PublicKey,
			PrivateKey: cfg.VAPID.PrivateKey,
			Subject:    cfg.VAPID.Subject,
		}, store)
	} else {
		slog.Info("push notifications disabled, VAPID keys are not set")
	}
	chatService := chat.New(chatConfig)
	if err := chatService.ResetPresence(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	hub := ws.NewHub()
	return &app{
		store: store,
		hub:   hub,
		api: http.NewAPIServer(authService, chatService, store, hub, http.APIServerConfig{
			Addr:           cfg.APIAddr,
			AllowedOrigins: cfg.AllowedOrigins,
			VAPIDPublicKey: cfg.VAPID.PublicKey,
		}),
		admin: http.NewAdminServer(authService, hub, cfg.AdminAddr),
	}, nil
}

func run(ctx context.Context) error {
	addUser := flag.String("add-user", "", "Username to create (creates user with random password and prints details)")
	genVAPID := flag.Bool("gen-vapid", false, "Print a new VAPID key pair for push notifications")
	flag.Parse()

	if *genVAPID {
		return commands.GenVAPID()
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.Logger())

	if *addUser != "" {
		return commands.AddUser(*addUser, cfg)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.store.Close() }()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(a.admin.Start)
	g.Go(a.api.Start)

	// Wait for context cancellation (signal) or a server failure.
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return multierr.Combine(
			a.admin.Shutdown(shutdownCtx),
			a.api.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
