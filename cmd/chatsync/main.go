package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mongmate/chatsync/internal/cache"
	"github.com/mongmate/chatsync/internal/chat"
	"github.com/mongmate/chatsync/internal/config"
	errs "github.com/mongmate/chatsync/internal/errors"
	"github.com/mongmate/chatsync/internal/logging"
	"github.com/mongmate/chatsync/internal/state"
	"github.com/mongmate/chatsync/internal/token"
)

var Version = "dev"

func main() {
	// Handle subcommands before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "login":
			login()
			return
		case "reset":
			reset()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// login reads a bearer token from stdin and stores it for the daemon.
func login() {
	fmt.Fprint(os.Stderr, "Paste token: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	tok := token.Sanitize(scanner.Text())
	if tok == "" {
		fmt.Fprintln(os.Stderr, "error: token is empty or unusable")
		os.Exit(1)
	}

	store, err := openState()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := token.NewProvider(store).Set(tok); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	claims, err := token.Inspect(tok)
	if err != nil {
		fmt.Println("token stored (claims not inspectable)")
		return
	}
	if claims.Expired(time.Now()) {
		fmt.Fprintln(os.Stderr, "warning: stored token is already expired")
	}
	fmt.Printf("token stored for user %s\n", claims.UserID)
}

// reset wipes all chat caches while keeping the stored token.
func reset() {
	store, err := openState()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.ClearChat(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("chat caches cleared")
}

// openState opens the state database honoring CHAT_STATE_PATH, for
// subcommands that run before config loading.
func openState() (*state.Store, error) {
	if path := os.Getenv("CHAT_STATE_PATH"); path != "" {
		return state.LoadAt(path)
	}

	return state.Load()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("server", cfg.ServerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *state.Store
	if cfg.StatePath != "" {
		store, err = state.LoadAt(cfg.StatePath)
	} else {
		store, err = state.Load()
	}
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	tokens := token.NewProvider(store)
	tok := tokens.Get()
	if tok == "" {
		return fmt.Errorf("run `chatsync login` first: %w", errs.ErrNoCredentials)
	}

	var userID string
	claims, err := token.Inspect(tok)
	if err != nil {
		logger.Warn("token claims not inspectable", slog.String("error", err.Error()))
	} else {
		userID = claims.UserID
		if claims.Expired(time.Now()) {
			return fmt.Errorf("run `chatsync login` with a fresh token: %w", errs.ErrTokenExpired)
		}
		logger.Info("authenticated",
			slog.String("user_id", claims.UserID),
			slog.Time("expires_at", claims.ExpiresAt),
		)
	}

	messages := cache.NewMessages(store, logger, cfg.MaxMessagesPerRoom)
	rooms := cache.NewRooms(store, logger, cfg.MaxRooms)
	api := chat.NewClient(nil, cfg.ServerURL, tokens, logger)

	mgr := chat.NewManager(chat.ManagerConfig{
		WSURL:          cfg.WSURL,
		Tokens:         tokens,
		ReconnectDelay: cfg.ReconnectDelay,
	}, logger)
	defer mgr.Disconnect()

	mirror := chat.NewMirror(chat.MirrorConfig{
		RefreshInterval: cfg.RoomRefreshInterval,
		UserID:          userID,
		API:             api,
		Conn:            mgr,
		Messages:        messages,
		Rooms:           rooms,
		Logger:          logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mirror.Run(gctx)
	})

	return g.Wait()
}
