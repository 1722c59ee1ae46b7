// Package main runs gerritbot: it forwards Gerrit review activity to the
// change owners over Webex Spark direct messages.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"gerritbot/bot"
	"gerritbot/client"
	"gerritbot/gerrit"
	"gerritbot/hydrate"
	"gerritbot/loop"
	"gerritbot/pkg/spark"
	"gerritbot/server"
	"gerritbot/storage"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], nil)
	if errors.Is(err, errHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.logLevel(),
	}))
	slog.SetDefault(logger)
	logger.Info("Starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Exit due to error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Stopped")
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	state := loadState(ctx, store, logger)
	if cfg.dedupEnabled() {
		state.InitMessageCache(cfg.BotMsgCapacity, cfg.BotMsgExpiration)
	}

	sparkClient, err := client.New(ctx, client.Config{
		BaseURL:    cfg.SparkURL,
		Token:      cfg.SparkBotToken,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create spark client: %w", err)
	}
	if err := sparkClient.RegisterWebhook(ctx, cfg.SparkWebhookURL); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}

	var replier loop.Replier = sparkClient
	if cfg.DryRun {
		logger.Info("Dry run mode enabled, replies are logged only")
		replier = loop.NewLogReplier(logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := server.New(&server.Config{Addr: cfg.SparkEndpoint, Logger: logger})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	stage := hydrate.New(sparkClient, sparkClient.ID(), logger)
	messages := make(chan spark.Message)
	g.Go(func() error {
		defer close(messages)
		return stage.Pump(gctx, srv.Messages(), messages)
	})

	events, gerritErrs := gerrit.Stream(gctx, cfg.gerrit(logger))

	botLoop := loop.New(loop.Config{
		Store:   store,
		Replier: replier,
		Logger:  logger,
	})
	g.Go(func() error {
		final, err := botLoop.Run(gctx, state, messages, events, gerritErrs)
		logger.Info("Loop finished", "users", final.NumUsers())
		return err
	})

	err = g.Wait()
	if ctx.Err() != nil {
		// Errors seen while shutting down are expected.
		return nil
	}
	return err
}

func newStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.LocalStorage != "" {
		logger.Info("Using local storage", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", cfg.LocalStorage, cfg.StateKey, logger), func() {}, nil
	}

	var opts []option.ClientOption
	if cfg.GoogleCredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
	}
	storageClient, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	logger.Info("Using Cloud Storage", "bucket", cfg.StateBucket, "key", cfg.StateKey)
	closeFn := func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(storageClient, cfg.StateBucket, "", cfg.StateKey, logger), closeFn, nil
}

// loadState falls back to an empty state on any failure so a lost or
// corrupt document never keeps the bot down.
func loadState(ctx context.Context, store *storage.Store, logger *slog.Logger) *bot.State {
	state, err := store.Load(ctx)
	switch {
	case err == nil:
		logger.Info("Loaded state", "key", store.Key(), "users", state.NumUsers())
		return state
	case storage.IsNotFound(err):
		logger.Info("No saved state, starting fresh", "key", store.Key())
	default:
		logger.Warn("Could not load state, starting fresh", "key", store.Key(), "error", err)
	}
	return bot.NewState()
}
