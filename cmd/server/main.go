package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"broker-chat-server/internal/chat"
	"broker-chat-server/internal/clock"
	"broker-chat-server/internal/config"
	"broker-chat-server/internal/handlers"
	"broker-chat-server/internal/identity"
	"broker-chat-server/internal/notify"
	"broker-chat-server/internal/realtime"
	"broker-chat-server/internal/store"
	"broker-chat-server/internal/store/memstore"
	"broker-chat-server/internal/store/pgstore"
	"broker-chat-server/internal/store/redisstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	sender, closeSender, err := openSender(cfg)
	if err != nil {
		return err
	}
	defer closeSender()

	trigger := notify.NewFirstMessageTrigger(db, sender, notify.TriggerConfig{
		Enabled:     cfg.NotifyReady(),
		Destination: cfg.Notify.Destination,
		TemplateID:  cfg.Notify.TemplateID,
	}, logger)

	realClock := clock.Real()
	svc := chat.NewService(db, chat.WithClock(realClock), chat.WithTrigger(trigger), chat.WithLogger(logger))
	writer := chat.NewIdentityWriter(svc, realClock, cfg.IdentityDebounce)
	typing := chat.NewTypingDebouncer(svc, realClock, cfg.TypingIdle)

	hub := realtime.NewHub(svc, db, realtime.Options{
		Clock:       realClock,
		Logger:      logger,
		DockWindow:  cfg.DockWindow,
		TypingStale: cfg.TypingStale,
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	api := &handlers.Handler{
		Service:     svc,
		Store:       db,
		Identity:    writer,
		Typing:      typing,
		Hub:         hub,
		Verifier:    identity.NewVerifier(cfg.JWTSecret),
		Clock:       realClock,
		Logger:      logger,
		DockWindow:  cfg.DockWindow,
		TypingStale: cfg.TypingStale,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Mount("/", api.Routes())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.Store, "notify", cfg.NotifyReady())
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stopHub()
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Websocket connections are hijacked, so Shutdown does not wait for them.
	stopHub()
	<-hubDone

	// Pending identity edits are written, typing timers dropped.
	writer.Close()
	typing.Close()
	svc.Wait()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return pgstore.Open(ctx, cfg.DatabaseURL, logger)
	case config.StoreRedis:
		return redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: 10,
		}, logger)
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	db := memstore.New(memstore.WithDataDir(dataDir))
	if err := db.Load(); err != nil {
		logger.Warn("failed to load database", "dir", dataDir, "error", err)
	}
	return db, nil
}

// openSender returns nil when notifications are off; the trigger then
// only logs.
func openSender(cfg *config.Config) (notify.Sender, func(), error) {
	if !cfg.NotifyReady() {
		return nil, func() {}, nil
	}
	if cfg.Notify.Transport == config.TransportKafka {
		sender, err := notify.DialKafka(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return sender, func() { sender.Close() }, nil
	}
	return notify.NewHTTPSender(notify.HTTPConfig{
		Endpoint:    cfg.Notify.Endpoint,
		ServiceID:   cfg.Notify.ServiceID,
		PublicKey:   cfg.Notify.PublicKey,
		AccessToken: cfg.Notify.AccessToken,
	}), func() {}, nil
}
