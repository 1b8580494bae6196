package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sharedstate/server/internal/app"
	"sharedstate/server/internal/authpw"
	"sharedstate/server/internal/config"
	"sharedstate/server/internal/hub"
	"sharedstate/server/internal/mapping"
	"sharedstate/server/internal/session"
	"sharedstate/server/internal/state"
	"sharedstate/server/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	channels := hub.New()
	states := state.New(dataStore, func(channelID string, datagram []state.Entry) {
		channels.Broadcast(channelID, hub.EventChangeState, datagram)
	})
	mapper := mapping.New(dataStore, channels.Create)
	if err := mapper.Start(ctx); err != nil {
		log.Fatalf("channel restore failed: %v", err)
	}

	accounts := authpw.NewService(dataStore)

	var sessions app.SessionStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	service := app.New(cfg, mapper, states, channels, sessions, accounts, dataStore)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	// No ReadTimeout/WriteTimeout: they would cut long-lived sockets.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("SharedState server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
