package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"collabsync/internal/config"
	"collabsync/internal/editor"
	"collabsync/internal/relay"
	"collabsync/internal/server"
	"collabsync/internal/session"
	"collabsync/internal/snapshot"
	"collabsync/internal/store"
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := backoff.Retry(func() error {
		return rdb.Ping(ctx).Err()
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		log.Fatalf("Could not connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	log.Println("Connected to Redis successfully.")

	var dbpool *pgxpool.Pool
	if err := backoff.Retry(func() error {
		var err error
		dbpool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		return dbpool.Ping(ctx)
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer dbpool.Close()
	log.Println("Connected to PostgreSQL successfully.")

	snapshots := snapshot.NewClient(cfg.VersionControlURL)

	var registry *session.Registry
	bridge := relay.New(rdb, func(documentID string, payload []byte) {
		registry.Broadcast(documentID, payload)
	})
	registry = session.NewRegistry(bridge, cfg.PresenceTimeout)
	go bridge.Run(ctx)
	go registry.Run(cfg.SweepInterval)
	defer registry.Close()

	coord := editor.NewCoordinator(
		store.NewPostgres(dbpool),
		snapshots,
		bridge,
		editor.WithSnapshotEvery(cfg.SnapshotEvery),
		editor.WithLatestFetcher(snapshots),
	)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(coord, registry).Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("collabsync server starting on %s...", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
