// Command rectoc-gateway serves the backend API: ephemeral realtime token
// minting, resume uploads, and application submission.
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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nexushq/rectoc/pkg/gateway"
	"github.com/nexushq/rectoc/pkg/queue"
	"github.com/nexushq/rectoc/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := gateway.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rectoc-gateway: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	jobs := queue.NewQueue(rdb, "")

	var docs store.DocumentStore
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rectoc-gateway: %v\n", err)
			return 1
		}
		defer pg.Close()
		docs = pg
	} else {
		logger.Warn("no postgres dsn configured, using in-memory store")
		docs = store.NewMemoryStore()
	}

	var blobs store.BlobStore
	if cfg.S3Bucket != "" {
		blobs, err = store.NewS3BlobStore(ctx, cfg.S3Bucket)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rectoc-gateway: %v\n", err)
			return 1
		}
	} else {
		logger.Warn("no s3 bucket configured, uploads disabled")
	}

	srv := gateway.NewServer(cfg, logger, gateway.NewMetrics(), jobs, docs, blobs)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "rectoc-gateway: %v\n", err)
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}
