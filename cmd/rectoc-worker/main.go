// Command rectoc-worker consumes background jobs: resume parsing and
// application submission.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nexushq/rectoc/pkg/gateway"
	"github.com/nexushq/rectoc/pkg/parse"
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
		fmt.Fprintf(os.Stderr, "rectoc-worker: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	var docs store.DocumentStore
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rectoc-worker: %v\n", err)
			return 1
		}
		defer pg.Close()
		docs = pg
	} else {
		docs = store.NewMemoryStore()
	}

	var blobs store.BlobStore
	if cfg.S3Bucket != "" {
		blobs, err = store.NewS3BlobStore(ctx, cfg.S3Bucket)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rectoc-worker: %v\n", err)
			return 1
		}
	}

	var parser parse.Parser
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		parser, err = parse.NewGeminiParser(ctx, key, os.Getenv("RECTOC_PARSE_MODEL"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "rectoc-worker: %v\n", err)
			return 1
		}
	} else {
		logger.Warn("no gemini key configured, resume parsing disabled")
	}

	w := queue.NewWorker(rdb, "", logger)
	w.Handle("parse_resume", parseResumeHandler(docs, blobs, parser, logger))
	w.Handle("submit_application", submitApplicationHandler(docs, logger))

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "rectoc-worker: %v\n", err)
		return 1
	}
	return 0
}

type parseResumePayload struct {
	UserID   string `json:"user_id"`
	ResumeID string `json:"resume_id"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
}

// parseResumeHandler downloads the uploaded file, extracts the structured
// profile, and stores it alongside the resume document.
func parseResumeHandler(docs store.DocumentStore, blobs store.BlobStore, parser parse.Parser, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		if blobs == nil || parser == nil {
			return fmt.Errorf("resume parsing is not configured")
		}
		var p parseResumePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}

		url, err := blobs.DownloadURL(ctx, p.Path)
		if err != nil {
			return fmt.Errorf("resolve file: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch file: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}

		profile, err := parser.ParseResume(ctx, data, p.MimeType)
		if err != nil {
			return fmt.Errorf("parse resume: %w", err)
		}

		path := "users/" + p.UserID + "/resumes/" + p.ResumeID
		err = docs.Set(ctx, path, map[string]any{
			"path":       p.Path,
			"name":       profile.Name,
			"summary":    profile.Summary,
			"skills":     profile.Skills,
			"experience": profile.Experience,
			"education":  profile.Education,
			"status":     "parsed",
		})
		if err != nil {
			return fmt.Errorf("store profile: %w", err)
		}
		logger.Info("resume parsed", "user", p.UserID, "resume", p.ResumeID)
		return nil
	}
}

// submitApplicationHandler marks queued applications submitted. Submission
// to external job boards happens elsewhere; this records the outcome.
func submitApplicationHandler(docs store.DocumentStore, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var p struct {
			UserID string `json:"user_id"`
			JobID  string `json:"job_id"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}

		apps, err := docs.List(ctx, "users/"+p.UserID+"/applications")
		if err != nil {
			return fmt.Errorf("list applications: %w", err)
		}
		for _, app := range apps {
			if app.Data["job_id"] == p.JobID && app.Data["status"] == "queued" {
				if err := docs.Update(ctx, app.Path, map[string]any{"status": "submitted"}); err != nil {
					return fmt.Errorf("update application: %w", err)
				}
				logger.Info("application submitted", "user", p.UserID, "job", p.JobID)
				return nil
			}
		}
		logger.Warn("no queued application found", "user", p.UserID, "job", p.JobID)
		return nil
	}
}
