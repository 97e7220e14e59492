package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexushq/rectoc/pkg/store"
)

// Enqueuer pushes background jobs. Satisfied by queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) (string, error)
}

// Server wires the gateway's routes and dependencies.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	jobs    Enqueuer
	docs    store.DocumentStore
	blobs   store.BlobStore

	httpClient *http.Client
	router     chi.Router
}

// NewServer assembles the gateway. jobs and blobs may be nil, which disables
// the routes needing them.
func NewServer(cfg Config, logger *slog.Logger, metrics *Metrics, jobs Enqueuer, docs store.DocumentStore, blobs store.BlobStore) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		jobs:       jobs,
		docs:       docs,
		blobs:      blobs,
		httpClient: &http.Client{},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(func(next http.Handler) http.Handler { return Recover(s.logger, next) })
	r.Use(func(next http.Handler) http.Handler { return AccessLog(s.logger, next) })
	r.Use(func(next http.Handler) http.Handler { return CORS(s.cfg, next) })

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return Auth(s.cfg, next) })

		r.Post("/v1/realtime/token", s.handleMintToken)
		if s.jobs != nil {
			r.Post("/v1/applications", s.handleSubmitApplication)
		}
		if s.blobs != nil {
			r.Post("/v1/resumes", s.handleUploadResume)
			r.Get("/v1/resumes/{userID}/{resumeID}/url", s.handleResumeURL)
		}
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then drains within the shutdown grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
