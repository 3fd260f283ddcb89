// Package api exposes the knowledge service over HTTP.
//
// Endpoints:
//
//	GET    /health            liveness probe
//	GET    /ready             readiness probe (database reachability)
//	POST   /api/files         upload a document
//	GET    /api/files         list the caller's documents
//	DELETE /api/files/{key}   remove the caller's reference to a document
//	POST   /api/query         one-shot retrieval-augmented answer
//	POST   /api/chat          staged answer streamed over SSE
//
// Every /api route is scoped to a principal resolved from the request, and
// retrieval never leaves the principal's own documents.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/corpusd/corpusd/internal/blob"
	"github.com/corpusd/corpusd/internal/files"
	"github.com/corpusd/corpusd/internal/rag"
	"github.com/corpusd/corpusd/internal/roles"
	"github.com/corpusd/corpusd/internal/session"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout bounds reading a full request, uploads included.
	ReadTimeout = 60 * time.Second

	// IdleTimeout bounds keep-alive connections between requests.
	IdleTimeout = 120 * time.Second

	// MaxUploadBytes caps a single uploaded document.
	MaxUploadBytes = 32 << 20
)

// BlobStore is the content-addressed storage surface the API needs.
type BlobStore interface {
	Put(ctx context.Context, data []byte, meta blob.ObjectMeta) (key string, existed bool, err error)
	Delete(ctx context.Context, key string) error
}

// FileStore tracks ownership records and the retrieval scope.
type FileStore interface {
	Record(ctx context.Context, owner, objectKey, filename, contentType string, size int64) (created bool, err error)
	ListByOwner(ctx context.Context, owner string) ([]files.Record, error)
	AuthorizeKeys(ctx context.Context, owner string, keys []string) ([]string, error)
	Delete(ctx context.Context, owner, objectKey string) (orphaned bool, err error)
}

// Ingestor schedules background indexing.
type Ingestor interface {
	Enqueue(objectKey string)
}

// Answerer produces one-shot retrieval-augmented answers.
type Answerer interface {
	Answer(ctx context.Context, owner, query string, allowedKeys []string) (rag.Result, error)
}

// Streamer runs the staged pipeline and streams its turns.
type Streamer interface {
	Run(ctx context.Context, req roles.Request) <-chan roles.Turn
}

// Pinger reports backend reachability for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PrincipalFunc resolves the caller's identity from a request.
type PrincipalFunc func(r *http.Request) (string, error)

// HeaderPrincipal resolves the principal from the X-Principal header.
// Deployments terminate authentication upstream and forward the identity.
func HeaderPrincipal(r *http.Request) (string, error) {
	p := r.Header.Get("X-Principal")
	if p == "" {
		return "", errors.New("missing X-Principal header")
	}
	return p, nil
}

// Config contains the dependencies for a Server.
type Config struct {
	Blobs    BlobStore
	Files    FileStore
	Ingest   Ingestor
	Answerer Answerer
	Streamer Streamer
	Sessions *session.Registry
	DB       Pinger

	// Principal resolves caller identity. Defaults to HeaderPrincipal.
	Principal PrincipalFunc

	Logger *slog.Logger
}

// Server is the HTTP server for the knowledge service.
type Server struct {
	mux       *http.ServeMux
	principal PrincipalFunc
	logger    *slog.Logger

	health *healthHandler
	files  *filesHandler
	query  *queryHandler
	chat   *chatHandler
}

// NewServer creates a Server with all routes registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Blobs == nil || cfg.Files == nil || cfg.Ingest == nil {
		return nil, errors.New("blobs, files and ingest are required")
	}
	if cfg.Answerer == nil || cfg.Streamer == nil || cfg.Sessions == nil {
		return nil, errors.New("answerer, streamer and sessions are required")
	}
	if cfg.Principal == nil {
		cfg.Principal = HeaderPrincipal
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:       mux,
		principal: cfg.Principal,
		logger:    cfg.Logger,
		health:    &healthHandler{db: cfg.DB},
		files: &filesHandler{
			blobs:  cfg.Blobs,
			files:  cfg.Files,
			ingest: cfg.Ingest,
			logger: cfg.Logger,
		},
		query: &queryHandler{
			files:    cfg.Files,
			answerer: cfg.Answerer,
			logger:   cfg.Logger,
		},
		chat: &chatHandler{
			files:    cfg.Files,
			streamer: cfg.Streamer,
			sessions: cfg.Sessions,
			logger:   cfg.Logger,
		},
	}

	s.health.register(mux)
	mux.Handle("POST /api/files", s.authenticated(s.files.upload))
	mux.Handle("GET /api/files", s.authenticated(s.files.list))
	mux.Handle("DELETE /api/files/{key}", s.authenticated(s.files.remove))
	mux.Handle("POST /api/query", s.authenticated(s.query.answer))
	mux.Handle("POST /api/chat", s.authenticated(s.chat.stream))

	return s, nil
}

// Handler returns the server's handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
	)
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	// No WriteTimeout: /api/chat holds the response open for SSE.
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
