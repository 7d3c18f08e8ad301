package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/timecapsule/internal/storage"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// DefaultMaxBlobSize bounds a single uploaded blob. Configured sizes are
// capped at storage.MaxBlobSize.
const DefaultMaxBlobSize = 256 << 20

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	RateLimitRPS   int
	RateLimitBurst int
	MaxBlobSize    int64

	// TrustProxy makes the first X-Forwarded-For hop the client address.
	// Set it only when every request arrives through a reverse proxy.
	TrustProxy bool
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the blob store and the ledger over HTTP.
type Server struct {
	blobs   storage.BlobBackend
	ledger  *storage.Ledger
	pingers []Pinger
	cfg     Config
	logger  zerolog.Logger
	httpSrv *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(blobs storage.BlobBackend, ledger *storage.Ledger, cfg Config, logger zerolog.Logger) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 200
	}
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = DefaultMaxBlobSize
	}
	cfg.MaxBlobSize = min(cfg.MaxBlobSize, storage.MaxBlobSize)
	return &Server{blobs: blobs, ledger: ledger, cfg: cfg, logger: logger}
}

// AddHealthCheck registers a dependency probed by /v1/sys/health.
func (s *Server) AddHealthCheck(p Pinger) {
	s.pingers = append(s.pingers, p)
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware(s.logger))
	r.Use(clientIPMiddleware(s.cfg.TrustProxy))
	r.Use(metricsMiddleware)
	r.Use(accessLogMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)

	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	r.Route("/v1/blobs", func(r chi.Router) {
		r.Post("/", s.BlobPutHandler)
		r.Get("/{address}", s.BlobGetHandler)
		r.Head("/{address}", s.BlobHeadHandler)
	})

	r.Route("/v1/messages", func(r chi.Router) {
		r.Post("/", s.MessageSubmitHandler)
		r.Get("/", s.MessageListHandler)
		r.Get("/{id}", s.MessageGetHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion:       tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
