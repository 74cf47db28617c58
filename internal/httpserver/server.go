package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"economy-bot/internal/confirm"
	"economy-bot/internal/ledger"
	"economy-bot/internal/metrics"
	"economy-bot/internal/ranking"
	"economy-bot/internal/rewards"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	PaymentWebhook http.Handler
}

// BoardReader returns published ranking boards.
type BoardReader interface {
	DailyBoard(ctx context.Context) (*ranking.Board, bool, error)
	BoardOn(ctx context.Context, day time.Time) (*ranking.Board, bool, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Store    Pinger
	Ledger   *ledger.Engine
	Ranking  *ranking.Engine
	Resets   *confirm.Workflow
	Presence *rewards.PresenceBoard
	Accrual  *rewards.Accrual
	Messages *rewards.MessageTracker
	Boards   BoardReader
}

// Options configures routing and access control.
type Options struct {
	BasePath string
	// AdminToken guards admin and presence routes. Empty disables them.
	AdminToken string
	// AllowedOrigins enables CORS for the listed browser origins.
	AllowedOrigins []string
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
	adminToken string
}

// New creates a new HTTP server listening on addr. Admin and presence routes
// require "Authorization: Bearer <token>".
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, opts Options) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    metricRegistry,
		handlers:   handlers,
		basePath:   normaliseBasePath(opts.BasePath),
		adminToken: strings.TrimSpace(opts.AdminToken),
	}

	handler := mountWithBasePath(server.basePath, server.routes())
	if len(opts.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}).Handler(handler)
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}
	if server.adminToken == "" {
		server.logger.Warn("ADMIN_TOKEN not set, admin api disabled")
	}

	return server
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	if s.handlers.PaymentWebhook != nil {
		r.Handle("/webhook/payment", s.handlers.PaymentWebhook)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts/{id}", s.handleAccount)
		r.Post("/accounts/{id}/withdraw", s.handleWithdraw)
		r.Post("/transfers", s.handleTransfer)
		r.Get("/ranking", s.handleRanking)
		r.Get("/ranking/daily", s.handleDailyRanking)
		r.Get("/stats", s.handleStats)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Post("/messages", s.handleMessage)

			r.Route("/presence", func(r chi.Router) {
				r.Put("/{group}/{user}", s.handlePresenceSet)
				r.Delete("/{group}/{user}", s.handlePresenceRemove)
				r.Post("/tick", s.handlePresenceTick)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Post("/accounts/{id}/credit", s.handleAdminCredit)
				r.Post("/accounts/{id}/debit", s.handleAdminDebit)
				r.Post("/accounts/{id}/adjust", s.handleAdminAdjust)
				r.Post("/accounts/{id}/debit-percent", s.handleAdminDebitPercent)
				r.Post("/accounts/{id}/reset", s.handleAdminReset)

				r.Get("/exceptions", s.handleListExceptions)
				r.Put("/exceptions/{id}", s.handleAddException)
				r.Delete("/exceptions/{id}", s.handleRemoveException)

				r.Post("/reset-all", s.handleProposeReset)
				r.Get("/reset-all/{ticket}", s.handleGetReset)
				r.Post("/reset-all/{ticket}/confirm", s.handleConfirmReset)
				r.Post("/reset-all/{ticket}/cancel", s.handleCancelReset)
			})
		})
	})

	return r
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler exposes the root handler, including the base path prefix.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin api disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.adminToken)) != 1 {
			if s.metrics != nil {
				s.metrics.Errors.WithLabelValues("http_admin_auth").Inc()
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
