// Package web exposes the import pipeline over HTTP.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/core"
	"github.com/JonMunkholm/catalogimport/internal/logging"
	"github.com/JonMunkholm/catalogimport/internal/web/middleware"
)

const limiterCleanupInterval = time.Minute

// Server is the HTTP server for the import API.
type Server struct {
	service  *core.Service
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server
	upgrader websocket.Upgrader

	general *middleware.RateLimiter
	uploads *middleware.RateLimiter
	stop    context.CancelFunc
}

// NewServer creates a new Server instance.
func NewServer(service *core.Service, cfg *config.Config) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		router:  chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Security.AllowedOrigins),
		},
	}

	ctx, stop := context.WithCancel(context.Background())
	s.stop = stop
	if cfg.Rate.Enabled {
		s.general = middleware.NewRateLimiter(cfg.Rate.RequestsPerMinute)
		s.uploads = middleware.NewRateLimiter(cfg.Rate.UploadLimit)
		go s.general.Cleanup(ctx, limiterCleanupInterval)
		go s.uploads.Cleanup(ctx, limiterCleanupInterval)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)
	if s.general != nil {
		s.router.Use(s.general.Middleware)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.cfg.Security))

		r.Group(func(r chi.Router) {
			r.Use(s.requestTimeout)
			if s.uploads != nil {
				r.Use(s.uploads.Middleware)
			}
			r.Post("/preview", s.handlePreview)
			r.Post("/sessions", s.handleCreateSession)
		})

		r.With(s.requestTimeout).Get("/targets", s.handleTargets)
		r.With(s.requestTimeout).Get("/targets/template.xlsx", s.handleTemplate)
		r.With(s.requestTimeout).Get("/uploads/status", s.handleUploadStatus)

		r.Route("/sessions/{id}", func(r chi.Router) {
			// Streams run as long as the import does.
			r.Get("/import/events", s.handleImportEvents)
			r.Get("/import/ws", s.handleImportWebSocket)

			r.Group(func(r chi.Router) {
				r.Use(s.requestTimeout)

				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Post("/analyze", s.handleAnalyze)

				r.Post("/mappings", s.handleGenerateMappings)
				r.Get("/mappings", s.handleGetMappings)
				r.Put("/mappings", s.handleOverrideMapping)
				r.Get("/mappings/suggestions", s.handleSuggestions)

				r.Post("/validate", s.handleValidate)
				r.Get("/errors", s.handleErrors)
				r.Get("/errors/export", s.handleExportErrors)

				r.Post("/fixes", s.handleFix)
				r.Post("/fixes/bulk", s.handleFixBulk)
				r.Post("/fixes/auto", s.handleAutoFix)
				r.Post("/fixes/undo", s.handleUndo)

				r.Post("/import", s.handleStartImport)
				r.Post("/import/cancel", s.handleCancelImport)
				r.Post("/import/retry", s.handleRetryImport)
				r.Get("/import/progress", s.handleImportProgress)
				r.Get("/import/result", s.handleImportResult)
			})
		})
	})
}

// requestTimeout bounds non-streaming handlers.
func (s *Server) requestTimeout(next http.Handler) http.Handler {
	if s.cfg.Server.RequestTimeout <= 0 {
		return next
	}
	return chimw.Timeout(s.cfg.Server.RequestTimeout)(next)
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	logging.FromContext(context.Background()).Info("server starting", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Encoding errors are only logged since the header is already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(context.Background()).Warn("json encode failed", "error", err)
	}
}
