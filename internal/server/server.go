package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/copyleftdev/turnstiled/internal/auth"
	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/copyleftdev/turnstiled/internal/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Server struct {
	httpServer *http.Server
	router     chi.Router
	cfg        *config.Config
	logger     *zap.Logger
}

func NewServer(cfg *config.Config, svc TaskService, capacity Capacity, logger *zap.Logger) *Server {
	logger = logger.Named("server")
	apiHandler := NewAPIHandler(svc, capacity, logger)
	router := chi.NewRouter()

	// --- Middleware Setup ---
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	// --- Route Definitions ---
	router.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(cfg.Security.ApiKey, logger))
		r.With(SubmitLimiter(cfg.Server.SubmitRate, cfg.Server.SubmitBurst)).
			Get("/turnstile", apiHandler.HandleTurnstile)
		r.Get("/result", apiHandler.HandleResult)
	})
	router.Get("/", apiHandler.HandleIndex)
	router.Get("/health", apiHandler.HandleHealth)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     zap.NewStdLog(logger),
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		cfg:        cfg,
		logger:     logger,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting turnstiled server", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("Server gracefully stopped")
	return nil
}

// --- Custom Middleware ---

// RequestLogger logs one line per request. Only the path is logged because
// query strings carry proxy credentials.
func RequestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("Request served",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// APIKeyAuth rejects requests without the configured x-api-key. An empty
// key disables the check.
func APIKeyAuth(validKey string, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			outcome, presented := auth.CheckRequest(r, validKey)
			switch outcome {
			case auth.Missing:
				logger.Warn("Request blocked: missing x-api-key header", zap.String("path", r.URL.Path))
				respondError(w, logger, http.StatusUnauthorized, "Missing x-api-key header")
				return
			case auth.Invalid:
				logger.Warn("Request blocked: invalid API key", zap.String("key", observability.Redact(presented)))
				respondError(w, logger, http.StatusUnauthorized, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// SubmitLimiter caps task submissions across all clients. A non-positive
// rate disables it.
func SubmitLimiter(perSecond float64, burst int) func(next http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				respondError(w, zap.NewNop(), http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
