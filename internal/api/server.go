package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/PlainFunction/redactgate/internal/common/config"
	"github.com/PlainFunction/redactgate/internal/common/models"
)

type Server struct {
	config  *config.Config
	logger  *zap.Logger
	router  *mux.Router
	handler *Handler
	httpSrv *http.Server
}

func NewServer(cfg *config.Config, logger *zap.Logger, handler *Handler) *Server {
	server := &Server{
		config:  cfg,
		logger:  logger,
		router:  mux.NewRouter(),
		handler: handler,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/healthz", s.handler.HealthCheck).Methods("GET")

	// Metrics endpoint (Prometheus)
	s.router.HandleFunc("/metrics", s.handler.Metrics).Methods("GET")

	// Completion proxy, with and without the /v1 prefix so OpenAI SDKs can
	// point their base URL straight at the gateway
	s.router.HandleFunc("/chat/completions", s.handler.ChatCompletions).Methods("POST")
	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/chat/completions", s.handler.ChatCompletions).Methods("POST")

	// Middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(corsMiddleware)
	s.router.Use(s.recoverMiddleware)
}

func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        s.config.Host + ":" + s.config.Port,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// The write timeout must outlast the upstream and detector budgets.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the configured routes, including middleware, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// statusRecorder captures the status code written by downstream handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware functions
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status_code", rec.status),
			zap.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000.0),
		}
		// Resolve the caller when the credential verifies; never log the
		// credential itself.
		if orgID, err := s.handler.verifier.VerifyHeader(r.Header.Get("Authorization")); err == nil {
			fields = append(fields, zap.String("org_id", orgID))
		}
		s.logger.Info("HTTP request", fields...)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(models.ErrorResponse{Error: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
