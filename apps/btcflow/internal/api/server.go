package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"custody/apps/btcflow/internal/model"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server represents the ops API server
type Server struct {
	depositHandler    *EntityHandler[*model.Deposit]
	withdrawalHandler *EntityHandler[*model.Withdrawal]
	db                Pinger
	logger            *zap.Logger
	server            *http.Server
}

// NewServer creates a new API server
func NewServer(port int, db Pinger, deposits Reader[*model.Deposit], withdrawals Reader[*model.Withdrawal], logger *zap.Logger) *Server {
	return &Server{
		depositHandler:    NewEntityHandler("deposit", deposits, logger),
		withdrawalHandler: NewEntityHandler("withdrawal", withdrawals, logger),
		db:                db,
		logger:            logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start starts the API server
func (s *Server) Start() error {
	s.server.Handler = s.Routes()

	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Routes configures the API routes
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/deposits/{token}", s.depositHandler.GetEntity).Methods("GET")
	api.HandleFunc("/withdrawals/{token}", s.withdrawalHandler.GetEntity).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", s.healthCheck).Methods("GET")

	return router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// healthCheck reports unhealthy when the database does not answer a ping
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:   "healthy",
		Database: "up",
		Time:     time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("Database ping failed", zap.Error(err))
		response.Status = "unhealthy"
		response.Database = "down"
		status = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, s.logger, status, response)
}
