package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/config"
	"github.com/sonnylloyd/siprelay/pkg/metrics"
	"github.com/sonnylloyd/siprelay/pkg/registration"
	"github.com/sonnylloyd/siprelay/pkg/registry"
)

// Server exposes the operational surface of the relay: a routing dashboard,
// a JSON API over the registry and registration store, Prometheus metrics,
// and a live event feed over WebSocket.
type Server struct {
	logger        *logrus.Logger
	cfg           config.HTTPConfig
	routes        registry.Registry
	registrations *registration.Store
	hub           *EventHub

	started    time.Time
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the HTTP server over the relay's shared state.
func NewServer(cfg config.HTTPConfig, routes registry.Registry, registrations *registration.Store, hub *EventHub, logger *logrus.Logger) *Server {
	s := &Server{
		logger:        logger,
		cfg:           cfg,
		routes:        routes,
		registrations: registrations,
		hub:           hub,
		started:       time.Now(),
		mux:           http.NewServeMux(),
	}

	s.mux.HandleFunc("/", s.dashboardHandler)
	s.mux.HandleFunc("/api/health", s.healthHandler)
	s.mux.HandleFunc("/api/routes", s.routesHandler)
	s.mux.HandleFunc("/api/registrations", s.registrationsHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	if hub != nil {
		s.mux.HandleFunc("/ws/events", hub.ServeWS)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.corsMiddleware(s.mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP in the background until the context is canceled.
func (s *Server) Start(ctx context.Context) {
	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	go func() {
		s.logger.WithField("port", s.cfg.Port).Info("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"routes":         len(s.routes.All()),
		"registrations":  len(s.registrations.All()),
	})
}

func (s *Server) routesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"routes": s.routes.All(),
	})
}

func (s *Server) registrationsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"registrations": s.registrations.All(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// corsMiddleware applies the configured allowed origins to every response.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
