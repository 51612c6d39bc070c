// Package api exposes the bridge over HTTP: connection lifecycle, outbound
// sends, message history and analytics, plus a websocket feed of live bridge
// events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/numberforty/legal-case-pro/internal/adapter"
	"github.com/numberforty/legal-case-pro/internal/analytics"
	"github.com/numberforty/legal-case-pro/internal/bridge"
	"github.com/numberforty/legal-case-pro/internal/bus"
	"github.com/numberforty/legal-case-pro/internal/config"
	"github.com/numberforty/legal-case-pro/internal/domain"
	"github.com/numberforty/legal-case-pro/internal/metrics"
)

// Server is the HTTP surface of the bridge.
type Server struct {
	cfg             config.APIConfig
	metricsCfg      config.MetricsConfig
	maxInitAttempts int

	manager *bridge.Manager
	adapter *adapter.Adapter
	store   domain.MessageStore
	engine  *analytics.Engine
	bus     *bus.Bus
	logger  *slog.Logger

	server *http.Server
}

type ServerConfig struct {
	API             config.APIConfig
	Metrics         config.MetricsConfig
	MaxInitAttempts int

	Manager *bridge.Manager
	Adapter *adapter.Adapter
	Store   domain.MessageStore
	Engine  *analytics.Engine
	Bus     *bus.Bus
	Logger  *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxInitAttempts < 1 {
		cfg.MaxInitAttempts = 1
	}
	return &Server{
		cfg:             cfg.API,
		metricsCfg:      cfg.Metrics,
		maxInitAttempts: cfg.MaxInitAttempts,
		manager:         cfg.Manager,
		adapter:         cfg.Adapter,
		store:           cfg.Store,
		engine:          cfg.Engine,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
	}
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	wa := r.PathPrefix("/api/whatsapp").Subrouter()
	wa.HandleFunc("/status", s.handleGetStatus).Methods(http.MethodGet)
	wa.HandleFunc("/status", s.handleInitialize).Methods(http.MethodPost)
	wa.HandleFunc("/restart", s.handleRestart).Methods(http.MethodPost)
	wa.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	wa.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	wa.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	wa.HandleFunc("/messages", s.handleMessages).Methods(http.MethodGet)
	wa.HandleFunc("/messages/status", s.handleUpdateStatus).Methods(http.MethodPut)
	wa.HandleFunc("/analytics", s.handleAnalytics).Methods(http.MethodGet)
	wa.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.metricsCfg.Enabled {
		endpoint := s.metricsCfg.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.HandleFunc(endpoint, metrics.Collector.Handler()).Methods(http.MethodGet)
	}

	return r
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("api server started", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
