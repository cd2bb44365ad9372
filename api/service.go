// Package api exposes the coordinator's HTTP surface: agent lifecycle, task
// flow, mesh ingest and ledger queries.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/codyrs82/edgecoder/coordinator"
	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/mesh"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "api")

// Config wires the API server.
type Config struct {
	Host        string
	Port        int
	AuthToken   string
	Coordinator *coordinator.Service
	Mesh        *mesh.Service
	Engine      *ledger.Engine
}

// Service is the HTTP server.
type Service struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cfg        *Config
	server     *http.Server
	failStatus error
}

// NewService builds the router and server.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{ctx: ctx, cancel: cancel, cfg: cfg}

	r := mux.NewRouter()
	r.Use(s.authMiddleware)
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/enqueue", s.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/pull", s.handlePull).Methods(http.MethodPost)
	r.HandleFunc("/report", s.handleReport).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/capacity", s.handleCapacity).Methods(http.MethodGet)
	r.HandleFunc("/mesh/ingest", s.handleMeshIngest).Methods(http.MethodPost)
	r.HandleFunc("/mesh/peers", s.handleMeshPeers).Methods(http.MethodGet)
	r.HandleFunc("/mesh/capabilities", s.handleMeshCapabilities).Methods(http.MethodGet)
	r.HandleFunc("/credits/ble-sync", s.handleBLESync).Methods(http.MethodPost)
	r.HandleFunc("/stats/ledger/range", s.handleLedgerRange).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// Start serves in the background.
func (s *Service) Start() {
	go func() {
		log.WithField("addr", s.server.Addr).Info("HTTP API listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server failed")
			s.failStatus = err
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Service) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status returns the last listener failure, if any.
func (s *Service) Status() error {
	return s.failStatus
}

// authMiddleware enforces the mesh token on every route except the public
// status snapshot.
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.AuthToken != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "bad mesh token", "auth_error")
			return
		}
		next.ServeHTTP(w, r)
	})
}
