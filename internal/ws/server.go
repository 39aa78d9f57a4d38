// Package ws serves the terminal relay over WebSocket, plus a few
// read-only HTTP endpoints for operators.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Jaobie-BN/labnet-test/config"
	"github.com/Jaobie-BN/labnet-test/internal/relay"
)

type Server struct {
	addr     string
	path     string
	config   config.WebSocketConfig
	manager  *relay.Manager
	registry *relay.Registry
	logger   *zap.Logger

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	http     *http.Server

	// ctx outlives the upgrade request; it is cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup
}

func NewServer(cfg *config.Config, manager *relay.Manager, registry *relay.Registry, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:     cfg.Server.Addr,
		path:     cfg.Server.Path,
		config:   cfg.WebSocket,
		manager:  manager,
		registry: registry,
		logger:   logger.Named("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:    http.NewServeMux(),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mux.HandleFunc(s.path, s.handleTerminal)
	s.mux.HandleFunc("GET /ports", s.getPorts)
	s.mux.HandleFunc("GET /devices", s.getDevices)
	s.mux.HandleFunc("GET /sessions", s.getSessions)
	s.mux.HandleFunc("GET /healthz", s.getHealth)

	s.http = &http.Server{Addr: s.addr, Handler: s.mux}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve listens until Shutdown is called.
func (s *Server) Serve() error {
	s.logger.Info("relay listening", zap.String("addr", s.addr), zap.String("path", s.path))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections. Live sessions are ended by the
// manager's Shutdown, which closes their outboxes and so their sockets;
// Shutdown then waits for the pumps up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down", zap.Int("sessions", s.manager.Count()))
	s.cancel()
	return s.http.Shutdown(ctx)
}

// Wait blocks until every connection's pumps have returned or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Open()
	if err != nil {
		s.logger.Warn("rejecting connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		s.manager.Disconnect(session)
		return
	}

	c := NewConnection(conn, session, s.manager, s.config, s.logger)
	s.logger.Info("client connected",
		zap.String("session", session.ID()),
		zap.String("remote", r.RemoteAddr))

	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		c.WritePump()
	}()
	go func() {
		defer s.pumps.Done()
		c.ReadPump(s.ctx)
	}()
}

func (s *Server) getPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.manager.ListPorts()
	if err != nil {
		s.logger.Error("port enumeration failed", zap.Error(err))
		http.Error(w, "Failed to list ports", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, ports)
}

func (s *Server) getDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.registry.Devices())
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, struct {
		Count    int                 `json:"count"`
		Sessions []relay.SessionInfo `json:"sessions"`
	}{
		Count:    s.manager.Count(),
		Sessions: s.manager.Sessions(),
	})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("error encoding response", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
