// Package server exposes the viewer-facing HTTP surface: the REST API for
// stream discovery and health, the Prometheus metrics endpoint, and the
// WebSocket watch endpoint that bridges relay subscriptions to browsers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridcast-dev/gridcast/internal/pipeline"
	"github.com/gridcast-dev/gridcast/internal/relay"
	"github.com/gridcast-dev/gridcast/internal/transport"
)

// StatsProvider supplies the point-in-time snapshot served on /api/status.
type StatsProvider interface {
	StreamSnapshot() pipeline.Snapshot
}

// Config holds the server's listen address and collaborators.
type Config struct {
	Addr  string
	Relay *relay.Relay
	Stats StatsProvider
}

// Server is the HTTP API and WebSocket watch server.
type Server struct {
	log      *slog.Logger
	config   Config
	upgrader websocket.Upgrader
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config Config, log *slog.Logger) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("server: Addr is required")
	}
	if config.Relay == nil {
		return nil, errors.New("server: Relay is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log.With("component", "server"),
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWatch)
	return corsMiddleware(mux)
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	resp := s.config.Relay.Streams()
	if resp == nil {
		resp = make([]relay.StreamInfo, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.config.Stats == nil {
		writeJSON(w, http.StatusOK, pipeline.Snapshot{Timestamp: time.Now().UnixMilli()})
		return
	}
	writeJSON(w, http.StatusOK, s.config.Stats.StreamSnapshot())
}

// handleWatch upgrades the connection and streams relay messages as JSON
// until the viewer disconnects. The ?stream= query scopes the watch to one
// sender identity; omitting it watches everything.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	identity := transport.Identity(r.URL.Query().Get("stream"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.config.Relay.Subscribe(identity)
	defer s.config.Relay.Unsubscribe(sub)

	// Reader goroutine: surfaces client disconnect, discards input.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug("viewer connected", "remote", r.RemoteAddr, "stream", identity)
	for {
		select {
		case <-gone:
			s.log.Debug("viewer disconnected", "remote", r.RemoteAddr)
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(toWireMessage(msg)); err != nil {
				s.log.Debug("viewer write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
