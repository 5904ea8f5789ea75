// Package server exposes the tabletop's HTTP surface: the persistence
// endpoints clients write through, and the websocket upgrade into the event
// hub. Every successful write emits the matching hub event so the rest of
// the room sees the change without polling.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"vtt/internal/hub"
	"vtt/internal/scene"
	"vtt/internal/store"
)

// Server wraps HTTP handlers and configuration. The store and hub are
// injected at construction; nothing reaches for globals.
type Server struct {
	cfg             Config
	logger          *slog.Logger
	mux             *http.ServeMux
	store           *store.Store
	hub             *hub.Hub
	allowedOrigins  []string
	allowAllOrigins bool
}

// New constructs a Server with routes and middleware configured.
func New(cfg Config, logger *slog.Logger, st *store.Store, h *hub.Hub) *Server {
	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		mux:            http.NewServeMux(),
		store:          st,
		hub:            h,
		allowedOrigins: cfg.AllowedOrigins,
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}

	srv.routes()
	return srv
}

// Handler returns the middleware-wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.loggingMiddleware(s.mux))
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	s.logger.Info("starting server", slog.String("addr", addr))

	httpSrv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWebsocket)
	s.mux.HandleFunc("/scenes/", s.handleScenes)
	s.mux.HandleFunc("/drawings/", s.handleDrawingDelete)
	s.mux.HandleFunc("/characters/", s.handleCharacter)
	s.mux.HandleFunc("/notes", s.handleNotes)
	s.mux.HandleFunc("/messages", s.handleMessages)
	s.mux.Handle("/", s.spaHandler())
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows WebSocket handlers to upgrade the connection through the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (s *Server) spaHandler() http.Handler {
	fs := http.Dir(s.cfg.FrontendDir)
	fileServer := http.FileServer(fs)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urlPath := r.URL.Path
		if urlPath == "/" {
			fileServer.ServeHTTP(w, r)
			return
		}

		cleanPath := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
		requested := filepath.Join(s.cfg.FrontendDir, cleanPath)
		if info, err := os.Stat(requested); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}

		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleWebsocket hands the connection to the hub. The client profile comes
// from query parameters; a scene parameter joins that room immediately.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	role := scene.Role(strings.ToLower(r.URL.Query().Get("role")))
	if role != scene.RoleGM {
		role = scene.RolePlayer
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "Unknown"
	}
	room := r.URL.Query().Get("scene")

	if _, err := s.hub.Connect(w, r, name, role, room); err != nil {
		if errors.Is(err, hub.ErrGMActive) {
			http.Error(w, "gm already active", http.StatusConflict)
			return
		}
		s.logger.Error("ws upgrade", slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
