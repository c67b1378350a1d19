// Package server exposes the consumer-facing endpoints: execution status,
// the resumable event stream, and archived history for executions the
// buffer has already swept.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stromdal/restream/buffer"
	"github.com/stromdal/restream/config"
	"github.com/stromdal/restream/store"
)

type Server struct {
	server  *http.Server
	cfg     config.ServerConfig
	buf     *buffer.Store
	archive store.Archive
	log     *slog.Logger
}

func New(cfg config.ServerConfig, buf *buffer.Store, archive store.Archive, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		buf:     buf,
		archive: archive,
		log:     log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /v1/executions/{id}/status", s.status)
	mux.HandleFunc("GET /v1/executions/{id}/events", s.events)
	mux.HandleFunc("GET /v1/executions/{id}/history", s.history)
	s.server = &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}
	return s
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		if err := s.Stop(context.Background()); err != nil {
			return err
		}
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": string(s.buf.Status(id))})
}

// events streams buffered frames from the cursor onward, then live-tails
// until the execution completes. The connection closing cleanly is the
// client's signal that the stream finished.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")
	cursor := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cursor = n
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.Duration(s.cfg.KeepaliveSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	t := time.NewTicker(keepalive)
	defer t.Stop()

	frames := s.buf.Subscribe(r.Context(), id, cursor)
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := writeFrame(w, frame); err != nil {
				return
			}
			flusher.Flush()
		case <-t.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	exec, ok, err := s.archive.GetExecution(id)
	if err != nil {
		s.log.Error("archive lookup failed", "execution_id", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(exec)
}

// authorized checks the bearer token against the configured bcrypt hash.
// An empty hash disables auth for local development.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthTokenHash == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.cfg.AuthTokenHash), []byte(token)) == nil
}

// writeFrame emits one buffered payload as a wire frame, splitting embedded
// newlines across data lines per the protocol's multi-line convention.
func writeFrame(w http.ResponseWriter, payload string) error {
	for _, line := range strings.Split(payload, "\n") {
		if _, err := w.Write([]byte("data: " + line + "\n")); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte("\n"))
	return err
}
