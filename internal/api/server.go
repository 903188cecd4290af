// Package api exposes shade state and commands over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/session"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Hub is the per-hub session surface served by the API.
type Hub interface {
	Name() string
	Discovered() bool
	ThingName() string
	LastPoll() (time.Time, error)
	WatcherRunning() bool
	Device(id string) (session.Snapshot, error)
	Devices() []session.Snapshot
	SetPosition(ctx context.Context, id string, target int) (session.Command, error)
	Open(ctx context.Context, id string) (session.Command, error)
	Close(ctx context.Context, id string) (session.Command, error)
}

// History reads the command ledger.
type History interface {
	Recent(hub, device string, limit int) ([]*ledger.Entry, error)
}

// Options are the optional collaborators of the server.
type Options struct {
	History History
	Bus     *eventbus.Bus
	Metrics http.Handler
}

// Server is the HTTP API server.
type Server struct {
	addr       string
	hubs       map[string]Hub
	order      []string
	opts       Options
	stream     *stream
	httpServer *http.Server
}

// NewServer creates a server for the given hubs.
func NewServer(host string, port int, hubs []Hub, opts Options) *Server {
	s := &Server{
		addr:   fmt.Sprintf("%s:%d", host, port),
		hubs:   make(map[string]Hub, len(hubs)),
		opts:   opts,
		stream: newStream(),
	}
	for _, h := range hubs {
		s.hubs[h.Name()] = h
		s.order = append(s.order, h.Name())
	}
	if opts.Bus != nil {
		opts.Bus.SubscribeAll(s.stream.broadcast)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	mux.HandleFunc("GET /api/hubs", s.handleHubs)
	mux.HandleFunc("GET /api/hubs/{hub}/shades", s.handleShades)
	mux.HandleFunc("GET /api/hubs/{hub}/shades/{id}", s.handleShade)
	mux.HandleFunc("POST /api/hubs/{hub}/shades/{id}/position", s.handlePosition)
	mux.HandleFunc("POST /api/hubs/{hub}/shades/{id}/open", s.handleOpen)
	mux.HandleFunc("POST /api/hubs/{hub}/shades/{id}/close", s.handleClose)
	mux.HandleFunc("GET /api/hubs/{hub}/shades/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/stream", s.handleStream)

	return mux
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		s.stream.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type hubInfo struct {
	Name           string     `json:"name"`
	ThingName      string     `json:"thing_name,omitempty"`
	Discovered     bool       `json:"discovered"`
	WatcherRunning bool       `json:"watcher_running"`
	Devices        int        `json:"devices"`
	LastPoll       *time.Time `json:"last_poll,omitempty"`
	LastPollError  string     `json:"last_poll_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports ready once every hub has discovered its devices.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var pending []string
	for _, name := range s.order {
		if !s.hubs[name].Discovered() {
			pending = append(pending, name)
		}
	}
	if len(pending) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "pending": pending})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHubs(w http.ResponseWriter, r *http.Request) {
	out := make([]hubInfo, 0, len(s.order))
	for _, name := range s.order {
		h := s.hubs[name]
		info := hubInfo{
			Name:           name,
			ThingName:      h.ThingName(),
			Discovered:     h.Discovered(),
			WatcherRunning: h.WatcherRunning(),
			Devices:        len(h.Devices()),
		}
		if at, err := h.LastPoll(); !at.IsZero() {
			info.LastPoll = &at
			if err != nil {
				info.LastPollError = err.Error()
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleShades(w http.ResponseWriter, r *http.Request) {
	h, ok := s.hub(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Devices())
}

func (s *Server) handleShade(w http.ResponseWriter, r *http.Request) {
	h, ok := s.hub(w, r)
	if !ok {
		return
	}
	snap, err := h.Device(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type positionRequest struct {
	Position *int `json:"position"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	h, ok := s.hub(w, r)
	if !ok {
		return
	}

	var req positionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.Position == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("position is required"))
		return
	}

	cmd, err := h.SetPosition(r.Context(), r.PathValue("id"), *req.Position)
	s.writeCommand(w, r, cmd, err)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	h, ok := s.hub(w, r)
	if !ok {
		return
	}
	cmd, err := h.Open(r.Context(), r.PathValue("id"))
	s.writeCommand(w, r, cmd, err)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	h, ok := s.hub(w, r)
	if !ok {
		return
	}
	cmd, err := h.Close(r.Context(), r.PathValue("id"))
	s.writeCommand(w, r, cmd, err)
}

func (s *Server) writeCommand(w http.ResponseWriter, r *http.Request, cmd session.Command, err error) {
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Command rejected")
		writeError(w, err)
		return
	}
	log.Debug().
		Str("path", r.URL.Path).
		Uint64("command_id", cmd.ID).
		Int("target", cmd.Target).
		Msg("Command accepted")
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, ok := s.hub(w, r)
	if !ok {
		return
	}
	if s.opts.History == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody("history is not available"))
		return
	}

	id := r.PathValue("id")
	if _, err := h.Device(id); err != nil {
		writeError(w, err)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.opts.History.Recent(h.Name(), id, limit)
	if err != nil {
		log.Error().Err(err).Str("hub", h.Name()).Str("device", id).Msg("Failed to read history")
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to read history"))
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) hub(w http.ResponseWriter, r *http.Request) (Hub, bool) {
	name := r.PathValue("hub")
	h, ok := s.hubs[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("unknown hub "+name))
		return nil, false
	}
	return h, true
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNotDiscovered), errors.Is(err, session.ErrSessionClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
