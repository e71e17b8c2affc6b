package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/ble-kermit/internal/ble"
	"github.com/chaz8081/ble-kermit/internal/history"
	"github.com/chaz8081/ble-kermit/internal/session"
)

// Journal is the part of the history DB the API reads.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// StateSource reports the current link state.
type StateSource interface {
	State() ble.State
}

// Options configures the HTTP API.
type Options struct {
	Root    string  // transfer root listed by /api/v1/files
	DirMax  int     // listing cap
	Journal Journal // nil disables /api/v1/history
	State   StateSource
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// pingInterval is how often idle stream clients are pinged.
var pingInterval = 20 * time.Second

// Server holds handler dependencies.
type Server struct {
	bus     *EventBus
	opts    Options
	started time.Time
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(bus *EventBus, opts Options) http.Handler {
	if opts.DirMax <= 0 {
		opts.DirMax = session.DefaultOptions().DirMax
	}
	s := &Server{bus: bus, opts: opts, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/history", s.history)
	mux.HandleFunc("GET /api/v1/files", s.files)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(mux)
}

// ListenAndServe serves h on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()
	slog.Info("[MON] listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor: serve: %w", err)
	}
	return nil
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	state := "unknown"
	if s.opts.State != nil {
		state = s.opts.State.State().String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"state":       state,
		"subscribers": s.bus.Len(),
	})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.opts.Journal.Recent(r.Context(), limit)
	if err != nil {
		slog.Warn("[MON] history query", "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": entries,
		"count":        len(entries),
	})
}

func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	listing, err := session.ListDir(s.opts.Root, s.opts.DirMax)
	if err != nil {
		slog.Warn("[MON] list files", "root", s.opts.Root, "error", err)
		http.Error(w, "listing unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"root":  s.opts.Root,
		"files": json.RawMessage(listing),
	})
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[MON] ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	// Pongs and the close frame are only processed while reading.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("[MON] ws write", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.Debug("[MON] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.code,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("monitor: response does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, lo, hi int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be %d-%d", key, lo, hi)
	}
	return n, nil
}
