package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/quietrefresh/internal/config"
	apperrors "github.com/GriffinCanCode/quietrefresh/internal/errors"
	"github.com/GriffinCanCode/quietrefresh/internal/history"
	"github.com/GriffinCanCode/quietrefresh/internal/metrics"
	"github.com/GriffinCanCode/quietrefresh/internal/orchestrator"
	"github.com/GriffinCanCode/quietrefresh/internal/orchestrator/events"
	"github.com/GriffinCanCode/quietrefresh/internal/trace"
)

// Controller is the part of the manager the server drives.
type Controller interface {
	Status() orchestrator.Status
	ApplySettings(ctx context.Context, p config.Patch) (config.Settings, error)
	Events() *events.Store
}

// HistoryReader serves stored fire records.
type HistoryReader interface {
	Recent(limit int) ([]*history.FireRecord, error)
	SummarySince(since time.Time) (history.Summary, error)
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type SettingsMessage struct {
	Type     string       `json:"type"`
	Settings config.Patch `json:"settings"`
	TraceID  string       `json:"trace_id,omitempty"`
}

type SettingsAckMessage struct {
	Type     string          `json:"type"`
	Settings config.Settings `json:"settings"`
}

type StatusMessage struct {
	Type   string              `json:"type"`
	Status orchestrator.Status `json:"status"`
}

type EventMessage struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HistoryResponse is the body of GET /api/history.
type HistoryResponse struct {
	Records []*history.FireRecord `json:"records"`
	Summary history.Summary       `json:"summary"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-RateLimitWindow)
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	ctrl    Controller
	history HistoryReader
	metrics *metrics.Metrics
}

// New creates a server. hist may be nil when history is disabled.
func New(ctrl Controller, hist HistoryReader, m *metrics.Metrics) *Server {
	return &Server{ctrl: ctrl, history: hist, metrics: m}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return trace.Middleware(mux)
}

// ListenAndServe serves addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	return <-errCh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorMessage{Type: "error", Message: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status().Settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var p config.Patch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body: "+err.Error())
		return
	}

	settings, err := s.ctrl.ApplySettings(r.Context(), p)
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.IsCode(err, apperrors.ConfigInvalid) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs := s.ctrl.Events().Entries()
	if v := r.URL.Query().Get("seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "seconds must be a positive integer")
			return
		}
		evs = s.ctrl.Events().Recent(time.Duration(secs) * time.Second)
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	log := trace.Logger(r.Context())
	recs, err := s.history.Recent(limit)
	if err != nil {
		log.Error("history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	summary, err := s.history.SummarySince(time.Now().Add(-SummaryWindow))
	if err != nil {
		log.Error("history summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history summary failed")
		return
	}
	if recs == nil {
		recs = []*history.FireRecord{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Records: recs, Summary: summary})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.metrics.WSClients.Add(1)
	defer s.metrics.WSClients.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	evs, unsubscribe := s.ctrl.Events().Subscribe()
	defer unsubscribe()
	go s.forwardEvents(ctx, conn, evs)

	_ = s.write(ctx, conn, StatusMessage{Type: "status", Status: s.ctrl.Status()})

	rl := &rateLimiter{}
	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow(time.Now()) {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = s.write(ctx, conn, ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			_ = s.write(ctx, conn, ErrorMessage{Type: "error", Message: "malformed message"})
			continue
		}

		switch base.Type {
		case "settings":
			var sm SettingsMessage
			if err := json.Unmarshal(msg, &sm); err != nil {
				_ = s.write(ctx, conn, ErrorMessage{Type: "error", Message: "malformed settings"})
				continue
			}
			msgCtx := ctx
			if tc, ok := trace.ExtractFromJSON(msg); ok {
				msgCtx = trace.WithContext(ctx, tc)
			} else {
				msgCtx, _ = trace.EnsureContext(ctx)
			}
			s.handleSettings(msgCtx, conn, sm.Settings)
		case "status":
			_ = s.write(ctx, conn, StatusMessage{Type: "status", Status: s.ctrl.Status()})
		default:
			_ = s.write(ctx, conn, ErrorMessage{Type: "error", Message: "unknown message type " + strconv.Quote(base.Type)})
		}
	}
}

func (s *Server) handleSettings(ctx context.Context, conn *websocket.Conn, p config.Patch) {
	ctx, span := trace.StartSpan(ctx, "ws_settings")
	defer span.End()

	settings, err := s.ctrl.ApplySettings(ctx, p)
	if err != nil {
		span.SetAttr("error", err.Error())
		_ = s.write(ctx, conn, ErrorMessage{Type: "error", Message: err.Error()})
		return
	}
	_ = s.write(ctx, conn, SettingsAckMessage{Type: "settings_ack", Settings: settings})
}

// forwardEvents streams store events to one client until ctx ends or the
// subscription closes.
func (s *Server) forwardEvents(ctx context.Context, conn *websocket.Conn, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if err := s.write(ctx, conn, EventMessage{Type: "event", Event: ev}); err != nil {
				trace.Logger(ctx).Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WSWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
