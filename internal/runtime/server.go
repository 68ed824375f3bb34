package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/szaher/phoneagent/internal/auth"
	"github.com/szaher/phoneagent/internal/controller"
	"github.com/szaher/phoneagent/internal/discovery"
	"github.com/szaher/phoneagent/internal/events"
	"github.com/szaher/phoneagent/internal/frontend"
	"github.com/szaher/phoneagent/internal/memory"
	"github.com/szaher/phoneagent/internal/process"
	"github.com/szaher/phoneagent/internal/session"
	"github.com/szaher/phoneagent/internal/telemetry"
)

// CorrelationHeader carries the request correlation ID in both directions.
const CorrelationHeader = "X-Correlation-ID"

// keepAliveInterval spaces SSE comments on an idle event stream.
const keepAliveInterval = 15 * time.Second

// maxMessageBytes caps the body of a send request.
const maxMessageBytes = 64 << 10

// Version is reported by /healthz and the version command.
var Version = "0.1.0"

// Server is the HTTP control API over the session controller.
type Server struct {
	controller *controller.Controller
	devices    *discovery.Registry
	bus        *events.Bus
	metrics    *telemetry.Metrics
	mux        *http.ServeMux
	logger     *slog.Logger
	startTime  time.Time
	apiKey     string
	noAuth     bool
	guard      *auth.FailureGuard

	// closing ends event streams, which http.Server.Shutdown waits for.
	closing   chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	server *http.Server
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithNoAuth serves every route without authentication.
func WithNoAuth(noAuth bool) ServerOption {
	return func(s *Server) { s.noAuth = noAuth }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the control API server.
func NewServer(ctrl *controller.Controller, devices *discovery.Registry, bus *events.Bus, opts ...ServerOption) *Server {
	s := &Server{
		controller: ctrl,
		devices:    devices,
		bus:        bus,
		logger:     slog.Default(),
		startTime:  time.Now(),
		guard:      auth.NewFailureGuard(),
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/devices", s.handleListDevices)
	mux.HandleFunc("POST /v1/devices/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/devices/{id}/connect", s.handleConnect)
	mux.HandleFunc("DELETE /v1/devices/{id}/session", s.handleDisconnect)
	mux.HandleFunc("POST /v1/devices/{id}/messages", s.handleSend)
	mux.HandleFunc("POST /v1/devices/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/devices/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	authn := auth.Middleware(auth.Config{
		Key:       s.apiKey,
		NoAuth:    s.noAuth,
		SkipPaths: []string{"/healthz", "/metrics"},
		Guard:     s.guard,
	})
	return s.correlate(authn(s.mux))
}

// ListenAndServe starts the HTTP server. It returns http.ErrServerClosed
// after Shutdown, including when Shutdown ran first.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	select {
	case <-s.closing:
		s.mu.Unlock()
		return http.ErrServerClosed
	default:
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("control API listening", "addr", addr, "auth", !s.noAuth)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closeOnce.Do(func() { close(s.closing) })
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// correlate tags each request with a correlation ID, reusing the caller's.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(telemetry.WithCorrelationID(r.Context(), id)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sessions, _ := s.controller.Sessions(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"uptime":   time.Since(s.startTime).String(),
		"sessions": len(sessions),
		"version":  Version,
	})
}

type deviceView struct {
	discovery.Device
	Eligible bool          `json:"eligible"`
	Session  *session.Info `json:"session,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.controller.Sessions(r.Context())
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	byDevice := make(map[string]session.Info, len(sessions))
	for _, info := range sessions {
		byDevice[info.DeviceID] = info
	}

	known := s.devices.Known()
	views := make([]deviceView, 0, len(known))
	for _, d := range known {
		v := deviceView{Device: d, Eligible: d.Present && d.Online}
		if info, ok := byDevice[d.ID]; ok {
			info := info
			v.Session = &info
		}
		views = append(views, v)
	}

	body := map[string]interface{}{"devices": views}
	if last, refreshErr := s.devices.LastRefresh(); !last.IsZero() {
		body["last_refresh"] = last.Format(time.RFC3339)
		if refreshErr != nil {
			body["refresh_error"] = refreshErr.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.devices.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "enumeration_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": snaps})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := s.controller.Connect(r.Context(), deviceID); err != nil {
		s.writeControllerError(w, err)
		return
	}
	info, ok, err := s.controller.Session(r.Context(), deviceID)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	if !ok {
		// The agent exited between connect and lookup.
		writeError(w, http.StatusConflict, "not_connected", "agent exited immediately after connect")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Disconnect(r.Context(), r.PathValue("id")); err != nil {
		s.writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if err := s.controller.Send(r.Context(), r.PathValue("id"), req.Message); err != nil {
		s.writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	format, err := memory.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	deviceID := r.PathValue("id")
	entries, err := s.controller.Transcript(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	var buf bytes.Buffer
	if err := memory.Export(&buf, deviceID, entries, format); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// handleEvents streams bus events as SSE. ?device= limits the stream to one
// device plus global events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("device")
	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	sse, err := frontend.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	var n uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			if err := sse.WriteComment("keep-alive"); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if filter != "" && ev.DeviceID != "" && ev.DeviceID != filter {
				continue
			}
			data, err := ev.JSON()
			if err != nil {
				s.logger.Warn("encode event failed", "type", ev.Type, "error", err)
				continue
			}
			n++
			if err := sse.WriteRaw(string(ev.Type), fmt.Sprintf("%d", n), data); err != nil {
				return
			}
		}
	}
}

// writeControllerError maps controller errors onto HTTP statuses.
func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	var spawnErr *process.SpawnError
	switch {
	case errors.Is(err, controller.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error())
	case errors.Is(err, controller.ErrDeviceOffline):
		writeError(w, http.StatusConflict, "device_offline", err.Error())
	case errors.Is(err, controller.ErrSuperseded):
		writeError(w, http.StatusConflict, "superseded", err.Error())
	case errors.Is(err, controller.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, controller.ErrSettleTimeout):
		writeError(w, http.StatusGatewayTimeout, "settle_timeout", err.Error())
	case errors.Is(err, controller.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, process.ErrInputFull):
		writeError(w, http.StatusServiceUnavailable, "agent_busy", err.Error())
	case errors.As(err, &spawnErr):
		writeError(w, http.StatusBadGateway, "spawn_failed", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "cancelled", err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
