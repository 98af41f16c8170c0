// Package server exposes the daemon over a local HTTP JSON API and pushes
// connection events to WebSocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/chaz8081/lumid/internal/alarm"
	"github.com/chaz8081/lumid/internal/ble"
)

// Device is the connection manager surface the API drives. *ble.Manager
// implements it.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, cmd ble.Command) error
	Pulse(ctx context.Context, cmd ble.Command, d time.Duration) error
	Status() ble.Status
}

// Alarms is the alarm driver surface the API drives. *alarm.Driver
// implements it.
type Alarms interface {
	Update(ctx context.Context, m alarm.Metrics)
	RegisterWater(ctx context.Context) alarm.State
	RegisterMeal(ctx context.Context, balanced bool) alarm.State
	State() alarm.State
	Metrics() alarm.Metrics
	Decision() alarm.Decision
}

// Options configures a Server.
type Options struct {
	Addr          string
	TokenHash     string // bcrypt hash of the bearer token; empty disables auth
	PulseDuration time.Duration
}

// Server is the local control API.
type Server struct {
	device   Device
	alarms   Alarms
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	http     *http.Server
}

// New creates a Server. hub may be nil, in which case /ws is not served.
func New(device Device, alarms Alarms, hub *Hub, opts Options) *Server {
	if opts.PulseDuration <= 0 {
		opts.PulseDuration = 1500 * time.Millisecond
	}
	s := &Server{
		device: device,
		alarms: alarms,
		hub:    hub,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("POST /pulse", s.handlePulse)
	mux.HandleFunc("POST /metrics", s.handleMetrics)
	mux.HandleFunc("POST /intake/water", s.handleWater)
	mux.HandleFunc("POST /intake/meal", s.handleMeal)
	mux.HandleFunc("GET /alarm", s.handleAlarm)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.handleWebSocket)
	}
	return s.auth(mux)
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("[HTTP] listening", "addr", s.opts.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.http.Shutdown(ctx)
}

// auth requires "Authorization: Bearer <token>" matching the configured hash.
func (s *Server) auth(next http.Handler) http.Handler {
	if s.opts.TokenHash == "" {
		return next
	}
	hash := []byte(s.opts.TokenHash)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			// Browsers cannot set headers on WebSocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if token == "" || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.device.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	// Discovery outlives a client that hangs up; the scan timeout bounds it.
	ctx := context.WithoutCancel(r.Context())
	if !secureRequest(r) {
		ctx = ble.WithInsecure(ctx)
	}
	if err := s.device.Connect(ctx); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.device.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.device.Disconnect(); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.device.Status())
}

type commandRequest struct {
	Command    ble.Command `json:"command"`
	DurationMS int         `json:"duration_ms"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.device.Send(r.Context(), req.Command); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": req.Command})
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	req := commandRequest{Command: ble.CommandWater}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	d := s.opts.PulseDuration
	if req.DurationMS > 0 {
		d = time.Duration(req.DurationMS) * time.Millisecond
	}
	if err := s.device.Pulse(r.Context(), req.Command, d); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pulsed": req.Command, "duration_ms": d.Milliseconds()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m alarm.Metrics
	if err := decode(r, &m); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.alarms.Update(r.Context(), m)
	s.writeAlarm(w)
}

func (s *Server) handleWater(w http.ResponseWriter, r *http.Request) {
	s.alarms.RegisterWater(r.Context())
	s.writeAlarm(w)
}

type mealRequest struct {
	Balanced bool `json:"balanced"`
}

func (s *Server) handleMeal(w http.ResponseWriter, r *http.Request) {
	var req mealRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	s.alarms.RegisterMeal(r.Context(), req.Balanced)
	s.writeAlarm(w)
}

func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	s.writeAlarm(w)
}

// AlarmResponse is the body of the alarm routes.
type AlarmResponse struct {
	State    alarm.State   `json:"state"`
	Metrics  alarm.Metrics `json:"metrics"`
	Decision struct {
		Command ble.Command `json:"command"`
		Reason  string      `json:"reason"`
	} `json:"decision"`
}

func (s *Server) writeAlarm(w http.ResponseWriter) {
	resp := AlarmResponse{State: s.alarms.State(), Metrics: s.alarms.Metrics()}
	d := s.alarms.Decision()
	resp.Decision.Command, resp.Decision.Reason = d.Command, d.Reason
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("[WS] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Debug("[WS] client connected", "remote", r.RemoteAddr)
	s.hub.Serve(conn)
	slog.Debug("[WS] client disconnected", "remote", r.RemoteAddr)
}

// secureRequest reports whether r arrived over TLS or from this machine.
func secureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error       string `json:"error"`
	Remediation string `json:"remediation,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("[HTTP] encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// writeDeviceError maps a ble error to a status code and remediation text.
func writeDeviceError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ble.ErrInsecureContext):
		status = http.StatusForbidden
	case errors.Is(err, ble.ErrTransportUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ble.ErrNoDeviceSelected):
		status = http.StatusNotFound
	case errors.Is(err, ble.ErrBusy), errors.Is(err, ble.ErrNotReady), errors.Is(err, ble.ErrDisconnected):
		status = http.StatusConflict
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Remediation: ble.Remediation(err)})
}
