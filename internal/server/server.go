// Package server exposes the sensor to the dashboard: a websocket stream of
// device events and telemetry snapshots, and a small JSON API that acts as
// the UI's action source.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/tackle-dash/internal/device"
	"github.com/shaunagostinho/tackle-dash/internal/protocol"
	"github.com/shaunagostinho/tackle-dash/internal/scheduler"
	"github.com/shaunagostinho/tackle-dash/internal/telemetry"
)

// Server relays Manager updates to WebSocket clients and serves the API.
type Server struct {
	cfg *Config
	mgr *device.Manager
	log *zap.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// pending is set while config changes have not reached the Manager.
	pending atomic.Bool

	// listPorts is swapped out in tests.
	listPorts func() ([]string, error)
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Type      string                        `json:"type"` // hello, event, state, status, telemetry
	State     device.ConnectionState        `json:"state"`
	Event     *EventData                    `json:"event,omitempty"`
	Status    string                        `json:"status,omitempty"`
	Device    *device.DeviceState           `json:"device,omitempty"`
	Telemetry map[string][]telemetry.Sample `json:"telemetry,omitempty"`
	Stamp     int64                         `json:"stamp"` // Unix ms
}

// EventData wraps a device event with its kind so clients can switch on it.
type EventData struct {
	Kind string         `json:"kind"`
	Data protocol.Event `json:"data"`
}

// StatusResponse is returned by /api/state.
type StatusResponse struct {
	State    device.ConnectionState `json:"state"`
	Endpoint string                 `json:"endpoint"`
	Device   device.DeviceState     `json:"device"`
	Polls    []scheduler.Handle     `json:"polls"`
}

// TelemetryResponse is returned by /api/telemetry.
type TelemetryResponse struct {
	Capacity int                           `json:"capacity"`
	Series   map[string][]telemetry.Sample `json:"series"`
}

// LEDRequest is the body of POST /api/led: either components or a hex color.
type LEDRequest struct {
	R     *int   `json:"r"`
	G     *int   `json:"g"`
	B     *int   `json:"b"`
	Color string `json:"color"`
}

// New creates a new Server.
func New(cfg *Config, mgr *device.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		mgr:     mgr,
		log:     log.Named("server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		listPorts: device.ListPorts,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/led", s.handleLED)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run starts the HTTP server and the broadcast loops. It returns when ctx
// is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	addr := s.cfg.ServerSettings().ListenAddr
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Queue the greeting before registering so it is always first.
	snap := s.mgr.Snapshot()
	hello := Frame{
		Type:      "hello",
		State:     s.mgr.State(),
		Device:    &snap,
		Telemetry: s.mgr.Telemetry().Snapshot(),
		Stamp:     time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("ws client connected", zap.Int("clients", total))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients send nothing meaningful)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info("ws client disconnected", zap.Int("clients", total))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Start subscribes to the Manager and launches the broadcast loops. Updates
// published after Start returns reach every client connected at the time.
func (s *Server) Start(ctx context.Context) {
	updates, unsub := s.mgr.Subscribe()
	go s.relayLoop(ctx, updates, unsub)
	go s.telemetryLoop(ctx)
}

// relayLoop forwards every Manager update to the clients, in order.
func (s *Server) relayLoop(ctx context.Context, updates <-chan device.Update, unsub func()) {
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			s.broadcast(frameFor(u))
		}
	}
}

func frameFor(u device.Update) Frame {
	f := Frame{
		Type:   string(u.Type),
		State:  u.State,
		Status: u.Status,
		Stamp:  u.Stamp.UnixMilli(),
	}
	if u.Event != nil {
		f.Event = &EventData{Kind: protocol.Kind(u.Event), Data: u.Event}
	}
	return f
}

// telemetryLoop pushes the chart window at the configured rate while a
// sensor is connected.
func (s *Server) telemetryLoop(ctx context.Context) {
	hz := s.cfg.ServerSettings().BroadcastHz
	if hz <= 0 {
		hz = 4
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.mgr.State() != device.StateConnected {
				continue
			}
			snap := s.mgr.Snapshot()
			s.broadcast(Frame{
				Type:      "telemetry",
				State:     device.StateConnected,
				Device:    &snap,
				Telemetry: s.mgr.Telemetry().Snapshot(),
				Stamp:     time.Now().UnixMilli(),
			})
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		State:    s.mgr.State(),
		Endpoint: s.mgr.Endpoint(),
		Device:   s.mgr.Snapshot(),
		Polls:    s.mgr.Polls(),
	})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	buf := s.mgr.Telemetry()
	writeJSON(w, http.StatusOK, TelemetryResponse{Capacity: buf.Capacity(), Series: buf.Snapshot()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pending.Load() {
		if _, err := s.applyConfig(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.mgr.Connect(r.Context()); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": s.mgr.State().String()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.mgr.Disconnect(); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	if s.pending.Load() {
		if _, err := s.applyConfig(); err != nil {
			s.log.Warn("config not applied", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": s.mgr.State().String()})
}

func (s *Server) handleLED(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req LEDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var red, green, blue int
	switch {
	case req.Color != "":
		var err error
		if red, green, blue, err = protocol.ParseHexColor(req.Color); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	case req.R != nil && req.G != nil && req.B != nil:
		red, green, blue = *req.R, *req.G, *req.B
	default:
		http.Error(w, "need r, g, b or color", http.StatusBadRequest)
		return
	}

	if err := s.mgr.SetLED(red, green, blue); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ports, err := s.listPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ports": ports})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		s.pending.Store(true)
		applied, err := s.applyConfig()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "applied": applied})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// applyConfig hands the device, polling and telemetry settings to the
// Manager. It reports false while the Manager is not Disconnected; the
// changes then stay pending until the next disconnect or connect request.
func (s *Server) applyConfig() (bool, error) {
	opener, err := s.cfg.Opener(s.log)
	if err != nil {
		return false, err
	}
	opts, err := s.cfg.DeviceOptions()
	if err != nil {
		return false, err
	}
	if err := s.mgr.Reconfigure(opener, opts); err != nil {
		if errors.Is(err, device.ErrIllegalState) {
			return false, nil
		}
		return false, err
	}
	s.pending.Store(false)
	return true, nil
}

// errorStatus maps core errors onto HTTP status codes.
func errorStatus(err error) int {
	var cerr *device.ConnectError
	switch {
	case errors.Is(err, device.ErrIllegalState), errors.Is(err, device.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrInvalidColor):
		return http.StatusBadRequest
	case errors.As(err, &cerr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn("frame marshal failed", zap.Error(err))
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
