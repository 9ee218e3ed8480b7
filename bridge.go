package chatspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// BridgeEnvelope is the wire format for every server-to-renderer frame.
type BridgeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// BridgeCommand is a renderer-to-server intent.
type BridgeCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// AckPayload answers a BridgeCommand.
type AckPayload struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	// Result carries the created conversation for "create".
	Result any `json:"result,omitempty"`
}

// BridgeErrorPayload mirrors a sync.error event.
type BridgeErrorPayload struct {
	Intent         string `json:"intent"`
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

type commandPayload struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
	Text           string `json:"text"`
}

// ============================================================================
// Configuration
// ============================================================================

// BridgeConfig configures a Bridge. Zero fields take defaults.
type BridgeConfig struct {
	// AllowedOrigins lists browser origins allowed for CORS and the socket handshake.
	AllowedOrigins    []string
	RateLimit         int
	RateWindow        time.Duration
	HeartbeatInterval time.Duration
	CommandTimeout    time.Duration
	// MetricsHandler, when set, is served at /metrics.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

func (c *BridgeConfig) defaults() {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if c.RateLimit == 0 {
		c.RateLimit = 30
	}
	if c.RateWindow == 0 {
		c.RateWindow = time.Minute
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Bridge
// ============================================================================

// Bridge exposes an Engine to a remote renderer over WebSocket. Renderers
// receive a "state" frame on connect and after every change, and drive the
// engine with commands.
type Bridge struct {
	engine *Engine
	config BridgeConfig
	logger *zap.Logger
	router chi.Router

	mu      sync.Mutex
	clients map[string]*bridgeClient
	offs    []func()
}

type bridgeClient struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	commands chan BridgeCommand
	cancel   context.CancelFunc

	// version of the last state frame queued, guarded by Bridge.mu
	version uint64
}

// NewBridge creates a bridge for engine. config may be nil.
func NewBridge(engine *Engine, config *BridgeConfig) *Bridge {
	if config == nil {
		config = &BridgeConfig{}
	}
	cfg := *config
	cfg.defaults()

	b := &Bridge{
		engine:  engine,
		config:  cfg,
		logger:  cfg.Logger,
		clients: make(map[string]*bridgeClient),
	}

	b.offs = append(b.offs,
		engine.On(EventStateChanged, func(_ string, payload any) {
			if s, ok := payload.(State); ok {
				b.broadcastState(s)
			}
		}),
		engine.On(EventSyncError, func(_ string, payload any) {
			se, ok := payload.(*SyncError)
			if !ok {
				return
			}
			b.broadcast("error", BridgeErrorPayload{
				Intent:         se.Intent,
				ConversationID: se.ConversationID,
				Message:        se.Err.Error(),
			})
		}),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", b.handleHealth)
	r.Get("/state", b.handleState)
	r.With(httprate.LimitByIP(cfg.RateLimit, cfg.RateWindow)).Get("/ws", b.handleSocket)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	b.router = r
	return b
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// Clients returns the number of connected renderers.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close detaches from the engine and disconnects every renderer.
func (b *Bridge) Close() {
	b.mu.Lock()
	offs := b.offs
	b.offs = nil
	clients := b.clients
	b.clients = make(map[string]*bridgeClient)
	b.mu.Unlock()

	for _, off := range offs {
		off()
	}
	for _, c := range clients {
		c.cancel()
		c.conn.Close(websocket.StatusGoingAway, "bridge closed")
	}
}

// ============================================================================
// HTTP Handlers
// ============================================================================

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Bridge) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.engine.Snapshot())
}

func (b *Bridge) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originHosts(b.config.AllowedOrigins),
	})
	if err != nil {
		b.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &bridgeClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, 32),
		commands: make(chan BridgeCommand, 8),
		cancel:   cancel,
	}

	// the first frame is queued under the lock so no newer state overtakes it
	b.mu.Lock()
	snap := b.engine.Snapshot()
	b.clients[c.id] = c
	c.version = snap.Version
	b.enqueue(c, "state", snap)
	b.mu.Unlock()
	b.logger.Info("renderer connected", zap.String("client_id", c.id))

	defer func() {
		cancel()
		b.mu.Lock()
		delete(b.clients, c.id)
		b.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		b.logger.Info("renderer disconnected", zap.String("client_id", c.id))
	}()

	go b.writeLoop(ctx, c)
	go b.heartbeatLoop(ctx, c)
	go b.commandLoop(ctx, c)
	b.readLoop(ctx, c)
}

// ============================================================================
// Connection Loops
// ============================================================================

func (b *Bridge) readLoop(ctx context.Context, c *bridgeClient) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				b.logger.Debug("websocket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var cmd BridgeCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.enqueue(c, "ack", AckPayload{OK: false, Error: "invalid command: " + err.Error()})
			continue
		}
		if cmd.Type == "ping" {
			b.enqueue(c, "pong", PongPayload{RequestID: cmd.RequestID})
			continue
		}
		select {
		case c.commands <- cmd:
		default:
			b.ack(c, cmd.RequestID, nil, errors.New("too many commands in flight"))
		}
	}
}

// commandLoop runs a renderer's commands in order, off the read goroutine.
func (b *Bridge) commandLoop(ctx context.Context, c *bridgeClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			b.dispatch(ctx, c, cmd)
		}
	}
}

func (b *Bridge) writeLoop(ctx context.Context, c *bridgeClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (b *Bridge) heartbeatLoop(ctx context.Context, c *bridgeClient) {
	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// heartbeat failed, force close
				c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				c.cancel()
				return
			}
		}
	}
}

// ============================================================================
// Commands
// ============================================================================

func (b *Bridge) dispatch(ctx context.Context, c *bridgeClient, cmd BridgeCommand) {
	var p commandPayload
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			b.ack(c, cmd.RequestID, nil, fmt.Errorf("invalid payload: %w", err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.CommandTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch cmd.Type {
	case "bootstrap":
		err = b.engine.Bootstrap(ctx)
	case "select":
		err = b.engine.Select(ctx, p.ConversationID)
	case "create":
		var conv *Conversation
		if conv, err = b.engine.Create(ctx, p.Name); conv != nil {
			result = conv
		}
	case "send":
		err = b.engine.Send(ctx, p.Text)
	case "archive":
		err = b.engine.Archive(ctx, p.ConversationID)
	case "unarchive":
		err = b.engine.Unarchive(ctx, p.ConversationID)
	case "delete":
		err = b.engine.Remove(ctx, p.ConversationID)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}
	b.ack(c, cmd.RequestID, result, err)
}

func (b *Bridge) ack(c *bridgeClient, requestID string, result any, err error) {
	ack := AckPayload{RequestID: requestID, OK: err == nil, Result: result}
	if err != nil {
		ack.Error = err.Error()
	}
	b.enqueue(c, "ack", ack)
}

// ============================================================================
// Fan-out
// ============================================================================

func encodeEnvelope(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(BridgeEnvelope{Type: kind, Payload: raw})
}

func (b *Bridge) broadcast(kind string, payload any) {
	data, err := encodeEnvelope(kind, payload)
	if err != nil {
		b.logger.Error("failed to encode frame", zap.String("type", kind), zap.Error(err))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		b.push(c, kind, data)
	}
}

// broadcastState queues s for every renderer that has not seen a newer state.
func (b *Bridge) broadcastState(s State) {
	data, err := encodeEnvelope("state", s)
	if err != nil {
		b.logger.Error("failed to encode frame", zap.String("type", "state"), zap.Error(err))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		if s.Version <= c.version {
			continue
		}
		c.version = s.Version
		b.push(c, "state", data)
	}
}

func (b *Bridge) enqueue(c *bridgeClient, kind string, payload any) {
	data, err := encodeEnvelope(kind, payload)
	if err != nil {
		b.logger.Error("failed to encode frame", zap.String("type", kind), zap.Error(err))
		return
	}
	b.push(c, kind, data)
}

// push never blocks; a renderer that cannot keep up loses frames and
// catches up on the next state frame.
func (b *Bridge) push(c *bridgeClient, kind string, data []byte) {
	select {
	case c.send <- data:
	default:
		b.logger.Warn("dropping frame for slow renderer",
			zap.String("client_id", c.id), zap.String("type", kind))
	}
}

// ============================================================================
// Helpers
// ============================================================================

// originHosts strips schemes so CORS origins double as handshake patterns.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		hosts = append(hosts, o)
	}
	return hosts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
