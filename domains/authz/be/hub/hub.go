package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
)

// Backend is the tenant actor surface the hub drives: current version and log
// access for catch-up, and the single-writer apply path for client mutations.
type Backend interface {
	CurrentVersion() uint64
	OldestRetained(ctx context.Context) (uint64, error)
	MutationRange(ctx context.Context, from, to uint64) ([]*ledger.Mutation, error)
	Apply(ctx context.Context, req ledger.Request, operator string) (*ledger.Mutation, error)
	AcceptingConnections() bool
}

// Config tunes the hub. Zero values take the documented defaults.
type Config struct {
	// MaxCatchup is the largest version lag served by catch-up; beyond it
	// the client is told to full-resync. Default 100.
	MaxCatchup int
	// SendQueue bounds the per-connection frame queue. Default 256.
	SendQueue int
	// PingInterval is the heartbeat period. Default 30s.
	PingInterval time.Duration
	// MaxMissedPongs closes the connection when exceeded. Default 3.
	MaxMissedPongs int
	// IdleTimeout evicts connections with no activity. Default 5m.
	IdleTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxCatchup <= 0 {
		cfg.MaxCatchup = 100
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = 3
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return cfg
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is the per-tenant WebSocket connection registry. It fans committed
// mutations out to streaming connections, services catch-up for reconnecting
// clients, and evicts idle or slow connections.
type Hub struct {
	cfg     Config
	logger  *zap.Logger
	backend Backend

	mu    sync.Mutex
	conns map[string]*conn

	stop     chan struct{}
	stopOnce sync.Once
}

// New wires a hub for one tenant and starts its idle sweeper.
func New(backend Backend, cfg Config, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		backend: backend,
		conns:   make(map[string]*conn),
		stop:    make(chan struct{}),
	}
	go h.sweepIdle()
	return h
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// HandleWS upgrades the request and runs the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, operator string) {
	if !h.backend.AcceptingConnections() {
		http.Error(w, `{"error":"tenant over quota"}`, http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade", zap.Error(err))
		return
	}

	c := newConn(uuid.NewString(), ws, operator, h.cfg.SendQueue, h.logger)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.logger.Info("connection open", zap.String("conn_id", c.id))

	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.writePump(h.cfg.PingInterval, h.cfg.MaxMissedPongs, func(reason string) {
		h.drop(c, reason, nil)
	})

	h.readLoop(c)
}

func (h *Hub) readLoop(c *conn) {
	defer h.drop(c, "read loop exit", nil)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.enqueueOrDrop(c, Frame{Type: FrameError, Message: "malformed frame"})
			continue
		}

		switch frame.Type {
		case FrameVersion:
			h.handleVersion(c, frame.Version)
		case FrameMutate:
			h.handleMutate(c, frame)
		case FramePing:
			h.enqueueOrDrop(c, Frame{Type: FramePong})
		default:
			h.enqueueOrDrop(c, Frame{Type: FrameError, Message: "unknown frame type " + frame.Type})
		}
	}
}

// handleVersion services the client's reconnect handshake: catch-up when the
// lag fits the window and the log still holds the range, full resync
// otherwise. Backend reads happen before the hub mutex is taken: the backend
// serializes writes behind its own lock and calls Broadcast while holding it,
// so touching it under h.mu would invert the lock order. Broadcasts landing
// mid-handshake are buffered on the connection and flushed, deduplicated by
// version, atomically with the state flip.
func (h *Hub) handleVersion(c *conn, stated uint64) {
	ctx, cancel := applyContext()
	defer cancel()

	c.beginSync()

	current := h.backend.CurrentVersion()
	if stated > current {
		h.finishRejected(c, Frame{Type: FrameError, Message: "stated version is ahead of server"})
		return
	}
	if stated == current {
		h.finishStreaming(c, current, nil)
		return
	}

	lag := current - stated
	if lag > uint64(h.cfg.MaxCatchup) {
		h.finishRejected(c, Frame{Type: FrameFullSyncRequired, Reason: "lag exceeds catch-up window"})
		return
	}

	oldest, err := h.backend.OldestRetained(ctx)
	if err != nil {
		h.finishRejected(c, Frame{Type: FrameError, Message: "log unavailable"})
		return
	}
	if stated != 0 && stated+1 < oldest {
		h.finishRejected(c, Frame{Type: FrameFullSyncRequired, Reason: "beyond retention"})
		return
	}
	if stated == 0 && oldest > 1 {
		h.finishRejected(c, Frame{Type: FrameFullSyncRequired, Reason: "beyond retention"})
		return
	}

	mutations, err := h.backend.MutationRange(ctx, stated+1, current)
	if err != nil {
		h.finishRejected(c, Frame{Type: FrameError, Message: "log unavailable"})
		return
	}
	h.finishStreaming(c, current, &Frame{
		Type:      FrameCatchUp,
		From:      stated,
		To:        current,
		Mutations: mutations,
	})
}

// finishStreaming completes a successful handshake under the hub mutex so no
// broadcast can interleave between the backfill and the flip: the optional
// catch-up frame goes first, then the handshake-buffered frames newer than
// the horizon, then the connection streams live.
func (h *Hub) finishStreaming(c *conn, horizon uint64, catchUp *Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if catchUp != nil {
		h.enqueueOrDropLocked(c, *catchUp)
	}
	for _, frame := range c.finishSync(horizon) {
		h.enqueueOrDropLocked(c, frame)
	}
}

func (h *Hub) finishRejected(c *conn, frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.abortSync()
	h.enqueueOrDropLocked(c, frame)
}

// handleMutate validates and commits a client-submitted mutation, answering
// with exactly one of ack or reject carrying the client-local id.
func (h *Hub) handleMutate(c *conn, frame Frame) {
	if frame.Request == nil {
		h.enqueueOrDrop(c, Frame{Type: FrameReject, ClientID: frame.ClientID, Reason: "request payload missing"})
		return
	}
	ctx, cancel := applyContext()
	defer cancel()

	mutation, err := h.backend.Apply(ctx, *frame.Request, c.operator)
	if err != nil {
		h.enqueueOrDrop(c, Frame{Type: FrameReject, ClientID: frame.ClientID, Reason: err.Error()})
		return
	}
	h.enqueueOrDrop(c, Frame{Type: FrameAck, ClientID: frame.ClientID, Version: mutation.Version})
}

// Broadcast fans one committed mutation out to every streaming connection in
// per-connection order. Connections mid-handshake buffer the frame instead;
// slow consumers are closed.
func (h *Hub) Broadcast(mutation *ledger.Mutation) {
	h.fanOut(Frame{Type: FrameMutation, Version: mutation.Version, Op: mutation})
}

// BroadcastSchemaChange tells every streaming client to resynchronize its
// compiled schema.
func (h *Hub) BroadcastSchemaChange(schemaVersion int) {
	h.fanOut(Frame{Type: FrameSchemaChange, Version: uint64(schemaVersion)})
}

func (h *Hub) fanOut(frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		if c.syncing() {
			c.bufferSync(frame)
			continue
		}
		if !c.streaming() {
			continue
		}
		h.enqueueOrDropLocked(c, frame)
	}
}

func (h *Hub) enqueueOrDrop(c *conn, frame Frame) {
	if !c.enqueue(frame) {
		h.drop(c, "slow consumer", &Frame{Type: FrameError, Message: "SlowConsumer"})
	}
}

// enqueueOrDropLocked is enqueueOrDrop for callers already holding h.mu; the
// drop is deferred to a goroutine to avoid re-entering the lock.
func (h *Hub) enqueueOrDropLocked(c *conn, frame Frame) {
	if !c.enqueue(frame) {
		go h.drop(c, "slow consumer", &Frame{Type: FrameError, Message: "SlowConsumer"})
	}
}

func (h *Hub) drop(c *conn, reason string, final *Frame) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.close(final)
	if present {
		h.logger.Info("connection closed", zap.String("conn_id", c.id), zap.String("reason", reason))
	}
}

func (h *Hub) sweepIdle() {
	ticker := time.NewTicker(h.cfg.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-h.cfg.IdleTimeout)
			h.mu.Lock()
			var idle []*conn
			for _, c := range h.conns {
				if c.idleSince().Before(cutoff) {
					idle = append(idle, c)
				}
			}
			h.mu.Unlock()
			for _, c := range idle {
				h.drop(c, "idle eviction", nil)
			}
		case <-h.stop:
			return
		}
	}
}

// Shutdown closes every connection and stops the sweeper.
func (h *Hub) Shutdown(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.drop(c, "server shutdown", nil)
	}
}
