package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// connState tracks the lifecycle of one connection.
type connState int

const (
	stateOpen connState = iota
	stateSyncing
	stateStreaming
	stateClosed
)

// conn is one live WebSocket with its bounded send queue and writer pump.
// Broadcast ordering per connection is guaranteed by the single writer
// goroutine draining the queue in enqueue order.
type conn struct {
	id       string
	ws       *websocket.Conn
	operator string
	logger   *zap.Logger

	send chan Frame

	mu           sync.Mutex
	state        connState
	lastVersion  uint64
	lastActivity time.Time
	missedPongs  int
	// syncBuf holds broadcasts that land while the version handshake is
	// computing catch-up; they are flushed with the flip to streaming.
	syncBuf []Frame

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, ws *websocket.Conn, operator string, queueSize int, logger *zap.Logger) *conn {
	return &conn{
		id:           id,
		ws:           ws,
		operator:     operator,
		logger:       logger.With(zap.String("conn_id", id)),
		send:         make(chan Frame, queueSize),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// enqueue appends a frame to the bounded send queue. It reports false when
// the queue is full, which the hub treats as a slow consumer.
func (c *conn) enqueue(frame Frame) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the socket and emits pings. It exits
// when the connection closes.
func (c *conn) writePump(pingInterval time.Duration, maxMissedPongs int, onDead func(reason string)) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Error("marshal frame", zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				onDead("write failed")
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()
			if missed > maxMissedPongs {
				onDead("missed pongs")
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				onDead("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.missedPongs = 0
	c.mu.Unlock()
}

func (c *conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *conn) streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateStreaming
}

func (c *conn) setState(state connState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *conn) syncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateSyncing
}

// beginSync parks the connection for a version handshake; broadcasts are
// buffered until the handshake completes or aborts.
func (c *conn) beginSync() {
	c.mu.Lock()
	if c.state != stateClosed {
		c.state = stateSyncing
		c.syncBuf = nil
	}
	c.mu.Unlock()
}

func (c *conn) bufferSync(frame Frame) {
	c.mu.Lock()
	if c.state == stateSyncing {
		c.syncBuf = append(c.syncBuf, frame)
	}
	c.mu.Unlock()
}

// finishSync flips the connection to streaming and returns the buffered
// frames still worth delivering: mutation frames at or below the catch-up
// horizon are already covered by the backfill and dropped.
func (c *conn) finishSync(horizon uint64) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateSyncing {
		return nil
	}
	var pending []Frame
	for _, frame := range c.syncBuf {
		if frame.Type == FrameMutation && frame.Version <= horizon {
			continue
		}
		pending = append(pending, frame)
	}
	c.syncBuf = nil
	c.state = stateStreaming
	c.lastVersion = horizon
	for _, frame := range pending {
		if frame.Type == FrameMutation {
			c.lastVersion = frame.Version
		}
	}
	return pending
}

// abortSync reopens the connection without streaming; buffered frames are
// discarded because the client will resynchronize from scratch.
func (c *conn) abortSync() {
	c.mu.Lock()
	if c.state == stateSyncing {
		c.state = stateOpen
		c.syncBuf = nil
	}
	c.mu.Unlock()
}

// close tears the socket down exactly once, optionally flushing a final
// control frame first.
func (c *conn) close(final *Frame) {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		if final != nil {
			if data, err := json.Marshal(final); err == nil {
				_ = c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
				_ = c.ws.WriteMessage(websocket.TextMessage, data)
			}
		}
		close(c.done)
		_ = c.ws.Close()
	})
}

// applyTimeout bounds backend mutation calls issued from the read pump.
const applyTimeout = 5 * time.Second

func applyContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), applyTimeout)
}
