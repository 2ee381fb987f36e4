package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	sendBufferSize = 32
	writeWait      = 5 * time.Second
)

// conn wraps one subscriber socket. All writes funnel through a buffered
// channel drained by a single writer goroutine; a full buffer marks the
// connection slow and drops it.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	mu          sync.Mutex
	sub         *Subscription // nil until the first subscribe
	violations  int
	lastRefresh time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, ws *websocket.Conn, log zerolog.Logger) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		log:    log.With().Str("conn", id).Logger(),
		closed: make(chan struct{}),
	}
}

// writeLoop drains the send buffer onto the socket. Runs until the
// connection closes.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case payload := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.ws.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("Write failed, closing connection")
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// enqueue queues one message for delivery. Returns false when the buffer is
// full or the connection is closed; the caller decides whether to drop the
// connection.
func (c *conn) enqueue(msg interface{}) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode outbound message")
		return true
	}
	select {
	case <-c.closed:
		return false
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// subscription returns the current delivery scope, or nil when the
// connection has no active subscription.
func (c *conn) subscription() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *conn) setSubscription(sub *Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// violation counts one malformed inbound message and reports whether the
// tolerance is exhausted.
func (c *conn) violation() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.violations++
	return c.violations, c.violations >= maxViolations
}

// allowRefresh enforces the per-connection forced-refresh cooldown. On
// rejection it returns the seconds remaining.
func (c *conn) allowRefresh(cooldown time.Duration) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(c.lastRefresh)
	if elapsed < cooldown {
		return false, int((cooldown - elapsed).Seconds()) + 1
	}
	c.lastRefresh = time.Now()
	return true, 0
}

func (c *conn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close(status, reason)
	})
}
