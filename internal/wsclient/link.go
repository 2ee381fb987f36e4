// Package wsclient maintains a client-side subscription link to the price
// socket: it dials, subscribes, dispatches updates and reconnects with
// exponential backoff when the link drops.
package wsclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/pierreribeiro/crypto-price-tracker/internal/broker"
)

// LinkState is the connection lifecycle state.
type LinkState int

const (
	StateIdle LinkState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultMaxAttempts       = 10
	defaultBaseDelay         = 1 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultPongTimeout       = 10 * time.Second

	dialTimeout = 10 * time.Second
	writeWait   = 5 * time.Second
)

// Config configures a Link.
type Config struct {
	URL              string
	Cryptocurrencies []string
	IncludeSparkline bool

	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// OnUpdate receives every price update delivered on the link.
	OnUpdate func(update broker.PriceUpdate)
	// OnStateChange observes lifecycle transitions.
	OnStateChange func(state LinkState)
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = defaultPongTimeout
	}
}

// Snapshot is a point-in-time view of the link.
type Snapshot struct {
	State            LinkState
	Attempt          int
	LastUpdate       time.Time
	ServiceStatus    string
	DataFreshness    string
	LastServerUpdate string
}

// Link is one managed connection. All state transitions happen under the
// mutex; the read loop is the single dispatcher for inbound messages.
type Link struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	state      LinkState
	attempt    int
	conn       *websocket.Conn
	connCtx    context.Context
	connCancel context.CancelFunc
	retryTimer *time.Timer
	stopped    bool

	lastUpdate       time.Time
	serviceStatus    string
	dataFreshness    string
	lastServerUpdate string

	pongCh chan struct{}
}

// New creates a link. Connect starts it.
func New(cfg Config, log zerolog.Logger) *Link {
	cfg.applyDefaults()
	return &Link{
		cfg:    cfg,
		log:    log.With().Str("component", "wsclient").Logger(),
		state:  StateIdle,
		pongCh: make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Snapshot returns a point-in-time view of the link.
func (l *Link) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		State:            l.state,
		Attempt:          l.attempt,
		LastUpdate:       l.lastUpdate,
		ServiceStatus:    l.serviceStatus,
		DataFreshness:    l.dataFreshness,
		LastServerUpdate: l.lastServerUpdate,
	}
}

// Connect dials the socket. A no-op while already connecting or open.
// Failure schedules a reconnect; the method itself returns the dial error.
// An explicit Connect starts with a full retry budget, including after the
// link previously exhausted its attempts.
func (l *Link) Connect() error {
	l.mu.Lock()
	if l.state == StateConnecting || l.state == StateOpen {
		l.mu.Unlock()
		return nil
	}
	l.stopped = false
	l.attempt = 0
	l.setStateLocked(StateConnecting)
	l.mu.Unlock()

	return l.dial()
}

// Disconnect closes the link and suppresses reconnection.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.stopped = true
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	conn := l.conn
	cancel := l.connCancel
	l.conn = nil
	l.connCancel = nil
	if l.state != StateIdle {
		l.setStateLocked(StateClosing)
	}
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	l.mu.Lock()
	l.setStateLocked(StateClosed)
	l.mu.Unlock()
}

// RequestRefresh asks the server for an out-of-band refresh.
func (l *Link) RequestRefresh() error {
	return l.send(map[string]string{"type": broker.TypeRefreshRequest})
}

// dial performs one connection attempt and, on success, starts the read and
// heartbeat loops.
func (l *Link) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, _, err := websocket.Dial(ctx, l.cfg.URL, nil)
	cancel()
	if err != nil {
		l.log.Warn().Err(err).Str("url", l.cfg.URL).Msg("Dial failed")
		l.scheduleReconnect()
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	l.conn = conn
	l.connCtx = connCtx
	l.connCancel = connCancel
	l.attempt = 0
	l.setStateLocked(StateOpen)
	l.mu.Unlock()

	// A pong from a previous connection must not satisfy this connection's
	// heartbeat.
	select {
	case <-l.pongCh:
	default:
	}

	l.log.Info().Str("url", l.cfg.URL).Msg("Link open")

	if err := l.subscribe(); err != nil {
		l.log.Error().Err(err).Msg("Subscribe failed")
		l.dropConnection()
		l.scheduleReconnect()
		return err
	}

	go l.readLoop(connCtx, conn)
	go l.heartbeat(connCtx)
	return nil
}

// subscribe sends the delivery-scope message for this link.
func (l *Link) subscribe() error {
	msg := map[string]interface{}{
		"type":              broker.TypeSubscribe,
		"include_sparkline": l.cfg.IncludeSparkline,
	}
	if len(l.cfg.Cryptocurrencies) > 0 {
		msg["cryptocurrencies"] = l.cfg.Cryptocurrencies
	}
	return l.send(msg)
}

func (l *Link) send(msg interface{}) error {
	l.mu.Lock()
	conn := l.conn
	ctx := l.connCtx
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

// readLoop dispatches inbound messages until the connection drops, then
// schedules a reconnect unless the link was stopped.
func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if !stopped {
			l.dropConnection()
			l.scheduleReconnect()
		}
	}()

	for {
		msgType, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("Link read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		l.handleMessage(raw)
	}
}

func (l *Link) handleMessage(raw []byte) {
	var env broker.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		l.log.Debug().Err(err).Msg("Discarding unparseable message")
		return
	}

	switch env.Type {
	case broker.TypePriceUpdate:
		var update broker.PriceUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			l.log.Debug().Err(err).Msg("Discarding malformed price update")
			return
		}
		l.mu.Lock()
		l.lastUpdate = time.Now()
		l.dataFreshness = update.Metadata.DataFreshness
		l.lastServerUpdate = update.Metadata.LastUpdated
		l.mu.Unlock()
		if l.cfg.OnUpdate != nil {
			l.cfg.OnUpdate(update)
		}

	case broker.TypeConnectionState:
		var state broker.ConnectionState
		if err := json.Unmarshal(raw, &state); err != nil {
			return
		}
		l.mu.Lock()
		l.serviceStatus = state.Status
		l.dataFreshness = state.DataFreshness
		l.lastServerUpdate = state.LastSuccessfulUpdate
		l.mu.Unlock()
		l.log.Info().Str("status", state.Status).Msg("Service state changed")

	case broker.TypePong:
		select {
		case l.pongCh <- struct{}{}:
		default:
		}

	case broker.TypeError:
		var errMsg broker.ErrorMessage
		if err := json.Unmarshal(raw, &errMsg); err != nil {
			return
		}
		l.log.Warn().
			Str("code", errMsg.Code).
			Str("severity", errMsg.Severity).
			Msg(errMsg.Message)

	case broker.TypeSubscriptionConfirmed, broker.TypeUnsubscribed:
		l.log.Debug().Str("type", env.Type).Msg("Server acknowledgement")
	}
}

// heartbeat sends protocol-level pings and force-closes the connection when
// a pong does not arrive in time, letting the read loop reconnect.
func (l *Link) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := l.send(map[string]string{"type": broker.TypePing}); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-l.pongCh:
		case <-time.After(l.cfg.PongTimeout):
			l.log.Warn().Msg("Heartbeat pong missing, dropping connection")
			l.dropConnection()
			return
		}
	}
}

// dropConnection tears down the socket without touching the stopped flag.
func (l *Link) dropConnection() {
	l.mu.Lock()
	conn := l.conn
	cancel := l.connCancel
	l.conn = nil
	l.connCancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusAbnormalClosure, "link dropped")
	}
}

// scheduleReconnect arms the retry timer. After MaxAttempts consecutive
// failures the link transitions to the terminal Failed state.
func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}

	l.attempt++
	if l.attempt > l.cfg.MaxAttempts {
		l.setStateLocked(StateFailed)
		l.mu.Unlock()
		l.log.Error().Int("attempts", l.cfg.MaxAttempts).Msg("Reconnect attempts exhausted, giving up")
		return
	}

	delay := l.backoffDelay(l.attempt)
	l.setStateLocked(StateConnecting)
	if l.retryTimer != nil {
		l.retryTimer.Stop()
	}
	l.retryTimer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		l.dial()
	})
	attempt := l.attempt
	l.mu.Unlock()

	l.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect scheduled")
}

// backoffDelay yields 1s, 2s, 4s, 8s for the first four attempts, then the
// cap for every attempt after that.
func (l *Link) backoffDelay(attempt int) time.Duration {
	if attempt > 4 {
		return l.cfg.MaxDelay
	}
	delay := l.cfg.BaseDelay << (attempt - 1)
	if delay > l.cfg.MaxDelay {
		delay = l.cfg.MaxDelay
	}
	return delay
}

// setStateLocked transitions state and notifies the observer. Callers hold
// the mutex.
func (l *Link) setStateLocked(state LinkState) {
	if l.state == state {
		return
	}
	l.state = state
	if l.cfg.OnStateChange != nil {
		go l.cfg.OnStateChange(state)
	}
}
