package wsclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/broker"
	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestBackoffDelay_ExactSequence(t *testing.T) {
	link := New(Config{URL: "ws://unused"}, zerolog.Nop())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, link.backoffDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestLinkState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "failed", StateFailed.String())
}

// echoServer accepts one connection, replies to the subscribe message and
// then pushes a single price update.
func echoServer(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, raw, err := ws.Read(ctx)
			if err != nil {
				return
			}

			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}

			switch msg.Type {
			case broker.TypeSubscribe:
				confirm, _ := json.Marshal(broker.SubscriptionConfirmed{
					Envelope:     broker.Envelope{Type: broker.TypeSubscriptionConfirmed},
					SubscribedTo: []string{"all"},
				})
				ws.Write(ctx, websocket.MessageText, confirm)

				update, _ := json.Marshal(broker.PriceUpdate{
					Envelope: broker.Envelope{Type: broker.TypePriceUpdate},
					Data: []domain.Cryptocurrency{
						{ID: "bitcoin", Symbol: "BTC", CurrentPrice: 43250.5},
					},
					Metadata: broker.UpdateMetadata{Count: 1, DataSource: domain.SourcePrimary, UpdateType: broker.UpdateScheduled},
				})
				ws.Write(ctx, websocket.MessageText, update)
			case broker.TypePing:
				pong, _ := json.Marshal(broker.Pong{Envelope: broker.Envelope{Type: broker.TypePong}})
				ws.Write(ctx, websocket.MessageText, pong)
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestLink_ConnectReceivesUpdates(t *testing.T) {
	updates := make(chan broker.PriceUpdate, 1)
	var states []LinkState
	var mu sync.Mutex

	link := New(Config{
		URL: echoServer(t),
		OnUpdate: func(update broker.PriceUpdate) {
			select {
			case updates <- update:
			default:
			}
		},
		OnStateChange: func(state LinkState) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	}, zerolog.Nop())

	require.NoError(t, link.Connect())
	assert.Equal(t, StateOpen, link.State())

	select {
	case update := <-updates:
		require.Len(t, update.Data, 1)
		assert.Equal(t, "bitcoin", update.Data[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no price update received")
	}

	link.Disconnect()
	assert.Equal(t, StateClosed, link.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateConnecting)
	assert.Contains(t, states, StateOpen)
}

func TestLink_ConnectIsIdempotentWhileOpen(t *testing.T) {
	link := New(Config{URL: echoServer(t)}, zerolog.Nop())

	require.NoError(t, link.Connect())
	require.Equal(t, StateOpen, link.State())

	// A second Connect while open is a no-op.
	require.NoError(t, link.Connect())
	assert.Equal(t, StateOpen, link.State())

	link.Disconnect()
}

func TestLink_FailsAfterMaxAttempts(t *testing.T) {
	done := make(chan LinkState, 16)
	link := New(Config{
		URL:         "ws://127.0.0.1:1/ws",
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		OnStateChange: func(state LinkState) {
			done <- state
		},
	}, zerolog.Nop())

	require.Error(t, link.Connect())

	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-done:
			if state == StateFailed {
				assert.Equal(t, StateFailed, link.State())
				return
			}
		case <-deadline:
			t.Fatalf("link never reached failed state, current: %s", link.State())
		}
	}
}

func TestLink_ConnectAfterFailureRestoresRetryBudget(t *testing.T) {
	states := make(chan LinkState, 16)
	link := New(Config{
		URL:         "ws://127.0.0.1:1/ws",
		MaxAttempts: 2,
		BaseDelay:   200 * time.Millisecond,
		OnStateChange: func(state LinkState) {
			states <- state
		},
	}, zerolog.Nop())

	require.Error(t, link.Connect())

	deadline := time.After(5 * time.Second)
	for link.State() != StateFailed {
		select {
		case <-states:
		case <-deadline:
			t.Fatalf("link never reached failed state, current: %s", link.State())
		}
	}
	require.Greater(t, link.Snapshot().Attempt, 2)

	// A fresh Connect gets the full budget back: the first dial failure
	// schedules a retry instead of landing straight back in failed.
	require.Error(t, link.Connect())
	snap := link.Snapshot()
	assert.Equal(t, StateConnecting, snap.State)
	assert.Equal(t, 1, snap.Attempt)

	link.Disconnect()
}

func TestLink_StalePongDiscardedOnConnect(t *testing.T) {
	link := New(Config{URL: echoServer(t)}, zerolog.Nop())

	// Simulate a pong left over from a previous connection.
	link.pongCh <- struct{}{}

	require.NoError(t, link.Connect())
	defer link.Disconnect()

	select {
	case <-link.pongCh:
		t.Fatal("stale pong survived reconnect")
	default:
	}
}

func TestLink_DisconnectSuppressesReconnect(t *testing.T) {
	url := echoServer(t)
	link := New(Config{
		URL:       url,
		BaseDelay: time.Millisecond,
	}, zerolog.Nop())

	require.NoError(t, link.Connect())
	link.Disconnect()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosed, link.State())
}

func TestLink_RequestRefreshRequiresConnection(t *testing.T) {
	link := New(Config{URL: "ws://unused"}, zerolog.Nop())
	assert.ErrorIs(t, link.RequestRefresh(), ErrNotConnected)
}

func TestSnapshot_TracksServerState(t *testing.T) {
	link := New(Config{URL: echoServer(t)}, zerolog.Nop())
	require.NoError(t, link.Connect())
	defer link.Disconnect()

	require.Eventually(t, func() bool {
		return !link.Snapshot().LastUpdate.IsZero()
	}, 5*time.Second, 10*time.Millisecond)

	snap := link.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Zero(t, snap.Attempt)
}
