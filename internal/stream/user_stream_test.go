package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"execution-core/internal/events"
)

type fakeKeys struct {
	url string

	mu        sync.Mutex
	created   int
	keepalive int
	closed    int
}

func (k *fakeKeys) CreateListenKey(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.created++
	return "key", nil
}

func (k *fakeKeys) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keepalive++
	return nil
}

func (k *fakeKeys) CloseListenKey(ctx context.Context, listenKey string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed++
	return nil
}

func (k *fakeKeys) StreamURL(listenKey string) string { return k.url + "/ws/" + listenKey }

func (k *fakeKeys) counts() (int, int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.created, k.keepalive
}

func wsServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAccountPositionPublishesBalanceChange(t *testing.T) {
	srv := wsServer(t, []string{
		`{"e":"executionReport","s":"BTCUSDT"}`,
		`{"e":"outboundAccountPosition","E":1,"B":[{"a":"USDT","f":"10.5","l":"0"},{"a":"BTC","f":"0.1","l":"0"}]}`,
	})
	keys := &fakeKeys{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventBalanceUpdated, 4)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewUserStream("alice", "binance-spot", keys, bus, Config{KeepAlive: 10 * time.Millisecond})
	s.Start(ctx)

	select {
	case msg := <-ch:
		bc := msg.(events.BalanceChange)
		if bc.Account != "alice" || bc.Broker != "binance-spot" || bc.Asset != "USDT" {
			t.Fatalf("change = %+v", bc)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no balance event")
	}
	if s.Pushes() != 1 {
		t.Fatalf("pushes = %d", s.Pushes())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ka := keys.counts(); ka > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("listen key never kept alive")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExpiredListenKeyReconnects(t *testing.T) {
	srv := wsServer(t, []string{`{"e":"listenKeyExpired","E":1}`})
	keys := &fakeKeys{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewUserStream("alice", "binance-spot", keys, nil,
		Config{ReconnectMin: time.Millisecond, ReconnectMax: 5 * time.Millisecond})
	s.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if created, _ := keys.counts(); created >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no new listen key after expiry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.Reconnects() == 0 {
		t.Fatal("reconnect not counted")
	}
}

func TestFuturesAccountUpdate(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventBalanceUpdated, 1)
	defer unsub()
	s := NewUserStream("bob", "binance-perp", &fakeKeys{}, bus, Config{})
	s.handle([]byte(`{"e":"ACCOUNT_UPDATE","a":{"m":"ORDER","B":[{"a":"USDT","wb":"100"}]}}`))
	select {
	case msg := <-ch:
		if bc := msg.(events.BalanceChange); bc.Broker != "binance-perp" || bc.Asset != "USDT" {
			t.Fatalf("change = %+v", bc)
		}
	default:
		t.Fatal("no balance event")
	}
}
