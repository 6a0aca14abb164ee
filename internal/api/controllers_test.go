package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"execution-core/internal/blacklist"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
)

const testSecret = "test-secret"

type fakeCore struct {
	emergency *bool
	cleared   []string
}

func (f *fakeCore) Accounts(context.Context) []engine.AccountSummary {
	return []engine.AccountSummary{{ID: "alice", Role: "primary", Brokers: []string{"binance-spot"}}}
}

func (f *fakeCore) Account(_ context.Context, id string) (*engine.AccountSnapshot, error) {
	if id != "alice" {
		return nil, engine.ErrAccountNotFound
	}
	return &engine.AccountSnapshot{AccountSummary: engine.AccountSummary{ID: id}}, nil
}

func (f *fakeCore) Positions(_ context.Context, account string) ([]engine.PositionView, error) {
	if account != "alice" {
		return nil, engine.ErrAccountNotFound
	}
	return []engine.PositionView{{Broker: "binance-spot", Symbol: "BTC-USDT", Status: "OPEN"}}, nil
}

func (f *fakeCore) Attempts(_ context.Context, account string, limit int) ([]order.Attempt, error) {
	if account != "alice" {
		return nil, engine.ErrAccountNotFound
	}
	return make([]order.Attempt, min(limit, 2)), nil
}

func (f *fakeCore) Blacklist(_ context.Context, account string) []blacklist.Entry {
	return []blacklist.Entry{{Account: "alice", Symbol: "DOGE-USDT", Reason: "dust"}}
}

func (f *fakeCore) ClearDust(_ context.Context, account, symbol string) (bool, error) {
	if account == "alice" && symbol == "DOGE-USDT" {
		f.cleared = append(f.cleared, symbol)
		return true, nil
	}
	return false, nil
}

func (f *fakeCore) SetEmergency(_ context.Context, on bool) { f.emergency = &on }

func (f *fakeCore) Status(context.Context) engine.SystemStatus {
	return engine.SystemStatus{Accounts: 1}
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *fakeCore) {
	t.Helper()
	core := &fakeCore{}
	s := NewServer(core, events.NewBus(), monitor.NewSystemMetrics(), Config{JWTSecret: testSecret, RateBurst: 1000, RateLimitRPS: 1000})
	return s, core
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := GenerateToken("ops@example", role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func do(s *Server, method, path, tok string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	monitor.QueueDepth.WithLabelValues("alice", "binance-spot").Set(3)
	w := do(s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatal("go collector missing from /metrics")
	}
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)
	cases := map[string]string{
		"missing": "",
		"invalid": "not-a-jwt",
	}
	for name, tok := range cases {
		w := do(s, http.MethodGet, "/api/accounts", tok, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d", name, w.Code)
		}
	}

	other, err := GenerateToken("x", RoleOperator, "other-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if w := do(s, http.MethodGet, "/api/accounts", other, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("foreign signature accepted: %d", w.Code)
	}
}

func TestAccountEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	tok := token(t, RoleViewer)

	w := do(s, http.MethodGet, "/api/accounts", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list []engine.AccountSummary
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list) != 1 || list[0].ID != "alice" {
		t.Fatalf("list = %s (%v)", w.Body.String(), err)
	}

	if w := do(s, http.MethodGet, "/api/accounts/alice", tok, nil); w.Code != http.StatusOK {
		t.Fatalf("account status = %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/api/accounts/bob", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown account status = %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/api/accounts/bob/positions", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown positions status = %d", w.Code)
	}

	w = do(s, http.MethodGet, "/api/accounts/alice/attempts?limit=1", tok, nil)
	var attempts []order.Attempt
	if err := json.Unmarshal(w.Body.Bytes(), &attempts); err != nil || len(attempts) != 1 {
		t.Fatalf("attempts = %s (%v)", w.Body.String(), err)
	}
	if w := do(s, http.MethodGet, "/api/accounts/alice/attempts?limit=x", tok, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", w.Code)
	}
}

func TestEmergencyNeedsOperator(t *testing.T) {
	s, core := newTestServer(t)
	body := []byte(`{"enabled":true}`)

	if w := do(s, http.MethodPut, "/api/emergency", token(t, RoleViewer), body); w.Code != http.StatusForbidden {
		t.Fatalf("viewer status = %d", w.Code)
	}
	if core.emergency != nil {
		t.Fatal("viewer toggled emergency")
	}

	op := token(t, RoleOperator)
	if w := do(s, http.MethodPut, "/api/emergency", op, []byte(`{}`)); w.Code != http.StatusBadRequest {
		t.Fatalf("empty body status = %d", w.Code)
	}
	if w := do(s, http.MethodPut, "/api/emergency", op, body); w.Code != http.StatusOK {
		t.Fatalf("operator status = %d", w.Code)
	}
	if core.emergency == nil || !*core.emergency {
		t.Fatal("emergency not set")
	}
}

func TestClearDust(t *testing.T) {
	s, core := newTestServer(t)
	op := token(t, RoleOperator)

	if w := do(s, http.MethodDelete, "/api/blacklist/alice/doge-usdt", op, nil); w.Code != http.StatusOK {
		t.Fatalf("clear status = %d body=%s", w.Code, w.Body.String())
	}
	if len(core.cleared) != 1 || core.cleared[0] != "DOGE-USDT" {
		t.Fatalf("cleared = %v", core.cleared)
	}
	if w := do(s, http.MethodDelete, "/api/blacklist/alice/ETH-USDT", op, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing entry status = %d", w.Code)
	}

	w := do(s, http.MethodGet, "/api/blacklist?account=alice", token(t, RoleViewer), nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "DOGE-USDT") {
		t.Fatalf("blacklist = %d %s", w.Code, w.Body.String())
	}
}

func TestSystemMetricsSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	tok := token(t, RoleViewer)
	do(s, http.MethodGet, "/api/status", tok, nil)
	w := do(s, http.MethodGet, "/api/metrics", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap monitor.MetricsSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.APILatency.Count == 0 {
		t.Fatal("api latency not recorded")
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?token=" + token(t, RoleViewer)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The handler subscribes after the upgrade; publish until a message lands.
	got := make(chan wsMessage, 1)
	go func() {
		var m wsMessage
		if err := conn.ReadJSON(&m); err == nil {
			got <- m
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		s.Bus.Publish(events.EventForcedExit, events.PositionNotice{Account: "alice", Symbol: "BTC-USDT", Reason: "stop_loss"})
		select {
		case m := <-got:
			if m.Topic != events.EventForcedExit {
				t.Fatalf("topic = %s", m.Topic)
			}
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
