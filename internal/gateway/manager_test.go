package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"execution-core/internal/balance"
	"execution-core/internal/broker"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/sim"
)

type recordingFactory struct {
	mu    sync.Mutex
	seen  []config.Credential
	fails bool
}

func (f *recordingFactory) build(cred config.Credential) (common.Venue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails {
		return nil, errors.New("boom")
	}
	f.seen = append(f.seen, cred)
	return sim.New(sim.Config{Balance: decimal.NewFromInt(100)}), nil
}

func newManager(t *testing.T, f Factory, keys *crypto.KeyManager) (*Manager, *balance.MultiAccountManager) {
	t.Helper()
	balances := balance.NewMultiAccountManager()
	cfg := DefaultConfig()
	cfg.HealthInterval = 0
	return NewManager(f, keys, broker.Deps{}, balances, cfg), balances
}

func TestConnectIsolatesAccounts(t *testing.T) {
	rf := &recordingFactory{}
	m, balances := newManager(t, rf.build, nil)
	ctx := context.Background()

	a, err := m.Connect(ctx, "alice", config.Credential{Exchange: "SIM", APIKey: "ka", APISecret: "sa"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Connect(ctx, "bob", config.Credential{Exchange: "sim", APIKey: "kb", APISecret: "sb"})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("accounts share a connection")
	}
	if again, _ := m.Connect(ctx, "alice", config.Credential{Exchange: "sim"}); again != a {
		t.Fatal("reconnect built a second connection")
	}
	if len(rf.seen) != 2 {
		t.Fatalf("factory calls = %d, want 2", len(rf.seen))
	}

	got, err := m.Get("alice", "sim")
	if err != nil || got.Account() != "alice" || got.Exchange() != "sim" {
		t.Fatalf("get = %v, %v", got, err)
	}
	if _, err := m.Get("carol", "sim"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if balances.Get("bob", "sim") == nil {
		t.Fatal("balance source not registered")
	}

	m.RemoveAccount("alice")
	if _, err := m.Get("alice", "sim"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatal("removed account still connected")
	}
	if st := m.Stats(); st.TotalConnections != 1 || st.ByExchange["sim"] != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSealedCredentialsAreDecrypted(t *testing.T) {
	raw, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	keys, err := crypto.NewKeyManagerFrom(func(name string) string {
		if name == "MASTER_ENCRYPTION_KEY" {
			return raw
		}
		return ""
	})
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := keys.Encrypt("top-secret")
	if err != nil {
		t.Fatal(err)
	}

	rf := &recordingFactory{}
	m, _ := newManager(t, rf.build, keys)
	if _, err := m.Connect(context.Background(), "alice", config.Credential{Exchange: "sim", APIKey: "plain", APISecret: sealed}); err != nil {
		t.Fatal(err)
	}
	if rf.seen[0].APISecret != "top-secret" || rf.seen[0].APIKey != "plain" {
		t.Fatalf("factory saw %+v", rf.seen[0])
	}

	// Without keys a sealed secret is refused rather than sent as-is.
	m2, _ := newManager(t, rf.build, nil)
	if _, err := m2.Connect(context.Background(), "bob", config.Credential{Exchange: "sim", APISecret: sealed}); err == nil {
		t.Fatal("sealed secret accepted without a key manager")
	}
}

func TestCircuitOpensAfterFailedPings(t *testing.T) {
	rf := &recordingFactory{}
	m, _ := newManager(t, rf.build, nil)
	if _, err := m.Connect(context.Background(), "alice", config.Credential{Exchange: "sim"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < m.config.FailureThreshold; i++ {
		m.RecordFailure("alice", "sim")
	}
	if _, err := m.Get("alice", "sim"); !errors.Is(err, ErrGatewayUnhealthy) {
		t.Fatalf("expected unhealthy, got %v", err)
	}
	if m.Stats().UnhealthyCount != 1 {
		t.Fatal("unhealthy connection not counted")
	}
	m.RecordSuccess("alice", "sim")
	if _, err := m.Get("alice", "sim"); err != nil {
		t.Fatalf("recovered connection withheld: %v", err)
	}
}

func TestConnectAllCollectsFailures(t *testing.T) {
	topo := &config.Topology{Accounts: []config.Account{
		{ID: "alice", Credentials: []config.Credential{{Exchange: "sim"}, {Exchange: "nowhere"}}},
		{ID: "bob", Credentials: []config.Credential{{Exchange: "sim-perp"}}},
	}}
	m, _ := newManager(t, DefaultFactory, nil)
	err := m.ConnectAll(context.Background(), topo)
	if err == nil {
		t.Fatal("unsupported exchange not reported")
	}
	pairs := m.Pairs()
	if len(pairs) != 2 || pairs[0] != (Pair{"alice", "sim"}) || pairs[1] != (Pair{"bob", "sim-perp"}) {
		t.Fatalf("pairs = %+v", pairs)
	}
	conn, err := m.Conn("bob", "sim-perp")
	if err != nil || conn.CapabilityID() != "sim-perp" {
		t.Fatalf("perp connection = %v, %v", conn, err)
	}
}

func TestPoolFullWithoutIdleConnections(t *testing.T) {
	rf := &recordingFactory{}
	balances := balance.NewMultiAccountManager()
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	m := NewManager(rf.build, nil, broker.Deps{}, balances, cfg)
	ctx := context.Background()
	if _, err := m.Connect(ctx, "alice", config.Credential{Exchange: "sim"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(ctx, "bob", config.Credential{Exchange: "sim"}); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected pool full, got %v", err)
	}
}

func TestRefreshTargetsDedupeVenues(t *testing.T) {
	rf := &recordingFactory{}
	m, _ := newManager(t, rf.build, nil)
	ctx := context.Background()

	a, err := m.Connect(ctx, "alice", config.Credential{Exchange: "sim"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(ctx, "bob", config.Credential{Exchange: "sim"}); err != nil {
		t.Fatal(err)
	}

	targets := m.RefreshTargets()
	if len(targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(targets))
	}
	if targets[0].Exchange != a.CapabilityID() || targets[0].Source == nil {
		t.Fatalf("target = %+v", targets[0])
	}
}
