package intake

import (
	"context"
	"net"
	"testing"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"execution-core/internal/order"
)

func startServer(t *testing.T, capacity int) (*Server, *Client) {
	t.Helper()
	srv := NewServer(capacity)
	srv.Register("alice", "binance-spot")

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewClient("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return srv, c
}

func proposal(symbol string) order.Proposal {
	return order.Proposal{
		Account:    "alice",
		Broker:     "binance-spot",
		Symbol:     symbol,
		Side:       order.SideBuy,
		Confidence: 0.8,
		Notional:   decimal.RequireFromString("25.5"),
	}
}

func TestProposeBuffersUntilPulled(t *testing.T) {
	srv, c := startServer(t, 4)
	ack, err := c.Propose(context.Background(), proposal("btc-usdt"))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !ack.AsMap()["accepted"].(bool) || ack.AsMap()["symbol"] != "BTC-USDT" {
		t.Fatalf("ack = %v", ack.AsMap())
	}

	got := srv.Pull("alice", "binance-spot", 10)
	if len(got) != 1 {
		t.Fatalf("pulled %d", len(got))
	}
	if got[0].Symbol != "BTC-USDT" || !got[0].Notional.Equal(decimal.RequireFromString("25.5")) || got[0].Confidence != 0.8 {
		t.Fatalf("proposal = %+v", got[0])
	}
	if again := srv.Pull("alice", "binance-spot", 10); len(again) != 0 {
		t.Fatalf("inbox not drained: %+v", again)
	}
}

func TestProposeStatusCodes(t *testing.T) {
	_, c := startServer(t, 1)
	ctx := context.Background()

	p := proposal("BTC-USDT")
	p.Account = "mallory"
	if _, err := c.Propose(ctx, p); status.Code(err) != codes.NotFound {
		t.Fatalf("unknown pair: %v", err)
	}
	if _, err := c.Propose(ctx, proposal("not a symbol")); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("bad symbol: %v", err)
	}
	if _, err := c.Propose(ctx, proposal("ETH-USDT")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Propose(ctx, proposal("ETH-USDT")); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("full inbox: %v", err)
	}
}

func TestPullHonorsMaxAndOrder(t *testing.T) {
	srv := NewServer(8)
	srv.Register("alice", "binance-spot")
	for _, s := range []string{"A-USDT", "B-USDT", "C-USDT"} {
		if err := srv.Offer(proposal(s)); err != nil {
			t.Fatal(err)
		}
	}
	first := srv.Pull("alice", "binance-spot", 2)
	if len(first) != 2 || first[0].Symbol != "A-USDT" || first[1].Symbol != "B-USDT" {
		t.Fatalf("first = %+v", first)
	}
	rest := srv.Pull("alice", "binance-spot", 2)
	if len(rest) != 1 || rest[0].Symbol != "C-USDT" {
		t.Fatalf("rest = %+v", rest)
	}
}

func TestParseProposalAcceptsNumbersAndStrings(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{
		"account": "alice", "broker": "Binance-Spot", "symbol": "sol-usdt", "side": "sell",
		"size": 1.25, "notional": "0", "confidence": "0.6",
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := ParseProposal(req)
	if err != nil {
		t.Fatal(err)
	}
	if p.Broker != "binance-spot" || p.Side != order.SideSell || !p.Size.Equal(decimal.RequireFromString("1.25")) || p.Confidence != 0.6 {
		t.Fatalf("proposal = %+v", p)
	}

	req, _ = structpb.NewStruct(map[string]any{"account": "alice", "broker": "b", "symbol": "SOL-USDT", "side": "BUY", "size": -1})
	if _, err := ParseProposal(req); err == nil {
		t.Fatal("negative size accepted")
	}
}
