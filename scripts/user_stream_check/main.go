package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"execution-core/internal/events"
	"execution-core/internal/stream"
	"execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/binance/spot"
)

// user_stream_check opens one Binance user-data stream with the keys in
// STREAM_CHECK_KEY / STREAM_CHECK_SECRET and logs every balance push.
//
//	go run ./scripts/user_stream_check -market perp -testnet
func main() {
	market := flag.String("market", "spot", "spot or perp")
	testnet := flag.Bool("testnet", false, "use the testnet hosts")
	timeout := flag.Duration("timeout", 10*time.Minute, "stop after this long")
	flag.Parse()

	_ = godotenv.Load()
	key, secret := os.Getenv("STREAM_CHECK_KEY"), os.Getenv("STREAM_CHECK_SECRET")
	if key == "" || secret == "" {
		log.Fatal("STREAM_CHECK_KEY and STREAM_CHECK_SECRET are required")
	}

	var keys stream.ListenKeys
	switch *market {
	case "spot":
		keys = spot.New(spot.Config{APIKey: key, APISecret: secret, Testnet: *testnet})
	case "perp":
		keys = futures_usdt.NewClient(futures_usdt.Config{APIKey: key, APISecret: secret, Testnet: *testnet})
	default:
		log.Fatalf("unknown market %q", *market)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	bus := events.NewBus()
	pushes, unsub := bus.Subscribe(events.EventBalanceUpdated, 100)
	defer unsub()

	us := stream.NewUserStream("check", "binance-"+*market, keys, bus, stream.Config{})
	us.Start(ctx)
	log.Printf("user stream started (%s, testnet=%v); trade or transfer to see pushes", *market, *testnet)

	for {
		select {
		case <-ctx.Done():
			log.Printf("done: pushes=%d reconnects=%d", us.Pushes(), us.Reconnects())
			return
		case msg := <-pushes:
			log.Printf("[PUSH] %+v", msg)
		}
	}
}
