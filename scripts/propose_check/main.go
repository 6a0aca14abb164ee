package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/intake"
	"execution-core/internal/order"
)

// propose_check sends one proposal to a running intake and prints the ack.
//
//	go run ./scripts/propose_check -account platform -broker binance-spot -symbol BTC-USDT -notional 25
//
// The proposal still goes through the confidence gate, risk sizing and the
// capability check of the loop it lands in.
func main() {
	addr := flag.String("addr", "localhost:50051", "intake gRPC address")
	account := flag.String("account", "", "account id")
	brokerID := flag.String("broker", "", "exchange id, e.g. binance-spot")
	symbol := flag.String("symbol", "BTC-USDT", "canonical symbol")
	side := flag.String("side", "BUY", "BUY, SELL or SELL_SHORT")
	notional := flag.String("notional", "0", "quote notional; 0 lets risk size it")
	confidence := flag.Float64("confidence", 1, "signal confidence 0..1")
	flag.Parse()

	if *account == "" || *brokerID == "" {
		log.Fatal("-account and -broker are required")
	}
	n, err := decimal.NewFromString(*notional)
	if err != nil {
		log.Fatalf("bad notional: %v", err)
	}

	client, err := intake.NewClient(*addr)
	if err != nil {
		log.Fatalf("dial intake: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := client.Propose(ctx, order.Proposal{
		Account:    *account,
		Broker:     *brokerID,
		Symbol:     *symbol,
		Side:       order.Side(*side),
		Confidence: *confidence,
		Notional:   n,
		Reason:     "propose_check",
	})
	if err != nil {
		log.Fatalf("propose: %v", err)
	}
	log.Printf("accepted: %v", ack.AsMap())
}
