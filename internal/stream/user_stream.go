// Package stream listens to Binance user-data websockets and turns balance
// pushes into refresh events for the owning (account, broker).
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/pkg/logger"
)

// ListenKeys manages the listen key of one credential. The Binance spot and
// USDT-M futures clients satisfy it.
type ListenKeys interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
	StreamURL(listenKey string) string
}

// Config tunes a listener.
type Config struct {
	KeepAlive     time.Duration // listen keys expire after 60m
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	HandshakeWait time.Duration
}

func (c *Config) defaults() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Minute
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = time.Minute
	}
	if c.HandshakeWait <= 0 {
		c.HandshakeWait = 10 * time.Second
	}
}

// UserStream is one (account, broker) user-data listener.
type UserStream struct {
	account string
	broker  string
	keys    ListenKeys
	bus     *events.Bus
	cfg     Config
	log     *zap.Logger

	pushes     atomic.Int64
	reconnects atomic.Int64
}

func NewUserStream(account, brokerID string, keys ListenKeys, bus *events.Bus, cfg Config) *UserStream {
	cfg.defaults()
	return &UserStream{
		account: account,
		broker:  brokerID,
		keys:    keys,
		bus:     bus,
		cfg:     cfg,
		log:     logger.Named("stream").With(zap.String("account", account), zap.String("broker", brokerID)),
	}
}

// Reconnects counts dropped sessions.
func (s *UserStream) Reconnects() int64 { return s.reconnects.Load() }

// Pushes counts balance pushes published.
func (s *UserStream) Pushes() int64 { return s.pushes.Load() }

// Start runs the listener in the background until ctx ends.
func (s *UserStream) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run connects and reconnects with backoff until ctx ends.
func (s *UserStream) Run(ctx context.Context) {
	delay := s.cfg.ReconnectMin
	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > s.cfg.ReconnectMax {
			delay = s.cfg.ReconnectMin
		}
		s.reconnects.Add(1)
		s.log.Warn("user stream dropped; reconnecting", zap.Duration("delay", delay), zap.Error(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if delay *= 2; delay > s.cfg.ReconnectMax {
			delay = s.cfg.ReconnectMax
		}
	}
}

func (s *UserStream) session(ctx context.Context) error {
	key, err := s.keys.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.keys.CloseListenKey(cctx, key); err != nil {
			s.log.Debug("close listen key failed", zap.Error(err))
		}
	}()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeWait}
	conn, _, err := dialer.DialContext(ctx, s.keys.StreamURL(key), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.log.Info("user stream connected")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()
	go s.keepAlive(sctx, key)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if expired := s.handle(msg); expired {
			return fmt.Errorf("listen key expired")
		}
	}
}

func (s *UserStream) keepAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.keys.KeepAliveListenKey(ctx, key); err != nil {
				s.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

type balanceEntry struct {
	Asset string `json:"a"`
}

// handle reports whether the stream must be re-keyed. The event type is
// sometimes sent as a number, so it is decoded leniently.
func (s *UserStream) handle(msg []byte) (expired bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		s.log.Debug("unparseable stream message", zap.Error(err))
		return false
	}
	var event string
	if err := json.Unmarshal(raw["e"], &event); err != nil {
		return false
	}

	var assets []string
	switch event {
	case "outboundAccountPosition":
		var m struct {
			Balances []balanceEntry `json:"B"`
		}
		if err := json.Unmarshal(msg, &m); err != nil {
			s.log.Debug("bad account position", zap.Error(err))
			return false
		}
		for _, b := range m.Balances {
			assets = append(assets, b.Asset)
		}
	case "balanceUpdate":
		var m balanceEntry
		if err := json.Unmarshal(msg, &m); err == nil {
			assets = append(assets, m.Asset)
		}
	case "ACCOUNT_UPDATE":
		var m struct {
			Update struct {
				Balances []balanceEntry `json:"B"`
			} `json:"a"`
		}
		if err := json.Unmarshal(msg, &m); err != nil {
			s.log.Debug("bad account update", zap.Error(err))
			return false
		}
		for _, b := range m.Update.Balances {
			assets = append(assets, b.Asset)
		}
	case "listenKeyExpired":
		return true
	default:
		return false
	}

	if len(assets) == 0 {
		return false
	}
	s.pushes.Add(1)
	if s.bus != nil {
		// One refresh covers every asset of the push.
		s.bus.Publish(events.EventBalanceUpdated, events.BalanceChange{
			Account: s.account, Broker: s.broker, Asset: assets[0],
		})
	}
	return false
}
