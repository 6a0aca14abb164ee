// Package blacklist keeps the persistent dust set: (account, symbol) pairs
// that no longer count toward caps, entries or mirroring. Entries stay until
// an operator removes them.
package blacklist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/capability"
	"execution-core/pkg/logger"
)

// Entry is one blacklisted pair.
type Entry struct {
	Account  string          `json:"account"`
	Symbol   string          `json:"symbol"`
	Reason   string          `json:"reason"`
	ValueUSD decimal.Decimal `json:"value_usd"`
	AddedAt  time.Time       `json:"added_at"`
}

type key struct{ account, symbol string }

type fileFormat struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Blacklist is safe for concurrent use. Every mutation rewrites the file
// through a temp file and rename.
type Blacklist struct {
	mu      sync.RWMutex
	path    string
	entries map[key]Entry
	log     *zap.Logger
	now     func() time.Time
}

// Open loads path, creating an empty set when the file does not exist. An
// empty path keeps the set in memory only.
func Open(path string) (*Blacklist, error) {
	b := &Blacklist{
		path:    path,
		entries: make(map[key]Entry),
		log:     logger.Named("blacklist"),
		now:     time.Now,
	}
	if path == "" {
		return b, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse blacklist %s: %w", path, err)
	}
	for _, e := range f.Entries {
		e.Symbol = capability.Canonical(e.Symbol)
		b.entries[key{e.Account, e.Symbol}] = e
	}
	b.log.Info("dust blacklist loaded", zap.String("path", path), zap.Int("entries", len(b.entries)))
	return b, nil
}

// Add blacklists (account, symbol). added is false when it was already
// present; the original entry is kept.
func (b *Blacklist) Add(account, symbol, reason string, valueUSD decimal.Decimal) (bool, error) {
	symbol = capability.Canonical(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{account, symbol}
	if _, ok := b.entries[k]; ok {
		return false, nil
	}
	b.entries[k] = Entry{Account: account, Symbol: symbol, Reason: reason, ValueUSD: valueUSD, AddedAt: b.now().UTC()}
	if err := b.saveLocked(); err != nil {
		delete(b.entries, k)
		return false, err
	}
	b.log.Info("symbol blacklisted as dust",
		zap.String("account", account), zap.String("symbol", symbol),
		zap.String("reason", reason), zap.String("value_usd", valueUSD.StringFixed(2)))
	return true, nil
}

// Contains reports whether (account, symbol) is blacklisted.
func (b *Blacklist) Contains(account, symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[key{account, capability.Canonical(symbol)}]
	return ok
}

// Remove is the explicit operator clear.
func (b *Blacklist) Remove(account, symbol string) (bool, error) {
	symbol = capability.Canonical(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{account, symbol}
	prev, ok := b.entries[k]
	if !ok {
		return false, nil
	}
	delete(b.entries, k)
	if err := b.saveLocked(); err != nil {
		b.entries[k] = prev
		return false, err
	}
	b.log.Info("blacklist entry cleared", zap.String("account", account), zap.String("symbol", symbol))
	return true, nil
}

// List returns entries for account, or all entries when account is empty.
func (b *Blacklist) List(account string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if account == "" || e.Account == account {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Account != es[j].Account {
			return es[i].Account < es[j].Account
		}
		return es[i].Symbol < es[j].Symbol
	})
}

func (b *Blacklist) saveLocked() error {
	if b.path == "" {
		return nil
	}
	f := fileFormat{Version: 1, Entries: make([]Entry, 0, len(b.entries))}
	for _, e := range b.entries {
		f.Entries = append(f.Entries, e)
	}
	sortEntries(f.Entries)
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode blacklist: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create blacklist dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp blacklist: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp blacklist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp blacklist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp blacklist: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace blacklist: %w", err)
	}
	return nil
}
