package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Role distinguishes the platform account from user accounts.
type Role string

const (
	RolePlatform Role = "platform"
	RoleUser     Role = "user"
)

// Topology is the account file: who trades where, under which limits, and
// who mirrors whom.
type Topology struct {
	Accounts []Account  `yaml:"accounts"`
	Mirror   MirrorSpec `yaml:"mirror"`
	Defaults RiskSpec   `yaml:"defaults"`
}

type Account struct {
	ID          string       `yaml:"id"`
	Role        Role         `yaml:"role"`
	Credentials []Credential `yaml:"credentials"`
	Risk        *RiskSpec    `yaml:"risk"`
	Follow      *FollowSpec  `yaml:"follow"`
}

// Credential is secret material for one exchange, owned by exactly one
// account. Secrets may be sealed as ENC[vN]:...
type Credential struct {
	Exchange   string `yaml:"exchange"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
	Testnet    bool   `yaml:"testnet"`
	BaseURL    string `yaml:"base_url"`
}

type RiskSpec struct {
	MaxPositions  int          `yaml:"max_positions"`
	MaxCapitalPct float64      `yaml:"max_capital_pct"`
	MinOrderUSD   float64      `yaml:"min_order_usd"`
	Tiers         []TierSpec   `yaml:"tiers"`
	Rotation      RotationSpec `yaml:"rotation"`
	StopLossPct   float64      `yaml:"stop_loss_pct"`
	TrailingPct   float64      `yaml:"trailing_pct"`
}

type TierSpec struct {
	MinBalance  float64 `yaml:"min_balance"`
	MaxOrderPct float64 `yaml:"max_order_pct"`
}

type RotationSpec struct {
	Enabled       bool    `yaml:"enabled"`
	MinConfidence float64 `yaml:"min_confidence"`
	MinHoldRaw    any     `yaml:"min_hold"`
}

// MinHold accepts "30m" style durations or bare seconds.
func (r RotationSpec) MinHold() time.Duration {
	switch v := r.MinHoldRaw.(type) {
	case nil:
		return 0
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		return time.Duration(cast.ToFloat64(v) * float64(time.Second))
	default:
		return time.Duration(cast.ToFloat64(v) * float64(time.Second))
	}
}

// FollowSpec marks an account as a mirror follower.
type FollowSpec struct {
	Broker     string  `yaml:"broker"`
	Multiplier float64 `yaml:"multiplier"`
}

type MirrorSpec struct {
	Primary string `yaml:"primary"`
}

// LoadTopology parses and validates an account file.
func LoadTopology(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParseTopology(raw)
}

func ParseTopology(raw []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) validate() error {
	if len(t.Accounts) == 0 {
		return errors.New("accounts file defines no accounts")
	}
	seen := make(map[string]bool, len(t.Accounts))
	for i := range t.Accounts {
		a := &t.Accounts[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return fmt.Errorf("account %d: missing id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("account %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
		if a.Role == "" {
			a.Role = RoleUser
		}
		exchanges := make(map[string]bool)
		for j := range a.Credentials {
			c := &a.Credentials[j]
			c.Exchange = strings.ToLower(strings.TrimSpace(c.Exchange))
			if c.Exchange == "" {
				return fmt.Errorf("account %s credential %d: missing exchange", a.ID, j)
			}
			if exchanges[c.Exchange] {
				return fmt.Errorf("account %s: two credentials for %s", a.ID, c.Exchange)
			}
			exchanges[c.Exchange] = true
		}
		if a.Follow != nil {
			a.Follow.Broker = strings.ToLower(strings.TrimSpace(a.Follow.Broker))
			if !exchanges[a.Follow.Broker] {
				return fmt.Errorf("account %s: follows on %q without a credential for it", a.ID, a.Follow.Broker)
			}
			if a.Follow.Multiplier <= 0 {
				a.Follow.Multiplier = 1
			}
		}
	}
	if t.Mirror.Primary != "" && !seen[t.Mirror.Primary] {
		return fmt.Errorf("mirror primary %q is not a configured account", t.Mirror.Primary)
	}
	return nil
}

// Account returns the account by id.
func (t *Topology) Account(id string) (Account, bool) {
	for _, a := range t.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// RiskFor merges an account's risk block over the file defaults.
func (t *Topology) RiskFor(id string) RiskSpec {
	out := t.Defaults
	a, ok := t.Account(id)
	if !ok || a.Risk == nil {
		return out
	}
	r := *a.Risk
	if r.MaxPositions > 0 {
		out.MaxPositions = r.MaxPositions
	}
	if r.MaxCapitalPct > 0 {
		out.MaxCapitalPct = r.MaxCapitalPct
	}
	if r.MinOrderUSD > 0 {
		out.MinOrderUSD = r.MinOrderUSD
	}
	if len(r.Tiers) > 0 {
		out.Tiers = r.Tiers
	}
	if r.StopLossPct > 0 {
		out.StopLossPct = r.StopLossPct
	}
	if r.TrailingPct > 0 {
		out.TrailingPct = r.TrailingPct
	}
	if r.Rotation.Enabled || r.Rotation.MinConfidence > 0 || r.Rotation.MinHoldRaw != nil {
		out.Rotation = r.Rotation
	}
	return out
}

// Followers lists accounts that mirror the primary.
func (t *Topology) Followers() []Account {
	var out []Account
	for _, a := range t.Accounts {
		if a.Follow != nil && a.ID != t.Mirror.Primary {
			out = append(out, a)
		}
	}
	return out
}

// CapabilitySpec is one row of the capability override file.
type CapabilitySpec struct {
	Exchange      string            `yaml:"exchange"`
	Mode          string            `yaml:"mode"`
	SupportsShort bool              `yaml:"supports_short"`
	MinIncrement  string            `yaml:"min_increment"`
	MinNotional   string            `yaml:"min_notional"`
	Separator     string            `yaml:"separator"`
	Lowercase     bool              `yaml:"lowercase"`
	PerpSuffix    string            `yaml:"perp_suffix"`
	Quotes        []string          `yaml:"quotes"`
	QuoteAliases  map[string]string `yaml:"quote_aliases"`
	BaseAliases   map[string]string `yaml:"base_aliases"`
	Symbols       []string          `yaml:"symbols"`
}

// LoadCapabilities reads capability overrides. An empty path yields none.
func LoadCapabilities(path string) ([]CapabilitySpec, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capabilities file: %w", err)
	}
	var doc struct {
		Capabilities []CapabilitySpec `yaml:"capabilities"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse capabilities file: %w", err)
	}
	return doc.Capabilities, nil
}
