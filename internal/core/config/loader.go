package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/health"
)

// EnvPrefix is the prefix of environment overrides, e.g. CROSSLANE_DATABASE_URL.
const EnvPrefix = "crosslane"

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// envOverrides are applied after the YAML file.
type envOverrides struct {
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`
	NATSURL     string `envconfig:"NATS_URL"`
	Port        int    `envconfig:"PORT"`
	GRPCPort    int    `envconfig:"GRPC_PORT"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, then applies environment overrides, defaults
// and validation.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if env.DatabaseURL != "" {
		cfg.Database.URL = env.DatabaseURL
	}
	if env.RedisURL != "" {
		cfg.Redis.URL = env.RedisURL
	}
	if env.NATSURL != "" {
		cfg.NATS.URL = env.NATSURL
	}
	if env.Port != 0 {
		cfg.Server.Port = env.Port
	}
	if env.GRPCPort != 0 {
		cfg.Server.GRPCPort = env.GRPCPort
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Security.Mode == "" {
		cfg.Security.Mode = domain.ModeMonitor
	}
	if cfg.Security.Window == 0 {
		cfg.Security.Window = time.Hour
	}
	if cfg.Orders.KeeperInterval == 0 {
		cfg.Orders.KeeperInterval = 15 * time.Second
	}
	if cfg.Health == (health.Thresholds{}) {
		cfg.Health = health.DefaultThresholds()
	}
}

// Validate checks addresses, selectors and references between sections.
func (c *AppConfig) Validate() error {
	var errs []error
	check := func(field, s string, required bool) {
		if s == "" && !required {
			return
		}
		if _, err := ParseAddress(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	check("owner", c.Owner, true)
	if !c.Security.Mode.Valid() {
		errs = append(errs, fmt.Errorf("security.mode: unknown mode %q", c.Security.Mode))
	}

	selectors := make(map[domain.Selector]bool)
	for i, ch := range c.Chains {
		if ch.Selector == 0 {
			errs = append(errs, fmt.Errorf("chains[%d]: selector is required", i))
		}
		if selectors[ch.Selector] {
			errs = append(errs, fmt.Errorf("chains[%d]: duplicate selector %d", i, ch.Selector))
		}
		selectors[ch.Selector] = true
		check(fmt.Sprintf("chains[%d].router", i), ch.Router, false)
		check(fmt.Sprintf("chains[%d].fee_token", i), ch.FeeToken, false)
		check(fmt.Sprintf("chains[%d].sender", i), ch.Sender, false)
		check(fmt.Sprintf("chains[%d].receiver", i), ch.Receiver, false)
		for j, tok := range ch.Tokens {
			check(fmt.Sprintf("chains[%d].tokens[%d]", i, j), tok, true)
		}
	}

	known := func(field string, sel domain.Selector) {
		if !selectors[sel] {
			errs = append(errs, fmt.Errorf("%s: unknown chain %d", field, sel))
		}
	}
	for i, l := range c.Lanes {
		known(fmt.Sprintf("lanes[%d].source", i), l.Source)
		known(fmt.Sprintf("lanes[%d].dest", i), l.Dest)
		for j, s := range l.Senders {
			check(fmt.Sprintf("lanes[%d].senders[%d]", i, j), s, true)
		}
	}
	for i, t := range c.LaneTokens {
		known(fmt.Sprintf("lane_tokens[%d].source", i), t.Source)
		known(fmt.Sprintf("lane_tokens[%d].dest", i), t.Dest)
		check(fmt.Sprintf("lane_tokens[%d].source_token", i), t.SourceToken, true)
		check(fmt.Sprintf("lane_tokens[%d].dest_token", i), t.DestToken, true)
	}
	for i, s := range c.Services {
		known(fmt.Sprintf("services[%d].selector", i), s.Selector)
		check(fmt.Sprintf("services[%d].address", i), s.Address, true)
	}
	for i, r := range c.Roles {
		check(fmt.Sprintf("roles[%d].address", i), r.Address, true)
	}
	for i, t := range c.Verifier.Tokens {
		check(fmt.Sprintf("verifier.tokens[%d].address", i), t.Address, true)
	}
	if c.Orders.Enabled {
		known("orders.selector", c.Orders.Selector)
		check("orders.address", c.Orders.Address, true)
		check("orders.keeper", c.Orders.Keeper, true)
	}
	check("ledger.writer", c.Ledger.Writer, false)
	for i, f := range c.Feeds {
		check(fmt.Sprintf("feeds[%d].address", i), f.Address, true)
		if _, err := decimal.NewFromString(f.Price); err != nil {
			errs = append(errs, fmt.Errorf("feeds[%d].price: %w", i, err))
		}
	}
	for i, b := range c.Balances {
		check(fmt.Sprintf("balances[%d].account", i), b.Account, true)
		check(fmt.Sprintf("balances[%d].token", i), b.Token, false)
		if _, err := b.BaseUnits(); err != nil {
			errs = append(errs, fmt.Errorf("balances[%d].amount: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// MustAddress parses an address that already passed Validate. Empty
// strings yield the zero address.
func MustAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// BaseUnits converts the decimal amount to the token's smallest unit.
func (b BalanceConfig) BaseUnits() (*big.Int, error) {
	d, err := decimal.NewFromString(b.Amount)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", b.Amount)
	}
	return d.Shift(b.Decimals).BigInt(), nil
}
