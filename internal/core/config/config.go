package config

import (
	"time"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/gate"
	"github.com/vietddude/crosslane/internal/indexing/emitter"
	"github.com/vietddude/crosslane/internal/indexing/health"
	"github.com/vietddude/crosslane/internal/indexing/ingest"
	redisclient "github.com/vietddude/crosslane/internal/infra/redis"
	"github.com/vietddude/crosslane/internal/infra/storage/postgres"
	"github.com/vietddude/crosslane/internal/ledger"
	"github.com/vietddude/crosslane/internal/verifier"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"` // empty url = in-memory storage
	Redis    redisclient.Config `yaml:"redis"`    // empty url = in-process counters
	NATS     emitter.NATSConfig `yaml:"nats"`     // empty url = in-process bus only

	Owner      string             `yaml:"owner"`
	Roles      []RoleConfig       `yaml:"roles"`
	Chains     []ChainConfig      `yaml:"chains"`
	Lanes      []LaneConfig       `yaml:"lanes"`
	LaneTokens []LaneTokenConfig  `yaml:"lane_tokens"`
	Services   []ServiceConfig    `yaml:"services"`
	Fees       FeeConfig          `yaml:"fees"`
	Security   gate.Config        `yaml:"security"`
	Verifier   VerifierConfig     `yaml:"verifier"`
	Orders     OrdersConfig       `yaml:"orders"`
	Ledger     LedgerConfig       `yaml:"ledger"`
	Ingest     ingest.Config      `yaml:"ingest"`
	Health     health.Thresholds  `yaml:"health"`
	Feeds      []FeedConfig       `yaml:"feeds"`
	Balances   []BalanceConfig    `yaml:"balances"`
}

// ServerConfig holds HTTP and gRPC server settings.
type ServerConfig struct {
	Port      int     `yaml:"port"`
	GRPCPort  int     `yaml:"grpc_port"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second per client, 0 = off
	RateBurst int     `yaml:"rate_burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RoleConfig grants a role at startup.
type RoleConfig struct {
	Role    string `yaml:"role"`
	Address string `yaml:"address"`
}

// ChainConfig registers a chain and the endpoints hosted on it.
type ChainConfig struct {
	ID       domain.ChainID  `yaml:"id"`
	Selector domain.Selector `yaml:"selector"`
	Name     string          `yaml:"name"`
	Router   string          `yaml:"router"`
	FeeToken string          `yaml:"fee_token"`
	Testnet  bool            `yaml:"testnet"`
	RPCURL   string          `yaml:"rpc_url"` // optional EVM endpoint for token and price reads
	Sender   string          `yaml:"sender"`  // sender endpoint address, empty = none
	Receiver string          `yaml:"receiver"`
	Tokens   []string        `yaml:"tokens"` // sender token allow-list
}

// LaneConfig opens a directed lane.
type LaneConfig struct {
	Source        domain.Selector `yaml:"source"`
	Dest          domain.Selector `yaml:"dest"`
	Confirmations uint64          `yaml:"confirmations"`
	Senders       []string        `yaml:"senders"` // extra trusted senders on the destination receiver
}

// LaneTokenConfig maps a token across a lane.
type LaneTokenConfig struct {
	Source      domain.Selector `yaml:"source"`
	Dest        domain.Selector `yaml:"dest"`
	SourceToken string          `yaml:"source_token"`
	DestToken   string          `yaml:"dest_token"`
	Decimals    uint8           `yaml:"decimals"`
	Symbol      string          `yaml:"symbol"`
}

// ServiceConfig binds a service address on a chain.
type ServiceConfig struct {
	Selector domain.Selector   `yaml:"selector"`
	Key      domain.ServiceKey `yaml:"key"`
	Address  string            `yaml:"address"`
}

// FeeConfig is the loopback transport fee schedule.
type FeeConfig struct {
	Base    int64 `yaml:"base"`
	PerByte int64 `yaml:"per_byte"`
}

// VerifierConfig configures the token verifier and its static metadata.
type VerifierConfig struct {
	verifier.Config `yaml:",inline"`
	Tokens          []TokenMetadataConfig `yaml:"tokens"`
}

// TokenMetadataConfig describes a token for the static inspector.
type TokenMetadataConfig struct {
	Address     string `yaml:"address"`
	Name        string `yaml:"name"`
	Symbol      string `yaml:"symbol"`
	Decimals    uint8  `yaml:"decimals"`
	TotalSupply string `yaml:"total_supply"`
	Allowed     bool   `yaml:"allowed"`
}

// OrdersConfig configures the order engine and its keeper.
type OrdersConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Selector       domain.Selector `yaml:"selector"`
	Address        string          `yaml:"address"`
	Keeper         string          `yaml:"keeper"`
	KeeperInterval time.Duration   `yaml:"keeper_interval"`
	BatchSize      int             `yaml:"batch_size"`
	MaxPriceAge    time.Duration   `yaml:"max_price_age"`
}

// LedgerConfig configures the record ledger.
type LedgerConfig struct {
	ledger.Config `yaml:",inline"`
	Writer        string `yaml:"writer"` // address the ingester appends as
}

// FeedConfig seeds a static price feed.
type FeedConfig struct {
	Address string `yaml:"address"`
	Price   string `yaml:"price"` // decimal, e.g. "1850.25"
}

// BalanceConfig seeds the custody book.
type BalanceConfig struct {
	Selector domain.Selector `yaml:"selector"`
	Account  string          `yaml:"account"`
	Token    string          `yaml:"token"`
	Amount   string          `yaml:"amount"` // decimal amount in token units
	Decimals int32           `yaml:"decimals"`
}
