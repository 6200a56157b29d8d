package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selector identifies a chain to the transport layer. It is distinct from the
// chain's native numeric id.
type Selector uint64

func (s Selector) String() string {
	return fmt.Sprintf("%d", uint64(s))
}

// ChainID is the chain's native numeric identifier.
type ChainID uint64

// Chain is a registry entry for one chain.
type Chain struct {
	ID       ChainID        `json:"id"`
	Selector Selector       `json:"selector"`
	Name     string         `json:"name"`
	Router   common.Address `json:"router"`
	FeeToken common.Address `json:"fee_token"`
	Active   bool           `json:"active"`
	Testnet  bool           `json:"testnet"`
}

// LaneKey is a directed (source, destination) chain pair.
type LaneKey struct {
	Source Selector
	Dest   Selector
}

func (k LaneKey) String() string {
	return fmt.Sprintf("%d->%d", uint64(k.Source), uint64(k.Dest))
}

// Lane is a directed chain pair considered valid for transfers.
type Lane struct {
	Source        Selector `json:"source"`
	Dest          Selector `json:"dest"`
	Active        bool     `json:"active"`
	Confirmations uint64   `json:"confirmations"`
}

// Key returns the lane's (source, destination) pair.
func (l Lane) Key() LaneKey {
	return LaneKey{Source: l.Source, Dest: l.Dest}
}

// LaneToken maps a source token to its destination counterpart on one lane.
// It only counts as transferable while its parent lane is active too.
type LaneToken struct {
	Source      Selector       `json:"source"`
	Dest        Selector       `json:"dest"`
	SourceToken common.Address `json:"source_token"`
	DestToken   common.Address `json:"dest_token"`
	Decimals    uint8          `json:"decimals"`
	Symbol      string         `json:"symbol"`
	SymbolHash  common.Hash    `json:"symbol_hash"`
	Active      bool           `json:"active"`
}

// HashSymbol returns the keccak256 hash used to index token symbols.
func HashSymbol(symbol string) common.Hash {
	return crypto.Keccak256Hash([]byte(symbol))
}

// ServiceKey names a role a contract plays on a chain.
type ServiceKey string

const (
	ServiceSecurityGate  ServiceKey = "security_gate"
	ServiceTokenVerifier ServiceKey = "token_verifier"
	ServiceSender        ServiceKey = "sender"
	ServiceReceiver      ServiceKey = "receiver"
	ServiceRecordLedger  ServiceKey = "record_ledger"
	ServiceOrderEngine   ServiceKey = "order_engine"
)

// ServiceBinding resolves the trusted contract for a role on a chain.
type ServiceBinding struct {
	Selector Selector       `json:"selector"`
	Key      ServiceKey     `json:"key"`
	Address  common.Address `json:"address"`
	Active   bool           `json:"active"`
}
