package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PayloadKind tells the three transfer variants apart.
type PayloadKind string

const (
	KindMessage PayloadKind = "message"
	KindToken   PayloadKind = "token"
	KindAction  PayloadKind = "action"
)

// NativeToken is the sentinel address for a chain's native asset.
var NativeToken = common.Address{}

// TokenAmount is an asset and a positive amount of it.
type TokenAmount struct {
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// Clone returns a deep copy.
func (t *TokenAmount) Clone() *TokenAmount {
	if t == nil {
		return nil
	}
	out := &TokenAmount{Token: t.Token}
	if t.Amount != nil {
		out.Amount = new(big.Int).Set(t.Amount)
	}
	return out
}

// Envelope is the unit the transport moves from one chain to another.
type Envelope struct {
	MessageID common.Hash    `json:"message_id"`
	Source    Selector       `json:"source"`
	Dest      Selector       `json:"dest"`
	Sender    common.Address `json:"sender"`    // sender contract on the source chain
	Receiver  common.Address `json:"receiver"`  // receiver contract on the destination chain
	Origin    common.Address `json:"origin"`    // account that initiated the send
	Recipient common.Address `json:"recipient"` // beneficiary on the destination chain
	Asset     *TokenAmount   `json:"asset,omitempty"`
	Action    string         `json:"action,omitempty"`
	Data      []byte         `json:"data,omitempty"`
	Deadline  time.Time      `json:"deadline,omitzero"`
	SentAt    time.Time      `json:"sent_at"`
}

// Kind reports which transfer variant the envelope carries.
func (e *Envelope) Kind() PayloadKind {
	switch {
	case e.Asset == nil:
		return KindMessage
	case e.Action != "":
		return KindAction
	default:
		return KindToken
	}
}

// HasDeadline reports whether a deadline was set.
func (e *Envelope) HasDeadline() bool {
	return !e.Deadline.IsZero()
}

// PayloadSize is the number of payload bytes the transport charges for.
func (e *Envelope) PayloadSize() int {
	return len(e.Data) + len(e.Action)
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Asset = e.Asset.Clone()
	if e.Data != nil {
		out.Data = append([]byte(nil), e.Data...)
	}
	return &out
}

// HashAction returns the keccak256 hash of an action string.
func HashAction(action string) common.Hash {
	if action == "" {
		return common.Hash{}
	}
	return crypto.Keccak256Hash([]byte(action))
}

// Known action names.
const (
	ActionTransfer = "transfer"
	ActionStake    = "stake"
	ActionSwap     = "swap"
	ActionDeposit  = "deposit"
)

// IsExtendedAction reports whether the action may be held for an external executor.
func IsExtendedAction(action string) bool {
	switch action {
	case ActionStake, ActionSwap, ActionDeposit:
		return true
	}
	return false
}

// IsKnownAction reports whether a receiver knows how to handle the action.
func IsKnownAction(action string) bool {
	return action == ActionTransfer || IsExtendedAction(action)
}
