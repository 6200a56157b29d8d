package domain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FeatureType names the product feature a ledger record belongs to.
type FeatureType string

const (
	FeatureMessage        FeatureType = "MESSAGE"
	FeatureTokenTransfer  FeatureType = "TOKEN_TRANSFER"
	FeatureActionTransfer FeatureType = "ACTION_TRANSFER"
	FeatureAutomatedOrder FeatureType = "AUTOMATED_ORDER"
)

// RecordStatus is the status carried by a ledger record.
type RecordStatus string

const (
	RecordCreated       RecordStatus = "CREATED"
	RecordSent          RecordStatus = "SENT"
	RecordReceived      RecordStatus = "RECEIVED"
	RecordProcessed     RecordStatus = "PROCESSED"
	RecordPendingAction RecordStatus = "PENDING_ACTION"
	RecordFailed        RecordStatus = "FAILED"
	RecordRetry         RecordStatus = "RETRY"
	RecordRecovered     RecordStatus = "RECOVERED"
)

// Valid reports whether s is a known record status.
func (s RecordStatus) Valid() bool {
	switch s {
	case RecordCreated, RecordSent, RecordReceived, RecordProcessed,
		RecordPendingAction, RecordFailed, RecordRetry, RecordRecovered:
		return true
	}
	return false
}

// RecordDetail is the feature-specific part of a ledger record. Exactly one of
// MessageDetail, AssetDetail, ActionDetail or OrderDetail.
type RecordDetail interface {
	Feature() FeatureType
}

// MessageDetail describes a pure message event.
type MessageDetail struct {
	MessageID common.Hash `json:"message_id"`
}

func (MessageDetail) Feature() FeatureType { return FeatureMessage }

// AssetDetail describes a plain token transfer event.
type AssetDetail struct {
	MessageID common.Hash `json:"message_id"`
	Asset     TokenAmount `json:"asset"`
}

func (AssetDetail) Feature() FeatureType { return FeatureTokenTransfer }

// ActionDetail describes a token transfer that carries an action.
type ActionDetail struct {
	MessageID  common.Hash `json:"message_id"`
	Asset      TokenAmount `json:"asset"`
	ActionHash common.Hash `json:"action_hash"`
}

func (ActionDetail) Feature() FeatureType { return FeatureActionTransfer }

// OrderDetail describes an automated order event. MessageID and Asset are
// set once the order has dispatched something.
type OrderDetail struct {
	OrderID   uint64       `json:"order_id"`
	MessageID common.Hash  `json:"message_id,omitzero"`
	Asset     *TokenAmount `json:"asset,omitempty"`
}

func (OrderDetail) Feature() FeatureType { return FeatureAutomatedOrder }

// RecordInput is what an indexer submits to the ledger.
type RecordInput struct {
	User         common.Address `json:"user"`
	Selector     Selector       `json:"selector"`
	Source       common.Address `json:"source"`
	Counterparty common.Address `json:"counterparty"`
	Status       RecordStatus   `json:"status"`
	OccurredAt   time.Time      `json:"occurred_at"`
	MetadataHash common.Hash    `json:"metadata_hash,omitzero"`
	Detail       RecordDetail   `json:"detail"`
}

// Feature returns the feature of the record's detail.
func (in RecordInput) Feature() FeatureType {
	if in.Detail == nil {
		return ""
	}
	return in.Detail.Feature()
}

// Record is an appended, immutable ledger entry.
type Record struct {
	ID uint64 `json:"id"`
	RecordInput
	DedupeKey  common.Hash `json:"dedupe_key"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Clone returns a copy of the record that shares no amounts with r.
func (r *Record) Clone() *Record {
	out := *r
	out.Detail = cloneDetail(r.Detail)
	return &out
}

func cloneDetail(d RecordDetail) RecordDetail {
	switch v := d.(type) {
	case AssetDetail:
		v.Asset = *v.Asset.Clone()
		return v
	case ActionDetail:
		v.Asset = *v.Asset.Clone()
		return v
	case OrderDetail:
		v.Asset = v.Asset.Clone()
		return v
	case *AssetDetail:
		cp := *v
		cp.Asset = *v.Asset.Clone()
		return &cp
	case *ActionDetail:
		cp := *v
		cp.Asset = *v.Asset.Clone()
		return &cp
	case *OrderDetail:
		cp := *v
		cp.Asset = v.Asset.Clone()
		return &cp
	}
	return d
}

// Profile is a wallet's opaque commitment, owned by that wallet.
type Profile struct {
	Wallet     common.Address `json:"wallet"`
	Commitment common.Hash    `json:"commitment"`
	Version    uint64         `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RecordColumns is the flat form of a record detail used by row stores.
type RecordColumns struct {
	Feature    FeatureType
	MessageID  common.Hash
	OrderID    uint64
	Token      common.Address
	Amount     *big.Int
	ActionHash common.Hash
}

// ErrUnknownFeature is returned when a detail cannot be (un)flattened.
var ErrUnknownFeature = errors.New("unknown feature type")

// FlattenDetail converts a detail into row columns.
func FlattenDetail(d RecordDetail) (RecordColumns, error) {
	cols := RecordColumns{Amount: new(big.Int)}
	switch v := d.(type) {
	case MessageDetail:
		cols.Feature = FeatureMessage
		cols.MessageID = v.MessageID
	case AssetDetail:
		cols.Feature = FeatureTokenTransfer
		cols.MessageID = v.MessageID
		cols.Token = v.Asset.Token
		cols.Amount = amountOrZero(v.Asset.Amount)
	case ActionDetail:
		cols.Feature = FeatureActionTransfer
		cols.MessageID = v.MessageID
		cols.Token = v.Asset.Token
		cols.Amount = amountOrZero(v.Asset.Amount)
		cols.ActionHash = v.ActionHash
	case OrderDetail:
		cols.Feature = FeatureAutomatedOrder
		cols.OrderID = v.OrderID
		cols.MessageID = v.MessageID
		if v.Asset != nil {
			cols.Token = v.Asset.Token
			cols.Amount = amountOrZero(v.Asset.Amount)
		}
	default:
		return cols, fmt.Errorf("%w: %T", ErrUnknownFeature, d)
	}
	return cols, nil
}

// Detail rebuilds the typed detail from row columns.
func (c RecordColumns) Detail() (RecordDetail, error) {
	amount := amountOrZero(c.Amount)
	switch c.Feature {
	case FeatureMessage:
		return MessageDetail{MessageID: c.MessageID}, nil
	case FeatureTokenTransfer:
		return AssetDetail{MessageID: c.MessageID, Asset: TokenAmount{Token: c.Token, Amount: amount}}, nil
	case FeatureActionTransfer:
		return ActionDetail{
			MessageID:  c.MessageID,
			Asset:      TokenAmount{Token: c.Token, Amount: amount},
			ActionHash: c.ActionHash,
		}, nil
	case FeatureAutomatedOrder:
		d := OrderDetail{OrderID: c.OrderID, MessageID: c.MessageID}
		if amount.Sign() > 0 {
			d.Asset = &TokenAmount{Token: c.Token, Amount: amount}
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, c.Feature)
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
