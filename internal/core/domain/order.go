package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TriggerType selects how an order decides it is due.
type TriggerType string

const (
	TriggerTimeBased      TriggerType = "TIME_BASED"
	TriggerPriceThreshold TriggerType = "PRICE_THRESHOLD"
	TriggerBalance        TriggerType = "BALANCE_TRIGGER"
)

// OrderStatus is the lifecycle state of an order. A recurring order stays
// ACTIVE between executions.
type OrderStatus string

const (
	OrderActive               OrderStatus = "ACTIVE"
	OrderExecuted             OrderStatus = "EXECUTED"
	OrderCancelled            OrderStatus = "CANCELLED"
	OrderExpired              OrderStatus = "EXPIRED"
	OrderMaxExecutionsReached OrderStatus = "MAX_EXECUTIONS_REACHED"
)

// IsFinal reports whether the order can no longer execute.
func (s OrderStatus) IsFinal() bool {
	return s != OrderActive
}

// Trigger holds the parameters for one trigger type. Only the fields that
// belong to Type are meaningful.
type Trigger struct {
	Type TriggerType `json:"type"`

	// TIME_BASED
	Interval time.Duration `json:"interval,omitempty"`

	// PRICE_THRESHOLD, threshold is 18-decimal fixed point
	PriceFeed    common.Address `json:"price_feed,omitzero"`
	Threshold    *big.Int       `json:"threshold,omitempty"`
	ExecuteAbove bool           `json:"execute_above,omitempty"`

	// BALANCE_TRIGGER
	BalanceToken common.Address `json:"balance_token,omitzero"`
	MinBalance   *big.Int       `json:"min_balance,omitempty"`
}

// Order is a user-defined conditional transfer driven by the order engine.
type Order struct {
	ID            uint64         `json:"id"`
	Owner         common.Address `json:"owner"`
	Trigger       Trigger        `json:"trigger"`
	Dest          Selector       `json:"dest"`
	Receiver      common.Address `json:"receiver"`
	Recipient     common.Address `json:"recipient"`
	Asset         *TokenAmount   `json:"asset,omitempty"`
	Action        string         `json:"action,omitempty"`
	Data          []byte         `json:"data,omitempty"`
	Recurring     bool           `json:"recurring"`
	MaxExecutions uint64         `json:"max_executions"` // 0 = unlimited
	Deadline      time.Time      `json:"deadline,omitzero"`
	Executions    uint64         `json:"executions"`
	LastExecution time.Time      `json:"last_execution,omitzero"`
	LastMessageID common.Hash    `json:"last_message_id,omitzero"`
	Paused        bool           `json:"paused"`
	Status        OrderStatus    `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Kind reports which sender variant the order drives.
func (o *Order) Kind() PayloadKind {
	switch {
	case o.Asset == nil:
		return KindMessage
	case o.Action != "":
		return KindAction
	default:
		return KindToken
	}
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	out := *o
	out.Asset = o.Asset.Clone()
	if o.Trigger.Threshold != nil {
		out.Trigger.Threshold = new(big.Int).Set(o.Trigger.Threshold)
	}
	if o.Trigger.MinBalance != nil {
		out.Trigger.MinBalance = new(big.Int).Set(o.Trigger.MinBalance)
	}
	if o.Data != nil {
		out.Data = append([]byte(nil), o.Data...)
	}
	return &out
}

// SkipReason is the machine-readable reason a due check or execution was skipped.
type SkipReason string

const (
	SkipNone                SkipReason = ""
	SkipNotDue              SkipReason = "not_due"
	SkipStalePrice          SkipReason = "stale_price"
	SkipFeedUnavailable     SkipReason = "feed_unavailable"
	SkipInsufficientBalance SkipReason = "insufficient_balance"
	SkipInsufficientFee     SkipReason = "insufficient_fee"
	SkipPaused              SkipReason = "paused"
	SkipInactive            SkipReason = "inactive"
	SkipExpired             SkipReason = "expired"
	SkipGateRejected        SkipReason = "gate_rejected"
	SkipSendFailed          SkipReason = "send_failed"
)
