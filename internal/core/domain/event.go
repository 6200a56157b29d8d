package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a normalized notification published by a component. Indexers
// consume these and turn them into ledger records.
type Event struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Selector     Selector       `json:"selector"` // chain the event happened on
	Peer         Selector       `json:"peer"`     // other side of the lane, if any
	Contract     common.Address `json:"contract"` // emitting component
	MessageID    common.Hash    `json:"message_id,omitzero"`
	OrderID      uint64         `json:"order_id,omitempty"`
	Account      common.Address `json:"account"` // user the event belongs to
	Counterparty common.Address `json:"counterparty,omitzero"`
	Asset        *TokenAmount   `json:"asset,omitempty"`
	Action       string         `json:"action,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	// Sequence separates repeated events of one type for the same subject,
	// e.g. the retry attempt or the order execution number.
	Sequence   uint64         `json:"sequence"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EventType names what happened.
type EventType string

const (
	EventTransferSent      EventType = "transfer_sent"
	EventTransferReceived  EventType = "transfer_received"
	EventTransferProcessed EventType = "transfer_processed"
	EventTransferFailed    EventType = "transfer_failed"
	EventActionRequested   EventType = "action_requested"
	EventRetryRequested    EventType = "retry_requested"
	EventRetryCompleted    EventType = "retry_completed"
	EventFundsRecovered    EventType = "funds_recovered"
	EventOrderCreated      EventType = "order_created"
	EventOrderExecuted     EventType = "order_executed"
	EventOrderSkipped      EventType = "order_skipped"
	EventOrderCancelled    EventType = "order_cancelled"
	EventIncidentLogged    EventType = "incident_logged"
	EventSystemPaused      EventType = "system_paused"
	EventSystemUnpaused    EventType = "system_unpaused"
)
