package domain

import (
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransferStatus is the destination-side state of a message.
type TransferStatus string

const (
	TransferReceived      TransferStatus = "RECEIVED"
	TransferProcessing    TransferStatus = "PROCESSING"
	TransferProcessed     TransferStatus = "PROCESSED"
	TransferFailed        TransferStatus = "FAILED"
	TransferPendingAction TransferStatus = "PENDING_ACTION"
	TransferRecovered     TransferStatus = "RECOVERED"
)

// TransferTransitions lists the allowed next states for each state.
// PROCESSED and RECOVERED have no successors.
var TransferTransitions = map[TransferStatus][]TransferStatus{
	TransferReceived:   {TransferProcessing},
	TransferProcessing: {TransferProcessed, TransferFailed, TransferPendingAction},
	TransferFailed:     {TransferProcessing, TransferRecovered},
	TransferPendingAction: {
		TransferProcessed,
		TransferFailed,
	},
}

// CanTransition checks if a transfer may move from one status to another.
func CanTransition(from, to TransferStatus) bool {
	return slices.Contains(TransferTransitions[from], to)
}

// IsTerminal reports whether no further transition is possible.
func (s TransferStatus) IsTerminal() bool {
	return len(TransferTransitions[s]) == 0
}

// ReceivedTransfer is the destination-side record of one inbound message.
type ReceivedTransfer struct {
	MessageID     common.Hash    `json:"message_id"`
	Dest          Selector       `json:"dest"`
	Source        Selector       `json:"source"`
	Sender        common.Address `json:"sender"`
	Receiver      common.Address `json:"receiver"`
	Origin        common.Address `json:"origin"`
	Recipient     common.Address `json:"recipient"`
	Asset         *TokenAmount   `json:"asset,omitempty"`
	Action        string         `json:"action,omitempty"`
	Data          []byte         `json:"data,omitempty"`
	Deadline      time.Time      `json:"deadline,omitzero"`
	Status        TransferStatus `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Attempts      int            `json:"attempts"`
	ReceivedAt    time.Time      `json:"received_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewReceivedTransfer builds the initial RECEIVED record for an envelope.
func NewReceivedTransfer(env *Envelope, dest Selector, now time.Time) *ReceivedTransfer {
	return &ReceivedTransfer{
		MessageID:  env.MessageID,
		Dest:       dest,
		Source:     env.Source,
		Sender:     env.Sender,
		Receiver:   env.Receiver,
		Origin:     env.Origin,
		Recipient:  env.Recipient,
		Asset:      env.Asset.Clone(),
		Action:     env.Action,
		Data:       append([]byte(nil), env.Data...),
		Deadline:   env.Deadline,
		Status:     TransferReceived,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
}

// Kind reports which transfer variant the record carries.
func (t *ReceivedTransfer) Kind() PayloadKind {
	switch {
	case t.Asset == nil:
		return KindMessage
	case t.Action != "":
		return KindAction
	default:
		return KindToken
	}
}

// Amount returns the transferred amount, zero for pure messages.
func (t *ReceivedTransfer) Amount() *big.Int {
	if t.Asset == nil || t.Asset.Amount == nil {
		return new(big.Int)
	}
	return t.Asset.Amount
}

// Clone returns a deep copy.
func (t *ReceivedTransfer) Clone() *ReceivedTransfer {
	out := *t
	out.Asset = t.Asset.Clone()
	if t.Data != nil {
		out.Data = append([]byte(nil), t.Data...)
	}
	return &out
}

// SentTransfer is the source-side record of one dispatched message.
type SentTransfer struct {
	MessageID common.Hash    `json:"message_id"`
	Source    Selector       `json:"source"`
	Dest      Selector       `json:"dest"`
	Sender    common.Address `json:"sender"`
	Receiver  common.Address `json:"receiver"`
	Origin    common.Address `json:"origin"`
	Recipient common.Address `json:"recipient"`
	Asset     *TokenAmount   `json:"asset,omitempty"`
	Action    string         `json:"action,omitempty"`
	FeeToken  common.Address `json:"fee_token"`
	Fee       *big.Int       `json:"fee"`
	SentAt    time.Time      `json:"sent_at"`
}

// Outcome is what a receiver reports for one delivery. Processing failures
// are carried here instead of being returned as errors.
type Outcome struct {
	MessageID common.Hash    `json:"message_id"`
	Status    TransferStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"` // known message id, nothing re-processed
}

// Succeeded reports whether processing completed or was handed off.
func (o Outcome) Succeeded() bool {
	return o.Status == TransferProcessed || o.Status == TransferPendingAction
}
