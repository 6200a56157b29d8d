package ingest

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vietddude/crosslane/internal/core/domain"
)

// statusByEvent maps the event types that become ledger records.
// Everything else (cancellations, retry results, incidents, pauses) stays
// on the event log only.
var statusByEvent = map[domain.EventType]domain.RecordStatus{
	domain.EventTransferSent:      domain.RecordSent,
	domain.EventTransferReceived:  domain.RecordReceived,
	domain.EventTransferProcessed: domain.RecordProcessed,
	domain.EventActionRequested:   domain.RecordPendingAction,
	domain.EventTransferFailed:    domain.RecordFailed,
	domain.EventRetryRequested:    domain.RecordRetry,
	domain.EventFundsRecovered:    domain.RecordRecovered,
	domain.EventOrderCreated:      domain.RecordCreated,
	domain.EventOrderExecuted:     domain.RecordSent,
}

// Mapper turns events into ledger inputs and dedupe keys.
type Mapper struct {
	RecordSkippedOrders bool
}

// Map returns the ledger input for ev. ok is false for events the ledger
// does not record.
func (m Mapper) Map(ev *domain.Event) (in domain.RecordInput, key common.Hash, ok bool) {
	status, ok := statusByEvent[ev.Type]
	if ev.Type == domain.EventOrderSkipped && m.RecordSkippedOrders {
		status, ok = domain.RecordFailed, true
	}
	if !ok {
		return in, key, false
	}

	in = domain.RecordInput{
		User:         ev.Account,
		Selector:     ev.Selector,
		Source:       ev.Contract,
		Counterparty: ev.Counterparty,
		Status:       status,
		OccurredAt:   ev.OccurredAt,
		Detail:       detail(ev),
	}
	if ev.Reason != "" {
		in.MetadataHash = crypto.Keccak256Hash([]byte(ev.Reason))
	}
	return in, DedupeKey(ev), true
}

func detail(ev *domain.Event) domain.RecordDetail {
	if isOrderEvent(ev.Type) {
		return domain.OrderDetail{OrderID: ev.OrderID, MessageID: ev.MessageID, Asset: ev.Asset.Clone()}
	}
	switch {
	case ev.Action != "" && ev.Asset != nil:
		return domain.ActionDetail{
			MessageID:  ev.MessageID,
			Asset:      *ev.Asset.Clone(),
			ActionHash: domain.HashAction(ev.Action),
		}
	case ev.Asset != nil:
		return domain.AssetDetail{MessageID: ev.MessageID, Asset: *ev.Asset.Clone()}
	}
	return domain.MessageDetail{MessageID: ev.MessageID}
}

func isOrderEvent(t domain.EventType) bool {
	switch t {
	case domain.EventOrderCreated, domain.EventOrderExecuted,
		domain.EventOrderSkipped, domain.EventOrderCancelled:
		return true
	}
	return false
}

// DedupeKey derives keccak256(selector, subject id, event type, discriminator).
// The subject is the order id for order events and the message id otherwise.
// The discriminator is the event sequence, except for skipped orders, which
// repeat at the same execution count and are told apart by time.
func DedupeKey(ev *domain.Event) common.Hash {
	var sel, disc [8]byte
	binary.BigEndian.PutUint64(sel[:], uint64(ev.Selector))

	var subject common.Hash
	if isOrderEvent(ev.Type) {
		binary.BigEndian.PutUint64(subject[24:], ev.OrderID)
	} else {
		subject = ev.MessageID
	}

	if ev.Type == domain.EventOrderSkipped {
		binary.BigEndian.PutUint64(disc[:], uint64(ev.OccurredAt.UnixNano()))
	} else {
		binary.BigEndian.PutUint64(disc[:], ev.Sequence)
	}

	return crypto.Keccak256Hash(sel[:], subject.Bytes(), []byte(ev.Type), disc[:])
}
