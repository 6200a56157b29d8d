package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/funds"
	"github.com/vietddude/crosslane/internal/indexing/emitter"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

// Failure reasons recorded on FAILED transfers.
const (
	ReasonUnsupportedAction = "unsupported_action"
	ReasonDeadlineExpired   = "deadline_expired"
	ReasonAborted           = "aborted"
)

// MessageHandler consumes the payload of a pure message. An error marks
// the transfer FAILED; it never refuses the delivery.
type MessageHandler interface {
	HandleMessage(ctx context.Context, t *domain.ReceivedTransfer) error
}

// ReceiverConfig identifies a receiver.
type ReceiverConfig struct {
	Selector domain.Selector
	Address  common.Address
}

// ReceiverDeps bundles the receiver's collaborators. Messages is optional;
// without it the receiver keeps the last message it processed.
type ReceiverDeps struct {
	ACL       *access.Controller
	Book      funds.Book
	Transfers storage.ReceivedTransferRepository
	Messages  MessageHandler
	Emitter   emitter.Emitter
	Now       func() time.Time
}

// Receiver accepts deliveries on one chain. Every accepted envelope is
// persisted before processing starts, and processing failures end up in
// the record instead of the return value.
type Receiver struct {
	selector    domain.Selector
	address     common.Address
	deps        ReceiverDeps
	sources     *access.Set[domain.Selector]
	senders     map[domain.Selector]*access.Set[common.Address]
	manual      map[domain.Selector]*access.Set[common.Address]
	lastMessage *domain.ReceivedTransfer
	unsettled   map[common.Hash]settlement
	log         *slog.Logger
	mu          sync.Mutex
}

// NewReceiver creates a receiver.
func NewReceiver(cfg ReceiverConfig, deps ReceiverDeps) *Receiver {
	if deps.Emitter == nil {
		deps.Emitter = emitter.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Receiver{
		selector:  cfg.Selector,
		address:   cfg.Address,
		deps:      deps,
		sources:   access.NewSet[domain.Selector](),
		senders:   make(map[domain.Selector]*access.Set[common.Address]),
		manual:    make(map[domain.Selector]*access.Set[common.Address]),
		unsettled: make(map[common.Hash]settlement),
		log: slog.Default().With(
			"component", "receiver",
			"selector", cfg.Selector,
			"address", cfg.Address.Hex(),
		),
	}
}

// Address returns the receiver's contract address.
func (r *Receiver) Address() common.Address { return r.address }

// Selector returns the chain the receiver lives on.
func (r *Receiver) Selector() domain.Selector { return r.selector }

// Receive accepts one delivery from the transport. It returns an error only
// when the delivery is refused, in which case nothing was stored.
func (r *Receiver) Receive(ctx context.Context, env *domain.Envelope) (domain.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.accept(env); err != nil {
		metrics.ReceiveRejectionsTotal.WithLabelValues(rejectionLabel(err)).Inc()
		r.log.Warn("Delivery rejected", "message_id", env.MessageID.Hex(), "error", err)
		return domain.Outcome{}, err
	}

	existing, err := r.deps.Transfers.Get(ctx, env.MessageID)
	switch {
	case err == nil:
		if out, ok := r.resume(ctx, existing); ok {
			r.log.Info("Resumed interrupted transfer", "message_id", env.MessageID.Hex(), "status", out.Status)
			return out, nil
		}
		r.log.Debug("Duplicate delivery", "message_id", env.MessageID.Hex(), "status", existing.Status)
		return domain.Outcome{
			MessageID: existing.MessageID,
			Status:    existing.Status,
			Reason:    existing.FailureReason,
			Duplicate: true,
		}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return domain.Outcome{}, fmt.Errorf("failed to look up transfer: %w", err)
	}

	rec := domain.NewReceivedTransfer(env, r.selector, r.deps.Now())
	if err := r.deps.Transfers.Create(ctx, rec); err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to store transfer: %w", err)
	}
	metrics.TransfersReceivedTotal.WithLabelValues(string(rec.Kind()), rec.Source.String()).Inc()
	r.log.Info("Transfer received",
		"message_id", rec.MessageID.Hex(),
		"kind", rec.Kind(),
		"source", rec.Source,
		"sender", rec.Sender.Hex(),
	)
	r.emit(ctx, rec, domain.EventTransferReceived, "", nil)

	return r.process(ctx, rec), nil
}

// accept runs the policy checks for an inbound envelope.
func (r *Receiver) accept(env *domain.Envelope) error {
	if env.Dest != r.selector || env.Receiver != r.address {
		return fmt.Errorf("%w: %s@%s", ErrWrongReceiver, env.Receiver.Hex(), env.Dest)
	}
	if !r.sources.Contains(env.Source) {
		return fmt.Errorf("%w: %s", ErrSourceNotAllowed, env.Source)
	}
	if set, ok := r.senders[env.Source]; !ok || !set.Contains(env.Sender) {
		return fmt.Errorf("%w: %s on %s", ErrSenderNotAllowed, env.Sender.Hex(), env.Source)
	}
	return nil
}

// settlement is the final status of a step whose side effects already ran.
type settlement struct {
	status domain.TransferStatus
	reason string // stored on the record
	event  domain.EventType
	note   string // event reason
	meta   map[string]any
}

func outcomeSettlement(status domain.TransferStatus, reason string) settlement {
	s := settlement{status: status, reason: reason}
	switch status {
	case domain.TransferProcessed:
		s.event = domain.EventTransferProcessed
	case domain.TransferPendingAction:
		s.event = domain.EventActionRequested
	case domain.TransferFailed:
		s.event, s.note = domain.EventTransferFailed, reason
	}
	return s
}

// process moves rec through PROCESSING to its outcome. It never returns an
// error; store failures are logged and reported in the outcome.
func (r *Receiver) process(ctx context.Context, rec *domain.ReceivedTransfer) domain.Outcome {
	if err := r.move(ctx, rec, domain.TransferProcessing, ""); err != nil {
		r.log.Error("Failed to start processing", "message_id", rec.MessageID.Hex(), "error", err)
		return domain.Outcome{MessageID: rec.MessageID, Status: rec.Status, Reason: err.Error()}
	}

	status, reason := r.execute(ctx, rec)
	if status == domain.TransferFailed {
		r.log.Warn("Transfer failed", "message_id", rec.MessageID.Hex(), "reason", reason)
	}
	return r.settle(ctx, rec, outcomeSettlement(status, reason))
}

// settle stores s on rec. When the write fails s is kept, and a later Retry
// or redelivery stores it again instead of repeating the side effects.
func (r *Receiver) settle(ctx context.Context, rec *domain.ReceivedTransfer, s settlement) domain.Outcome {
	out := domain.Outcome{MessageID: rec.MessageID, Status: s.status, Reason: s.reason}
	if rec.Status == s.status {
		delete(r.unsettled, rec.MessageID)
		return out
	}
	if err := r.move(ctx, rec, s.status, s.reason); err != nil {
		r.unsettled[rec.MessageID] = s
		r.log.Error("Failed to record outcome",
			"message_id", rec.MessageID.Hex(),
			"status", s.status,
			"error", err,
		)
		out.Status = rec.Status
		out.Reason = err.Error()
		return out
	}
	delete(r.unsettled, rec.MessageID)

	metrics.TransferOutcomesTotal.WithLabelValues(string(s.status)).Inc()
	if s.event != "" {
		r.emit(ctx, rec, s.event, s.note, s.meta)
	}
	return out
}

// resume continues a transfer that an earlier store error left behind: a
// RECEIVED record is processed, an unsettled outcome is stored.
func (r *Receiver) resume(ctx context.Context, rec *domain.ReceivedTransfer) (domain.Outcome, bool) {
	if s, ok := r.unsettled[rec.MessageID]; ok {
		return r.settle(ctx, rec, s), true
	}
	if rec.Status == domain.TransferReceived {
		return r.process(ctx, rec), true
	}
	return domain.Outcome{}, false
}

// execute runs the variant-specific processing. Panics are captured as a
// FAILED outcome.
func (r *Receiver) execute(ctx context.Context, rec *domain.ReceivedTransfer) (status domain.TransferStatus, reason string) {
	defer func() {
		if p := recover(); p != nil {
			status, reason = domain.TransferFailed, fmt.Sprintf("panic: %v", p)
		}
	}()

	switch rec.Kind() {
	case domain.KindMessage:
		if err := r.handleMessage(ctx, rec); err != nil {
			return domain.TransferFailed, err.Error()
		}
		return domain.TransferProcessed, ""

	case domain.KindToken:
		if err := r.forward(ctx, rec, rec.Recipient); err != nil {
			return domain.TransferFailed, err.Error()
		}
		return domain.TransferProcessed, ""
	}

	if !rec.Deadline.IsZero() && r.deps.Now().After(rec.Deadline) {
		return domain.TransferFailed, ReasonDeadlineExpired
	}
	switch {
	case rec.Action == domain.ActionTransfer:
	case domain.IsExtendedAction(rec.Action):
		if r.isManual(rec.Source, rec.Sender) {
			return domain.TransferPendingAction, ""
		}
	default:
		return domain.TransferFailed, ReasonUnsupportedAction
	}
	if err := r.forward(ctx, rec, rec.Recipient); err != nil {
		return domain.TransferFailed, err.Error()
	}
	return domain.TransferProcessed, ""
}

func (r *Receiver) handleMessage(ctx context.Context, rec *domain.ReceivedTransfer) error {
	if r.deps.Messages != nil {
		return r.deps.Messages.HandleMessage(ctx, rec)
	}
	r.lastMessage = rec.Clone()
	return nil
}

// forward pays the bridged asset out of the receiver's custody.
func (r *Receiver) forward(ctx context.Context, rec *domain.ReceivedTransfer, to common.Address) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return r.deps.Book.Transfer(ctx,
		r.custody(),
		funds.Account{Selector: r.selector, Address: to},
		rec.Asset.Token,
		rec.Asset.Amount,
	)
}

func (r *Receiver) custody() funds.Account {
	return funds.Account{Selector: r.selector, Address: r.address}
}

func (r *Receiver) isManual(source domain.Selector, sender common.Address) bool {
	set, ok := r.manual[source]
	return ok && set.Contains(sender)
}

// move applies a status transition to the store and to rec.
func (r *Receiver) move(ctx context.Context, rec *domain.ReceivedTransfer, to domain.TransferStatus, reason string) error {
	if !domain.CanTransition(rec.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s", rec.Status, to)
	}
	now := r.deps.Now()
	if err := r.deps.Transfers.UpdateStatus(ctx, rec.MessageID, rec.Status, to, reason, now); err != nil {
		return err
	}
	if to == domain.TransferProcessing {
		rec.Attempts++
	}
	rec.Status = to
	rec.FailureReason = reason
	rec.UpdatedAt = now
	return nil
}

func (r *Receiver) emit(
	ctx context.Context,
	rec *domain.ReceivedTransfer,
	typ domain.EventType,
	reason string,
	meta map[string]any,
) {
	ev := &domain.Event{
		Type:         typ,
		Selector:     r.selector,
		Peer:         rec.Source,
		Contract:     r.address,
		MessageID:    rec.MessageID,
		Account:      rec.Origin,
		Counterparty: rec.Recipient,
		Asset:        rec.Asset.Clone(),
		Action:       rec.Action,
		Reason:       reason,
		Sequence:     uint64(rec.Attempts),
		OccurredAt:   r.deps.Now(),
		Metadata:     meta,
	}
	if err := r.deps.Emitter.Emit(ctx, ev); err != nil {
		r.log.Error("Failed to emit event", "type", typ, "error", err)
	}
}

// load fetches a transfer that belongs to this receiver.
func (r *Receiver) load(ctx context.Context, id common.Hash) (*domain.ReceivedTransfer, error) {
	rec, err := r.deps.Transfers.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id.Hex())
	}
	if err != nil {
		return nil, err
	}
	if rec.Dest != r.selector || rec.Receiver != r.address {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id.Hex())
	}
	return rec, nil
}

// -----------------------------------------------------------------------------
// Retry, recovery and held actions
// -----------------------------------------------------------------------------

// Retry re-runs processing for a FAILED transfer. RetryRequested and
// RetryCompleted are published whatever the result.
func (r *Receiver) Retry(ctx context.Context, caller common.Address, id common.Hash) (domain.Outcome, error) {
	if err := r.deps.ACL.RequireOwner(caller); err != nil {
		return domain.Outcome{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, id)
	if err != nil {
		return domain.Outcome{}, err
	}
	_, pending := r.unsettled[id]
	if !pending && rec.Status != domain.TransferFailed && rec.Status != domain.TransferReceived {
		return domain.Outcome{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id.Hex(), rec.Status)
	}

	r.emit(ctx, rec, domain.EventRetryRequested, rec.FailureReason, nil)
	out, resumed := r.resume(ctx, rec)
	if !resumed {
		out = r.process(ctx, rec)
	}

	success := out.Succeeded()
	result := "failed"
	if success {
		result = "succeeded"
	}
	metrics.RetriesTotal.WithLabelValues(result).Inc()
	r.log.Info("Retry completed", "message_id", id.Hex(), "status", out.Status, "attempts", rec.Attempts)
	r.emit(ctx, rec, domain.EventRetryCompleted, out.Reason, map[string]any{"success": success})
	return out, nil
}

// Recover pays a FAILED transfer's asset to its original recipient and
// closes it as RECOVERED.
func (r *Receiver) Recover(ctx context.Context, caller common.Address, id common.Hash) error {
	if err := r.deps.ACL.RequireOwner(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := r.unsettled[id]; ok {
		return fmt.Errorf("%w: %s", ErrUnsettled, id.Hex())
	}
	if rec.Status != domain.TransferFailed || rec.Asset == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotRecoverable, id.Hex(), rec.Status)
	}
	if err := r.forward(ctx, rec, rec.Recipient); err != nil {
		return fmt.Errorf("failed to pay recipient: %w", err)
	}
	out := r.settle(ctx, rec, settlement{
		status: domain.TransferRecovered,
		reason: rec.FailureReason,
		event:  domain.EventFundsRecovered,
	})
	if out.Status != domain.TransferRecovered {
		return fmt.Errorf("failed to mark recovered: %s", out.Reason)
	}

	r.log.Info("Funds recovered", "message_id", id.Hex(), "recipient", rec.Recipient.Hex())
	return nil
}

// CompleteAction releases held funds to the executor that performed the
// action and marks the transfer PROCESSED.
func (r *Receiver) CompleteAction(ctx context.Context, caller common.Address, id common.Hash) error {
	if err := r.deps.ACL.RequireRole(access.RoleExecutor, caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := r.unsettled[id]; ok {
		return fmt.Errorf("%w: %s", ErrUnsettled, id.Hex())
	}
	if rec.Status != domain.TransferPendingAction {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id.Hex(), rec.Status)
	}
	if err := r.forward(ctx, rec, caller); err != nil {
		return fmt.Errorf("failed to release funds: %w", err)
	}
	out := r.settle(ctx, rec, settlement{
		status: domain.TransferProcessed,
		event:  domain.EventTransferProcessed,
		meta:   map[string]any{"executor": caller.Hex()},
	})
	if out.Status != domain.TransferProcessed {
		return fmt.Errorf("failed to mark processed: %s", out.Reason)
	}
	return nil
}

// AbortAction marks a held transfer FAILED. Funds stay in custody for
// Retry or Recover.
func (r *Receiver) AbortAction(ctx context.Context, caller common.Address, id common.Hash, reason string) error {
	if err := r.deps.ACL.RequireRole(access.RoleExecutor, caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := r.unsettled[id]; ok {
		return fmt.Errorf("%w: %s", ErrUnsettled, id.Hex())
	}
	if rec.Status != domain.TransferPendingAction {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id.Hex(), rec.Status)
	}
	if reason == "" {
		reason = ReasonAborted
	}
	if err := r.move(ctx, rec, domain.TransferFailed, reason); err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}

	metrics.TransferOutcomesTotal.WithLabelValues(string(domain.TransferFailed)).Inc()
	r.emit(ctx, rec, domain.EventTransferFailed, reason, map[string]any{"executor": caller.Hex()})
	return nil
}

// -----------------------------------------------------------------------------
// Administration (owner only)
// -----------------------------------------------------------------------------

// AllowSource adds or removes a source chain.
func (r *Receiver) AllowSource(caller common.Address, source domain.Selector, allowed bool) error {
	if err := r.deps.ACL.RequireOwner(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources.Set(source, allowed)
	return nil
}

// AllowSender trusts sender on source only. The same address on another
// chain stays untrusted.
func (r *Receiver) AllowSender(caller common.Address, source domain.Selector, sender common.Address, allowed bool) error {
	if err := r.deps.ACL.RequireOwner(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	scopedSet(r.senders, source).Set(sender, allowed)
	return nil
}

// SetManualSender makes extended actions from sender wait for an executor.
func (r *Receiver) SetManualSender(caller common.Address, source domain.Selector, sender common.Address, manual bool) error {
	if err := r.deps.ACL.RequireOwner(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	scopedSet(r.manual, source).Set(sender, manual)
	return nil
}

func scopedSet(m map[domain.Selector]*access.Set[common.Address], sel domain.Selector) *access.Set[common.Address] {
	set, ok := m[sel]
	if !ok {
		set = access.NewSet[common.Address]()
		m[sel] = set
	}
	return set
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

func (r *Receiver) scope() storage.Scope {
	return storage.Scope{Selector: r.selector, Contract: r.address}
}

// Transfer looks up a received transfer by message id.
func (r *Receiver) Transfer(ctx context.Context, id common.Hash) (*domain.ReceivedTransfer, error) {
	return r.load(ctx, id)
}

// Count returns the number of transfers received.
func (r *Receiver) Count(ctx context.Context) (int, error) {
	return r.deps.Transfers.Count(ctx, r.scope())
}

// LastReceived returns the most recent transfer.
func (r *Receiver) LastReceived(ctx context.Context) (*domain.ReceivedTransfer, error) {
	return r.deps.Transfers.Last(ctx, r.scope())
}

// ByStatus pages through transfers in a status, oldest first.
func (r *Receiver) ByStatus(ctx context.Context, status domain.TransferStatus, offset, limit int) ([]*domain.ReceivedTransfer, error) {
	return r.deps.Transfers.ListByStatus(ctx, r.scope(), status, offset, limit)
}

// CountByStatus returns the number of transfers in a status.
func (r *Receiver) CountByStatus(ctx context.Context, status domain.TransferStatus) (int, error) {
	return r.deps.Transfers.CountByStatus(ctx, r.scope(), status)
}

// LastMessage returns the last message kept by the built-in handler.
func (r *Receiver) LastMessage() *domain.ReceivedTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastMessage == nil {
		return nil
	}
	return r.lastMessage.Clone()
}
