// Package orders runs user-defined conditional transfers. A keeper asks
// CheckUpkeep whether work is due and hands the returned ids to
// PerformUpkeep, which executes each due order through a sender.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/funds"
	"github.com/vietddude/crosslane/internal/gate"
	"github.com/vietddude/crosslane/internal/indexing/emitter"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
	"github.com/vietddude/crosslane/internal/infra/storage"
	"github.com/vietddude/crosslane/internal/transfer"
)

var (
	ErrInvalidTrigger = errors.New("invalid trigger")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotOrderOwner  = errors.New("caller does not own the order")
	ErrOrderFinal     = errors.New("order is no longer active")
)

const (
	DefaultBatchSize   = 20
	DefaultMaxPriceAge = time.Hour
)

// Config holds engine settings.
type Config struct {
	Selector    domain.Selector `yaml:"-"`
	Address     common.Address  `yaml:"-"`
	BatchSize   int             `yaml:"batch_size"`
	MaxPriceAge time.Duration   `yaml:"max_price_age"`
}

// Dispatcher is the sender the engine drives.
type Dispatcher interface {
	SendMessage(ctx context.Context, req transfer.MessageRequest) (transfer.SendReceipt, error)
	SendToken(ctx context.Context, req transfer.TokenRequest) (transfer.SendReceipt, error)
	SendTokenWithAction(ctx context.Context, req transfer.ActionRequest) (transfer.SendReceipt, error)
	Selector() domain.Selector
}

// Deps bundles the engine's collaborators. Prices and Balances are only
// needed by orders that use the matching trigger.
type Deps struct {
	ACL      *access.Controller
	Orders   storage.OrderRepository
	Sender   Dispatcher
	Prices   PriceFeed
	Balances BalanceReader
	Emitter  emitter.Emitter
	Now      func() time.Time
}

// OrderRequest describes a new order.
type OrderRequest struct {
	Trigger       domain.Trigger
	Dest          domain.Selector
	Receiver      common.Address
	Recipient     common.Address // defaults to the owner
	Asset         *domain.TokenAmount
	Action        string
	Data          []byte
	Recurring     bool
	MaxExecutions uint64
	Deadline      time.Time
}

// Result reports what PerformUpkeep did with one order.
type Result struct {
	OrderID   uint64            `json:"order_id"`
	Executed  bool              `json:"executed"`
	MessageID common.Hash       `json:"message_id,omitzero"`
	Skip      domain.SkipReason `json:"skip,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Engine owns the order book.
type Engine struct {
	cfg     Config
	deps    Deps
	scanned uint64 // last id looked at by CheckUpkeep
	log     *slog.Logger
	mu      sync.Mutex
}

// NewEngine creates an order engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxPriceAge <= 0 {
		cfg.MaxPriceAge = DefaultMaxPriceAge
	}
	if deps.Emitter == nil {
		deps.Emitter = emitter.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		cfg:  cfg,
		deps: deps,
		log:  slog.Default().With("component", "orders"),
	}
}

// Create validates and stores a new ACTIVE order.
func (e *Engine) Create(ctx context.Context, owner common.Address, req OrderRequest) (*domain.Order, error) {
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero owner", ErrInvalidOrder)
	}
	if err := validateTrigger(req.Trigger); err != nil {
		return nil, err
	}
	now := e.deps.Now()
	switch {
	case req.Dest == 0:
		return nil, fmt.Errorf("%w: destination required", ErrInvalidOrder)
	case req.Receiver == (common.Address{}):
		return nil, fmt.Errorf("%w: receiver required", ErrInvalidOrder)
	case req.Asset != nil && (req.Asset.Amount == nil || req.Asset.Amount.Sign() <= 0):
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	case req.Asset == nil && req.Action != "":
		return nil, fmt.Errorf("%w: action needs an asset", ErrInvalidOrder)
	case !req.Deadline.IsZero() && !req.Deadline.After(now):
		return nil, fmt.Errorf("%w: deadline already passed", ErrInvalidOrder)
	}

	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = owner
	}
	o := &domain.Order{
		Owner:         owner,
		Trigger:       req.Trigger,
		Dest:          req.Dest,
		Receiver:      req.Receiver,
		Recipient:     recipient,
		Asset:         req.Asset.Clone(),
		Action:        req.Action,
		Data:          append([]byte(nil), req.Data...),
		Recurring:     req.Recurring,
		MaxExecutions: req.MaxExecutions,
		Deadline:      req.Deadline,
		Status:        domain.OrderActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.deps.Orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to store order: %w", err)
	}

	e.log.Info("Order created", "id", o.ID, "owner", owner.Hex(), "trigger", o.Trigger.Type)
	e.emit(ctx, o, domain.EventOrderCreated, "", 0, common.Hash{})
	return o, nil
}

func validateTrigger(t domain.Trigger) error {
	switch t.Type {
	case domain.TriggerTimeBased:
		if t.Interval <= 0 {
			return fmt.Errorf("%w: interval must be positive", ErrInvalidTrigger)
		}
	case domain.TriggerPriceThreshold:
		if t.PriceFeed == (common.Address{}) {
			return fmt.Errorf("%w: price feed required", ErrInvalidTrigger)
		}
		if t.Threshold == nil || t.Threshold.Sign() <= 0 {
			return fmt.Errorf("%w: threshold must be positive", ErrInvalidTrigger)
		}
	case domain.TriggerBalance:
		if t.MinBalance == nil || t.MinBalance.Sign() <= 0 {
			return fmt.Errorf("%w: balance requirement must be positive", ErrInvalidTrigger)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTrigger, t.Type)
	}
	return nil
}

// Cancel ends an order for good.
func (e *Engine) Cancel(ctx context.Context, caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.owned(ctx, caller, id)
	if err != nil {
		return err
	}
	o.Status = domain.OrderCancelled
	o.UpdatedAt = e.deps.Now()
	if err := e.deps.Orders.Update(ctx, o); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	e.emit(ctx, o, domain.EventOrderCancelled, "", o.Executions, common.Hash{})
	return nil
}

// Pause stops an order from executing until Resume.
func (e *Engine) Pause(ctx context.Context, caller common.Address, id uint64) error {
	return e.setPaused(ctx, caller, id, true)
}

// Resume lets a paused order execute again.
func (e *Engine) Resume(ctx context.Context, caller common.Address, id uint64) error {
	return e.setPaused(ctx, caller, id, false)
}

func (e *Engine) setPaused(ctx context.Context, caller common.Address, id uint64, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.owned(ctx, caller, id)
	if err != nil {
		return err
	}
	o.Paused = paused
	o.UpdatedAt = e.deps.Now()
	return e.deps.Orders.Update(ctx, o)
}

// owned loads an active order and checks that caller owns it.
func (e *Engine) owned(ctx context.Context, caller common.Address, id uint64) (*domain.Order, error) {
	o, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Owner != caller {
		return nil, fmt.Errorf("%w: %d", ErrNotOrderOwner, id)
	}
	if o.Status.IsFinal() {
		return nil, fmt.Errorf("%w: %d is %s", ErrOrderFinal, id, o.Status)
	}
	return o, nil
}

// Due reports whether o should execute at now, and why not otherwise.
func (e *Engine) Due(ctx context.Context, o *domain.Order, now time.Time) (bool, domain.SkipReason) {
	switch {
	case o.Status.IsFinal():
		return false, domain.SkipInactive
	case !o.Deadline.IsZero() && now.After(o.Deadline):
		return false, domain.SkipExpired
	case o.Paused:
		return false, domain.SkipPaused
	}

	switch o.Trigger.Type {
	case domain.TriggerTimeBased:
		last := o.LastExecution
		if last.IsZero() {
			last = o.CreatedAt
		}
		if now.Before(last.Add(o.Trigger.Interval)) {
			return false, domain.SkipNotDue
		}
		return true, domain.SkipNone

	case domain.TriggerPriceThreshold:
		if e.deps.Prices == nil {
			return false, domain.SkipFeedUnavailable
		}
		p, err := e.deps.Prices.LatestPrice(ctx, o.Trigger.PriceFeed)
		if err != nil || p.Value == nil {
			e.log.Debug("Price feed unavailable", "order", o.ID, "feed", o.Trigger.PriceFeed.Hex(), "error", err)
			return false, domain.SkipFeedUnavailable
		}
		if now.Sub(p.UpdatedAt) > e.cfg.MaxPriceAge {
			return false, domain.SkipStalePrice
		}
		cmp := p.Value.Cmp(o.Trigger.Threshold)
		if (o.Trigger.ExecuteAbove && cmp >= 0) || (!o.Trigger.ExecuteAbove && cmp <= 0) {
			return true, domain.SkipNone
		}
		return false, domain.SkipNotDue

	case domain.TriggerBalance:
		bal, err := e.balanceOf(ctx, o.Owner, o.Trigger.BalanceToken)
		if err != nil {
			e.log.Debug("Balance unavailable", "order", o.ID, "error", err)
			return false, domain.SkipFeedUnavailable
		}
		if bal.Cmp(o.Trigger.MinBalance) < 0 {
			return false, domain.SkipInsufficientBalance
		}
		return true, domain.SkipNone
	}
	return false, domain.SkipInactive
}

func (e *Engine) balanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	if e.deps.Balances == nil {
		return nil, errors.New("no balance reader configured")
	}
	return e.deps.Balances.BalanceOf(ctx, e.deps.Sender.Selector(), owner, token)
}

// CheckUpkeep scans at most one batch of active orders, continuing after
// the last order scanned, and returns the ones that need work. Expired
// orders are included so PerformUpkeep can close them.
func (e *Engine) CheckUpkeep(ctx context.Context) (bool, []uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch, err := e.deps.Orders.ListActive(ctx, e.scanned, e.cfg.BatchSize)
	if err != nil {
		return false, nil, fmt.Errorf("failed to list orders: %w", err)
	}
	if len(batch) < e.cfg.BatchSize && e.scanned > 0 {
		// wrap around to the start of the book
		more, err := e.deps.Orders.ListActive(ctx, 0, e.cfg.BatchSize-len(batch))
		if err != nil {
			return false, nil, fmt.Errorf("failed to list orders: %w", err)
		}
		for _, o := range more {
			if o.ID > e.scanned {
				break
			}
			batch = append(batch, o)
		}
	}

	now := e.deps.Now()
	var ids []uint64
	for _, o := range batch {
		e.scanned = o.ID
		due, reason := e.Due(ctx, o, now)
		if due || reason == domain.SkipExpired {
			ids = append(ids, o.ID)
		}
	}
	return len(ids) > 0, ids, nil
}

// PerformUpkeep executes the given orders. One failing order never stops
// the rest of the batch.
func (e *Engine) PerformUpkeep(ctx context.Context, caller common.Address, ids []uint64) ([]Result, error) {
	if err := e.deps.ACL.RequireRole(access.RoleAutomation, caller); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() { metrics.UpkeepDuration.Observe(time.Since(start).Seconds()) }()

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		res := e.perform(ctx, id)
		if res.Executed {
			e.log.Info("Order executed", "id", id, "message_id", res.MessageID.Hex())
		} else {
			e.log.Debug("Order skipped", "id", id, "reason", res.Skip, "error", res.Error)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) perform(ctx context.Context, id uint64) Result {
	res := Result{OrderID: id}
	o, err := e.Get(ctx, id)
	if err != nil {
		res.Skip = domain.SkipInactive
		res.Error = err.Error()
		return res
	}

	now := e.deps.Now()
	due, reason := e.Due(ctx, o, now)
	if !due {
		if reason == domain.SkipExpired {
			o.Status = domain.OrderExpired
			o.UpdatedAt = now
			if err := e.deps.Orders.Update(ctx, o); err != nil {
				res.Error = err.Error()
			}
		}
		return e.skip(ctx, o, res, reason)
	}

	if o.Asset != nil {
		bal, err := e.balanceOf(ctx, o.Owner, o.Asset.Token)
		if err == nil && bal.Cmp(o.Asset.Amount) < 0 {
			return e.skip(ctx, o, res, domain.SkipInsufficientBalance)
		}
	}

	rcpt, err := e.dispatch(ctx, o)
	if err != nil {
		res.Error = err.Error()
		return e.skip(ctx, o, res, skipReasonFor(err))
	}

	o.Executions++
	o.LastExecution = now
	o.LastMessageID = rcpt.MessageID
	o.UpdatedAt = now
	switch {
	case !o.Recurring:
		o.Status = domain.OrderExecuted
	case o.MaxExecutions > 0 && o.Executions >= o.MaxExecutions:
		o.Status = domain.OrderMaxExecutionsReached
	}
	if err := e.deps.Orders.Update(ctx, o); err != nil {
		// The transfer is already in flight.
		e.log.Error("Failed to update executed order", "id", o.ID, "error", err)
		res.Error = err.Error()
	}

	metrics.OrdersExecutedTotal.WithLabelValues(string(o.Trigger.Type)).Inc()
	e.emit(ctx, o, domain.EventOrderExecuted, "", o.Executions, rcpt.MessageID)

	res.Executed = true
	res.MessageID = rcpt.MessageID
	return res
}

func (e *Engine) dispatch(ctx context.Context, o *domain.Order) (transfer.SendReceipt, error) {
	switch o.Kind() {
	case domain.KindMessage:
		return e.deps.Sender.SendMessage(ctx, transfer.MessageRequest{
			Origin:    o.Owner,
			Dest:      o.Dest,
			Receiver:  o.Receiver,
			Recipient: o.Recipient,
			Data:      o.Data,
		})
	case domain.KindToken:
		return e.deps.Sender.SendToken(ctx, tokenRequest(o))
	default:
		return e.deps.Sender.SendTokenWithAction(ctx, transfer.ActionRequest{
			TokenRequest: tokenRequest(o),
			Action:       o.Action,
			Data:         o.Data,
			Deadline:     o.Deadline,
		})
	}
}

func tokenRequest(o *domain.Order) transfer.TokenRequest {
	return transfer.TokenRequest{
		Origin:    o.Owner,
		Dest:      o.Dest,
		Receiver:  o.Receiver,
		Recipient: o.Recipient,
		Token:     o.Asset.Token,
		Amount:    o.Asset.Amount,
	}
}

func skipReasonFor(err error) domain.SkipReason {
	switch {
	case gate.IsRejection(err):
		return domain.SkipGateRejected
	case errors.Is(err, transfer.ErrInsufficientFee), errors.Is(err, transfer.ErrFeeQuote):
		return domain.SkipInsufficientFee
	case errors.Is(err, funds.ErrInsufficientFunds):
		return domain.SkipInsufficientBalance
	default:
		return domain.SkipSendFailed
	}
}

func (e *Engine) skip(ctx context.Context, o *domain.Order, res Result, reason domain.SkipReason) Result {
	res.Skip = reason
	metrics.OrdersSkippedTotal.WithLabelValues(string(reason)).Inc()
	e.emit(ctx, o, domain.EventOrderSkipped, string(reason), o.Executions, common.Hash{})
	return res
}

func (e *Engine) emit(
	ctx context.Context,
	o *domain.Order,
	typ domain.EventType,
	reason string,
	seq uint64,
	messageID common.Hash,
) {
	ev := &domain.Event{
		Type:         typ,
		Selector:     e.cfg.Selector,
		Peer:         o.Dest,
		Contract:     e.cfg.Address,
		MessageID:    messageID,
		OrderID:      o.ID,
		Account:      o.Owner,
		Counterparty: o.Recipient,
		Asset:        o.Asset.Clone(),
		Action:       o.Action,
		Reason:       reason,
		Sequence:     seq,
		OccurredAt:   e.deps.Now(),
		Metadata: map[string]any{
			"trigger": string(o.Trigger.Type),
			"status":  string(o.Status),
		},
	}
	if err := e.deps.Emitter.Emit(ctx, ev); err != nil {
		e.log.Error("Failed to emit event", "type", typ, "error", err)
	}
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Get looks up an order by id.
func (e *Engine) Get(ctx context.Context, id uint64) (*domain.Order, error) {
	o, err := e.deps.Orders.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return o, err
}

// ByOwner pages through an owner's orders.
func (e *Engine) ByOwner(ctx context.Context, owner common.Address, offset, limit int) ([]*domain.Order, error) {
	return e.deps.Orders.ListByOwner(ctx, owner, offset, limit)
}

// Count returns the number of orders ever created.
func (e *Engine) Count(ctx context.Context) (int, error) {
	return e.deps.Orders.Count(ctx)
}
