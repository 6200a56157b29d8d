package transfer

import (
	"context"
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
	"github.com/vietddude/crosslane/internal/transport"
)

// SenderConfig identifies a sender and how it pays fees.
type SenderConfig struct {
	Selector domain.Selector
	Address  common.Address
	FeeToken common.Address
}

// SenderDeps bundles the sender's collaborators. Lanes is optional.
type SenderDeps struct {
	ACL       *access.Controller
	Gate      Gatekeeper
	Verifier  SafetyChecker
	Transport transport.Transport
	Book      funds.Book
	Lanes     LaneTokens
	Sent      storage.SentTransferRepository
	Emitter   emitter.Emitter
	Now       func() time.Time
}

// MessageRequest sends an opaque payload.
type MessageRequest struct {
	Origin    common.Address
	Dest      domain.Selector
	Receiver  common.Address
	Recipient common.Address // defaults to Origin
	Data      []byte
}

// TokenRequest bridges an amount of a token.
type TokenRequest struct {
	Origin    common.Address
	Dest      domain.Selector
	Receiver  common.Address
	Recipient common.Address
	Token     common.Address
	Amount    *big.Int
}

// ActionRequest bridges a token together with an action for the receiver.
type ActionRequest struct {
	TokenRequest
	Action   string
	Data     []byte
	Deadline time.Time // zero means no deadline
}

// SendReceipt is returned for every dispatched transfer.
type SendReceipt struct {
	MessageID common.Hash
	FeeToken  common.Address
	Fee       *big.Int
}

// Sender dispatches transfers from one chain.
type Sender struct {
	selector     domain.Selector
	address      common.Address
	feeToken     common.Address
	deps         SenderDeps
	destinations *access.Set[domain.Selector]
	tokens       *access.Set[common.Address]
	log          *slog.Logger
	mu           sync.Mutex // one send at a time, like a chain
}

// NewSender creates a sender.
func NewSender(cfg SenderConfig, deps SenderDeps) *Sender {
	if deps.Emitter == nil {
		deps.Emitter = emitter.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Sender{
		selector:     cfg.Selector,
		address:      cfg.Address,
		feeToken:     cfg.FeeToken,
		deps:         deps,
		destinations: access.NewSet[domain.Selector](),
		tokens:       access.NewSet[common.Address](),
		log: slog.Default().With(
			"component", "sender",
			"selector", cfg.Selector,
			"address", cfg.Address.Hex(),
		),
	}
}

// Address returns the sender's contract address.
func (s *Sender) Address() common.Address { return s.address }

// Selector returns the chain the sender lives on.
func (s *Sender) Selector() domain.Selector { return s.selector }

// SendMessage dispatches a pure message.
func (s *Sender) SendMessage(ctx context.Context, req MessageRequest) (SendReceipt, error) {
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.Origin
	}
	return s.send(ctx, &domain.Envelope{
		Dest:      req.Dest,
		Receiver:  req.Receiver,
		Origin:    req.Origin,
		Recipient: recipient,
		Data:      req.Data,
	}, false)
}

// SendToken bridges a token to a recipient.
func (s *Sender) SendToken(ctx context.Context, req TokenRequest) (SendReceipt, error) {
	return s.send(ctx, &domain.Envelope{
		Dest:      req.Dest,
		Receiver:  req.Receiver,
		Origin:    req.Origin,
		Recipient: req.Recipient,
		Asset:     &domain.TokenAmount{Token: req.Token, Amount: req.Amount},
	}, false)
}

// SendTokenWithAction bridges a token and asks the receiver to run action.
func (s *Sender) SendTokenWithAction(ctx context.Context, req ActionRequest) (SendReceipt, error) {
	return s.send(ctx, &domain.Envelope{
		Dest:      req.Dest,
		Receiver:  req.Receiver,
		Origin:    req.Origin,
		Recipient: req.Recipient,
		Asset:     &domain.TokenAmount{Token: req.Token, Amount: req.Amount},
		Action:    req.Action,
		Data:      req.Data,
		Deadline:  req.Deadline,
	}, true)
}

// Quote returns the fee a send of data and action to dest would cost.
func (s *Sender) Quote(
	ctx context.Context,
	dest domain.Selector,
	receiver common.Address,
	data []byte,
	action string,
) (*big.Int, error) {
	env := &domain.Envelope{
		Source:   s.selector,
		Dest:     dest,
		Sender:   s.address,
		Receiver: receiver,
		Action:   action,
		Data:     data,
	}
	fee, err := s.deps.Transport.QuoteFee(ctx, env, s.feeToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeeQuote, err)
	}
	return fee, nil
}

func (s *Sender) send(ctx context.Context, env *domain.Envelope, withAction bool) (SendReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env.Source = s.selector
	env.Sender = s.address
	kind := env.Kind()

	if err := s.validate(env, withAction); err != nil {
		s.reject(err)
		return SendReceipt{}, err
	}
	if err := s.authorize(ctx, env); err != nil {
		s.reject(err)
		return SendReceipt{}, err
	}

	fee, err := s.deps.Transport.QuoteFee(ctx, env, s.feeToken)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrFeeQuote, err)
		s.reject(err)
		return SendReceipt{}, err
	}
	custody := funds.Account{Selector: s.selector, Address: s.address}
	feeBalance, err := s.deps.Book.Balance(ctx, custody, s.feeToken)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("failed to read fee balance: %w", err)
	}
	if feeBalance.Cmp(fee) < 0 {
		err = fmt.Errorf("%w: have %s, need %s", ErrInsufficientFee, feeBalance, fee)
		s.reject(err)
		return SendReceipt{}, err
	}

	env.SentAt = s.deps.Now()
	id, err := s.dispatch(ctx, env, custody, fee)
	if err != nil {
		s.reject(err)
		return SendReceipt{}, err
	}
	env.MessageID = id

	sent := &domain.SentTransfer{
		MessageID: id,
		Source:    s.selector,
		Dest:      env.Dest,
		Sender:    s.address,
		Receiver:  env.Receiver,
		Origin:    env.Origin,
		Recipient: env.Recipient,
		Asset:     env.Asset.Clone(),
		Action:    env.Action,
		FeeToken:  s.feeToken,
		Fee:       new(big.Int).Set(fee),
		SentAt:    env.SentAt,
	}
	// The message is in flight; a store failure cannot undo it.
	if err := s.deps.Sent.Create(ctx, sent); err != nil {
		s.log.Error("Failed to store sent transfer", "message_id", id.Hex(), "error", err)
	}

	metrics.TransfersSentTotal.WithLabelValues(string(kind), env.Dest.String()).Inc()
	s.log.Info("Transfer sent",
		"message_id", id.Hex(),
		"kind", kind,
		"dest", env.Dest,
		"origin", env.Origin.Hex(),
		"fee", fee,
	)

	ev := &domain.Event{
		Type:         domain.EventTransferSent,
		Selector:     s.selector,
		Peer:         env.Dest,
		Contract:     s.address,
		MessageID:    id,
		Account:      env.Origin,
		Counterparty: env.Recipient,
		Asset:        env.Asset.Clone(),
		Action:       env.Action,
		OccurredAt:   env.SentAt,
		Metadata: map[string]any{
			"receiver": env.Receiver.Hex(),
			"fee":      fee.String(),
		},
	}
	if err := s.deps.Emitter.Emit(ctx, ev); err != nil {
		s.log.Error("Failed to emit event", "type", ev.Type, "error", err)
	}

	return SendReceipt{MessageID: id, FeeToken: s.feeToken, Fee: fee}, nil
}

// validate runs the stateless checks in their fixed order.
func (s *Sender) validate(env *domain.Envelope, withAction bool) error {
	if !s.destinations.Contains(env.Dest) {
		return fmt.Errorf("%w: %s", ErrDestinationNotAllowed, env.Dest)
	}
	if env.Origin == (common.Address{}) {
		return fmt.Errorf("%w: origin is required", ErrZeroAddress)
	}
	if env.Receiver == (common.Address{}) || env.Recipient == (common.Address{}) {
		return fmt.Errorf("%w: receiver and recipient are required", ErrZeroAddress)
	}
	if env.Asset != nil {
		if !s.tokens.Contains(env.Asset.Token) {
			return fmt.Errorf("%w: %s", ErrTokenNotAllowed, env.Asset.Token.Hex())
		}
		if s.deps.Lanes != nil && !s.deps.Lanes.IsTokenTransferable(s.selector, env.Dest, env.Asset.Token) {
			return fmt.Errorf("%w: %s to %s", ErrLaneTokenInactive, env.Asset.Token.Hex(), env.Dest)
		}
		if env.Asset.Amount == nil || env.Asset.Amount.Sign() <= 0 {
			return ErrZeroAmount
		}
	}
	if withAction && env.Action == "" {
		return ErrEmptyAction
	}
	if env.HasDeadline() && !env.Deadline.After(s.deps.Now()) {
		return fmt.Errorf("%w: %s", ErrDeadlinePassed, env.Deadline.Format(time.RFC3339))
	}
	return nil
}

// authorize asks the gate and, for assets, the verifier.
func (s *Sender) authorize(ctx context.Context, env *domain.Envelope) error {
	req := gate.Request{
		Feature:   s.address,
		User:      env.Origin,
		Reference: fmt.Sprintf("dest:%s", env.Dest),
	}
	if env.Asset == nil {
		return s.deps.Gate.ValidateAction(ctx, req)
	}

	req.Token = env.Asset.Token
	req.Amount = env.Asset.Amount
	if err := s.deps.Gate.ValidateTransfer(ctx, req); err != nil {
		return err
	}
	if env.Asset.Token == domain.NativeToken || s.deps.Verifier == nil {
		return nil
	}
	verdict, err := s.deps.Verifier.IsTransferSafe(ctx, s.address, env.Asset.Token, env.Asset.Amount)
	if err != nil {
		return err
	}
	return verdict.Err()
}

// dispatch moves funds and hands env to the transport. Every step is undone
// when a later one fails.
func (s *Sender) dispatch(
	ctx context.Context,
	env *domain.Envelope,
	custody funds.Account,
	fee *big.Int,
) (common.Hash, error) {
	book := s.deps.Book
	origin := funds.Account{Selector: s.selector, Address: env.Origin}

	if env.Asset != nil {
		if err := book.Transfer(ctx, origin, custody, env.Asset.Token, env.Asset.Amount); err != nil {
			return common.Hash{}, fmt.Errorf("failed to collect asset: %w", err)
		}
	}
	refundAsset := func() {
		if env.Asset == nil {
			return
		}
		if err := book.Transfer(ctx, custody, origin, env.Asset.Token, env.Asset.Amount); err != nil {
			s.log.Error("Failed to refund asset", "origin", env.Origin.Hex(), "error", err)
		}
	}

	if fee.Sign() > 0 {
		if err := book.Debit(ctx, custody, s.feeToken, fee); err != nil {
			refundAsset()
			return common.Hash{}, fmt.Errorf("%w: %v", ErrInsufficientFee, err)
		}
	}

	id, err := s.deps.Transport.Send(ctx, env)
	if err != nil {
		if fee.Sign() > 0 {
			if cerr := book.Credit(ctx, custody, s.feeToken, fee); cerr != nil {
				s.log.Error("Failed to refund fee", "error", cerr)
			}
		}
		refundAsset()
		return common.Hash{}, fmt.Errorf("transport send failed: %w", err)
	}
	return id, nil
}

func (s *Sender) reject(err error) {
	metrics.SendRejectionsTotal.WithLabelValues(rejectionLabel(err)).Inc()
	s.log.Debug("Send rejected", "error", err)
}

// -----------------------------------------------------------------------------
// Administration (owner only)
// -----------------------------------------------------------------------------

// AllowDestination adds or removes a destination chain.
func (s *Sender) AllowDestination(caller common.Address, dest domain.Selector, allowed bool) error {
	if err := s.deps.ACL.RequireOwner(caller); err != nil {
		return err
	}
	s.destinations.Set(dest, allowed)
	return nil
}

// AllowToken adds or removes a bridgeable token.
func (s *Sender) AllowToken(caller, token common.Address, allowed bool) error {
	if err := s.deps.ACL.RequireOwner(caller); err != nil {
		return err
	}
	s.tokens.Set(token, allowed)
	return nil
}

// Withdraw pays out of the sender's custody, e.g. unused fee tokens.
func (s *Sender) Withdraw(ctx context.Context, caller, token, to common.Address, amount *big.Int) error {
	if err := s.deps.ACL.RequireOwner(caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	custody := funds.Account{Selector: s.selector, Address: s.address}
	return s.deps.Book.Transfer(ctx, custody, funds.Account{Selector: s.selector, Address: to}, token, amount)
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// IsDestinationAllowed reports whether dest is allowlisted.
func (s *Sender) IsDestinationAllowed(dest domain.Selector) bool { return s.destinations.Contains(dest) }

// IsTokenAllowed reports whether token is allowlisted.
func (s *Sender) IsTokenAllowed(token common.Address) bool { return s.tokens.Contains(token) }

// Sent looks up a dispatched transfer.
func (s *Sender) Sent(ctx context.Context, id common.Hash) (*domain.SentTransfer, error) {
	t, err := s.deps.Sent.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Source != s.selector || t.Sender != s.address {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

// SentCount returns the number of transfers this sender dispatched.
func (s *Sender) SentCount(ctx context.Context) (int, error) {
	return s.deps.Sent.Count(ctx, storage.Scope{Selector: s.selector, Contract: s.address})
}
