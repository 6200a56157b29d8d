package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/funds"
)

// TokenMapper resolves the destination token of a lane token.
type TokenMapper interface {
	LaneToken(src, dst domain.Selector, token common.Address) (domain.LaneToken, error)
}

// Delivery is the result of handing one envelope to its receiver.
type Delivery struct {
	MessageID common.Hash
	Outcome   domain.Outcome
	Err       error
}

type entry struct {
	env       *domain.Envelope // as delivered: asset is the destination token
	delivered bool
	queued    bool
}

// Loopback is an in-process transport that connects chains hosted by the
// same process. Bridged assets leave the sender's custody on Send and land
// in the receiver's custody on delivery.
type Loopback struct {
	book     funds.Book
	tokens   TokenMapper
	fees     map[common.Address]FeeSchedule
	handlers map[funds.Account]Handler
	nonces   map[domain.Selector]uint64
	queue    []common.Hash
	messages map[common.Hash]*entry
	now      func() time.Time
	log      *slog.Logger
	mu       sync.Mutex
}

// NewLoopback creates a loopback transport. tokens may be nil, in which
// case tokens keep their address across lanes.
func NewLoopback(book funds.Book, tokens TokenMapper) *Loopback {
	return &Loopback{
		book:     book,
		tokens:   tokens,
		fees:     make(map[common.Address]FeeSchedule),
		handlers: make(map[funds.Account]Handler),
		nonces:   make(map[domain.Selector]uint64),
		messages: make(map[common.Hash]*entry),
		now:      time.Now,
		log:      slog.Default().With("component", "loopback"),
	}
}

// SetFeeSchedule enables feeToken for fee payment.
func (l *Loopback) SetFeeSchedule(feeToken common.Address, schedule FeeSchedule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fees[feeToken] = schedule
}

// Register attaches the handler for receiver on chain sel.
func (l *Loopback) Register(sel domain.Selector, receiver common.Address, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[funds.Account{Selector: sel, Address: receiver}] = h
}

func (l *Loopback) QuoteFee(ctx context.Context, env *domain.Envelope, feeToken common.Address) (*big.Int, error) {
	l.mu.Lock()
	schedule, ok := l.fees[feeToken]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFeeToken, feeToken.Hex())
	}
	return schedule.Quote(env.PayloadSize()), nil
}

func (l *Loopback) Send(ctx context.Context, env *domain.Envelope) (common.Hash, error) {
	out := env.Clone()
	if out.Asset != nil {
		destToken := out.Asset.Token
		if l.tokens != nil {
			lt, err := l.tokens.LaneToken(out.Source, out.Dest, out.Asset.Token)
			if err != nil {
				return common.Hash{}, fmt.Errorf("%w: %v", ErrUnsupportedToken, err)
			}
			destToken = lt.DestToken
		}
		from := funds.Account{Selector: out.Source, Address: out.Sender}
		if err := l.book.Debit(ctx, from, out.Asset.Token, out.Asset.Amount); err != nil {
			return common.Hash{}, fmt.Errorf("failed to lock bridged asset: %w", err)
		}
		out.Asset.Token = destToken
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nonce := l.nonces[out.Source] + 1
	l.nonces[out.Source] = nonce
	out.MessageID = MessageID(out.Source, nonce, out.Sender, out.Dest, out.Receiver)
	if out.SentAt.IsZero() {
		out.SentAt = l.now()
	}
	l.messages[out.MessageID] = &entry{env: out, queued: true}
	l.queue = append(l.queue, out.MessageID)

	l.log.Debug("Message queued",
		"message_id", out.MessageID.Hex(),
		"source", out.Source,
		"dest", out.Dest,
		"nonce", nonce,
	)
	return out.MessageID, nil
}

// Pending returns the number of queued envelopes.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Deliver hands every queued envelope to its receiver in send order, which
// keeps each lane FIFO. Refused deliveries stay available to Redeliver.
func (l *Loopback) Deliver(ctx context.Context) []Delivery {
	l.mu.Lock()
	ids := l.queue
	l.queue = nil
	for _, id := range ids {
		l.messages[id].queued = false
	}
	l.mu.Unlock()

	out := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			out = append(out, Delivery{MessageID: id, Err: ctx.Err()})
			continue
		}
		out = append(out, l.deliver(ctx, id))
	}
	return out
}

// Redeliver replays a message that already left the queue. An envelope
// that was accepted before is handed over again without moving funds.
func (l *Loopback) Redeliver(ctx context.Context, id common.Hash) (Delivery, error) {
	l.mu.Lock()
	e, ok := l.messages[id]
	queued := ok && e.queued
	l.mu.Unlock()

	if !ok {
		return Delivery{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id.Hex())
	}
	if queued {
		return Delivery{}, fmt.Errorf("%w: %s", ErrMessageQueued, id.Hex())
	}
	return l.deliver(ctx, id), nil
}

func (l *Loopback) deliver(ctx context.Context, id common.Hash) Delivery {
	l.mu.Lock()
	e := l.messages[id]
	env := e.env.Clone()
	delivered := e.delivered
	h, ok := l.handlers[funds.Account{Selector: env.Dest, Address: env.Receiver}]
	l.mu.Unlock()

	res := Delivery{MessageID: id}
	if !ok {
		res.Err = fmt.Errorf("%w: %s@%s", ErrNoHandler, env.Receiver.Hex(), env.Dest)
		return res
	}

	dest := funds.Account{Selector: env.Dest, Address: env.Receiver}
	credit := !delivered && env.Asset != nil
	if credit {
		if err := l.book.Credit(ctx, dest, env.Asset.Token, env.Asset.Amount); err != nil {
			res.Err = fmt.Errorf("failed to release bridged asset: %w", err)
			return res
		}
	}

	res.Outcome, res.Err = h.Receive(ctx, env)
	if res.Err != nil {
		if credit {
			if err := l.book.Debit(ctx, dest, env.Asset.Token, env.Asset.Amount); err != nil {
				l.log.Error("Failed to take back refused asset", "message_id", id.Hex(), "error", err)
			}
		}
		l.log.Warn("Delivery refused", "message_id", id.Hex(), "error", res.Err)
		return res
	}

	l.mu.Lock()
	e.delivered = true
	l.mu.Unlock()
	return res
}
