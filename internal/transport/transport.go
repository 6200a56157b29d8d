// Package transport is the boundary to the cross-chain messaging layer.
// Delivery is at-least-once and ordered within a lane only.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vietddude/crosslane/internal/core/domain"
)

var (
	ErrUnsupportedFeeToken = errors.New("fee token not supported")
	ErrUnsupportedToken    = errors.New("token not supported on lane")
	ErrNoHandler           = errors.New("no handler registered for receiver")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrMessageQueued       = errors.New("message not delivered yet")
)

// Transport quotes and dispatches envelopes.
type Transport interface {
	// QuoteFee returns the fee for env paid in feeToken.
	QuoteFee(ctx context.Context, env *domain.Envelope, feeToken common.Address) (*big.Int, error)

	// Send dispatches env and returns the transport-assigned message id.
	// Any bridged asset must already sit in the sender's custody.
	Send(ctx context.Context, env *domain.Envelope) (common.Hash, error)
}

// Handler is the destination side of a lane. A returned error means the
// delivery was refused; processing failures travel in the Outcome.
type Handler interface {
	Receive(ctx context.Context, env *domain.Envelope) (domain.Outcome, error)
}

// MessageID derives the id for the nonce-th message sent by sender.
func MessageID(
	source domain.Selector,
	nonce uint64,
	sender common.Address,
	dest domain.Selector,
	receiver common.Address,
) common.Hash {
	buf := make([]byte, 0, 8+8+common.AddressLength+8+common.AddressLength)
	buf = binary.BigEndian.AppendUint64(buf, uint64(source))
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = append(buf, sender.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(dest))
	buf = append(buf, receiver.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// FeeSchedule prices a message as Base + PerByte * payload size.
type FeeSchedule struct {
	Base    *big.Int
	PerByte *big.Int
}

// Quote returns the fee for a payload of size bytes.
func (f FeeSchedule) Quote(size int) *big.Int {
	fee := new(big.Int)
	if f.Base != nil {
		fee.Set(f.Base)
	}
	if f.PerByte != nil && size > 0 {
		fee.Add(fee, new(big.Int).Mul(f.PerByte, big.NewInt(int64(size))))
	}
	return fee
}
