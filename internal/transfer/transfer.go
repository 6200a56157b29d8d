// Package transfer implements the source-side senders and the defensive
// destination-side receivers for message, token and action transfers.
package transfer

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/gate"
	"github.com/vietddude/crosslane/internal/verifier"
)

// Policy rejections. Nothing is persisted and no funds move when one of
// these is returned.
var (
	ErrDestinationNotAllowed = errors.New("destination chain not allowlisted")
	ErrTokenNotAllowed       = errors.New("token not allowlisted")
	ErrLaneTokenInactive     = errors.New("token not transferable on lane")
	ErrSourceNotAllowed      = errors.New("source chain not allowlisted")
	ErrSenderNotAllowed      = errors.New("sender not allowlisted for source chain")
	ErrZeroAddress           = errors.New("zero address")
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrEmptyAction           = errors.New("action must not be empty")
	ErrDeadlinePassed        = errors.New("deadline already passed")
	ErrInsufficientFee       = errors.New("insufficient fee balance")
	ErrFeeQuote              = errors.New("fee estimation failed")
	ErrWrongReceiver         = errors.New("envelope addressed to another receiver")
)

// Lifecycle errors for retry, recovery and held actions.
var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrNotRetryable     = errors.New("transfer is not in a retryable state")
	ErrNotRecoverable   = errors.New("transfer is not recoverable")
	ErrNotPending       = errors.New("transfer is not pending an action")
	ErrUnsettled        = errors.New("transfer outcome not yet stored, retry it first")
)

// Gatekeeper is the security gate as seen by transfers.
type Gatekeeper interface {
	ValidateAction(ctx context.Context, req gate.Request) error
	ValidateTransfer(ctx context.Context, req gate.Request) error
}

// SafetyChecker is the token verifier as seen by senders.
type SafetyChecker interface {
	IsTransferSafe(ctx context.Context, caller, token common.Address, amount *big.Int) (verifier.Verdict, error)
}

// LaneTokens reports whether a token may move on a lane.
type LaneTokens interface {
	IsTokenTransferable(src, dst domain.Selector, token common.Address) bool
}

// rejectionLabel maps a rejection to a low-cardinality metric label.
func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, gate.ErrPaused):
		return "paused"
	case errors.Is(err, gate.ErrUnauthorizedCaller):
		return "unauthorized_caller"
	case errors.Is(err, gate.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, gate.ErrAmountExceeded):
		return "amount_exceeded"
	case errors.Is(err, verifier.ErrUnsafeToken), errors.Is(err, verifier.ErrUnauthorizedCaller):
		return "unsafe_token"
	case errors.Is(err, ErrDestinationNotAllowed), errors.Is(err, ErrSourceNotAllowed):
		return "chain_not_allowed"
	case errors.Is(err, ErrTokenNotAllowed), errors.Is(err, ErrLaneTokenInactive):
		return "token_not_allowed"
	case errors.Is(err, ErrSenderNotAllowed):
		return "sender_not_allowed"
	case errors.Is(err, ErrInsufficientFee):
		return "insufficient_fee"
	case errors.Is(err, ErrFeeQuote):
		return "fee_quote"
	case errors.Is(err, ErrZeroAddress), errors.Is(err, ErrZeroAmount),
		errors.Is(err, ErrEmptyAction), errors.Is(err, ErrDeadlinePassed):
		return "invalid_request"
	default:
		return "other"
	}
}
