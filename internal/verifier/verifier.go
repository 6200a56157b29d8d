// Package verifier decides whether a token is safe to move. Every verdict is
// computed from fresh inspector reads; nothing is cached between calls.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
)

const DefaultMaxDecimals = 36

var (
	// ErrUnauthorizedCaller is returned when a caller without the verifier
	// role asks for a transfer-safety check.
	ErrUnauthorizedCaller = errors.New("caller not authorized for transfer checks")

	// ErrUnsafeToken wraps a negative verdict for callers that want an error.
	ErrUnsafeToken = errors.New("token is not safe to transfer")

	// ErrMetadataMissing is returned by inspectors when the token lacks the
	// required metadata surface.
	ErrMetadataMissing = errors.New("token metadata missing")
)

// Reason explains a negative verdict.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNoCode             Reason = "no_code"
	ReasonMissingMetadata    Reason = "missing_metadata"
	ReasonDecimalsOutOfRange Reason = "decimals_out_of_range"
	ReasonZeroSupply         Reason = "zero_supply"
	ReasonBlocked            Reason = "blocked"
	ReasonNotAllowlisted     Reason = "not_allowlisted"
	ReasonExceedsMaxTransfer Reason = "exceeds_max_transfer"
	ReasonInspectionFailed   Reason = "inspection_failed"
)

// TokenMetadata is the metadata surface a safe token must expose.
type TokenMetadata struct {
	Name        string   `json:"name"`
	Symbol      string   `json:"symbol"`
	Decimals    uint8    `json:"decimals"`
	TotalSupply *big.Int `json:"total_supply"`
}

// TokenInspector reads token facts from a chain.
type TokenInspector interface {
	// HasCode reports whether a contract is deployed at token.
	HasCode(ctx context.Context, token common.Address) (bool, error)

	// Metadata reads name, symbol, decimals and total supply.
	// Returns ErrMetadataMissing when the surface is absent.
	Metadata(ctx context.Context, token common.Address) (TokenMetadata, error)
}

// Verdict is the outcome of one check.
type Verdict struct {
	Token    common.Address `json:"token"`
	Safe     bool           `json:"safe"`
	Reason   Reason         `json:"reason,omitempty"`
	Metadata *TokenMetadata `json:"metadata,omitempty"`
}

// Err returns nil for a safe verdict and an ErrUnsafeToken wrap otherwise.
func (v Verdict) Err() error {
	if v.Safe {
		return nil
	}
	return fmt.Errorf("%w: %s (%s)", ErrUnsafeToken, v.Token.Hex(), v.Reason)
}

// Config holds verifier settings.
type Config struct {
	MaxDecimals      uint8 `yaml:"max_decimals"`
	AllowlistEnabled bool  `yaml:"allowlist_enabled"`
}

// Verifier implements layered token checks.
type Verifier struct {
	acl              *access.Controller
	inspector        TokenInspector
	blocked          *access.Set[common.Address]
	allowed          *access.Set[common.Address]
	maxTransfer      map[common.Address]*big.Int
	maxDecimals      uint8
	allowlistEnabled bool
	log              *slog.Logger
	mu               sync.RWMutex
}

// New creates a verifier.
func New(cfg Config, acl *access.Controller, inspector TokenInspector) *Verifier {
	if cfg.MaxDecimals == 0 {
		cfg.MaxDecimals = DefaultMaxDecimals
	}
	return &Verifier{
		acl:              acl,
		inspector:        inspector,
		blocked:          access.NewSet[common.Address](),
		allowed:          access.NewSet[common.Address](),
		maxTransfer:      make(map[common.Address]*big.Int),
		maxDecimals:      cfg.MaxDecimals,
		allowlistEnabled: cfg.AllowlistEnabled,
		log:              slog.Default().With("component", "verifier"),
	}
}

// Verify runs the layered checks. It is public and side-effect free.
// A non-nil error means the inspector failed; the verdict is then unsafe.
func (v *Verifier) Verify(ctx context.Context, token common.Address) (Verdict, error) {
	verdict, err := v.verify(ctx, token)
	metrics.TokenChecksTotal.WithLabelValues(resultLabel(verdict)).Inc()
	return verdict, err
}

func (v *Verifier) verify(ctx context.Context, token common.Address) (Verdict, error) {
	verdict := Verdict{Token: token}

	ok, err := v.inspector.HasCode(ctx, token)
	if err != nil {
		verdict.Reason = ReasonInspectionFailed
		return verdict, fmt.Errorf("failed to read code: %w", err)
	}
	if !ok {
		verdict.Reason = ReasonNoCode
		return verdict, nil
	}

	md, err := v.inspector.Metadata(ctx, token)
	if errors.Is(err, ErrMetadataMissing) {
		verdict.Reason = ReasonMissingMetadata
		return verdict, nil
	}
	if err != nil {
		verdict.Reason = ReasonInspectionFailed
		return verdict, fmt.Errorf("failed to read metadata: %w", err)
	}
	verdict.Metadata = &md

	v.mu.RLock()
	maxDecimals := v.maxDecimals
	allowlistEnabled := v.allowlistEnabled
	v.mu.RUnlock()

	switch {
	case md.Decimals > maxDecimals:
		verdict.Reason = ReasonDecimalsOutOfRange
	case md.TotalSupply == nil || md.TotalSupply.Sign() <= 0:
		verdict.Reason = ReasonZeroSupply
	case v.blocked.Contains(token):
		verdict.Reason = ReasonBlocked
	case allowlistEnabled && !v.allowed.Contains(token):
		verdict.Reason = ReasonNotAllowlisted
	default:
		verdict.Safe = true
	}
	return verdict, nil
}

// IsTransferSafe checks token and amount on behalf of an authorized caller.
func (v *Verifier) IsTransferSafe(
	ctx context.Context,
	caller, token common.Address,
	amount *big.Int,
) (Verdict, error) {
	if !v.acl.Has(access.RoleVerifierCaller, caller) {
		return Verdict{Token: token}, fmt.Errorf("%w: %s", ErrUnauthorizedCaller, caller.Hex())
	}

	verdict, err := v.verify(ctx, token)
	if err == nil && verdict.Safe {
		if ceiling := v.MaxTransfer(token); ceiling != nil && amount.Cmp(ceiling) > 0 {
			verdict.Safe = false
			verdict.Reason = ReasonExceedsMaxTransfer
		}
	}
	metrics.TokenChecksTotal.WithLabelValues(resultLabel(verdict)).Inc()

	if !verdict.Safe {
		v.log.Debug("Transfer check failed", "token", token.Hex(), "amount", amount, "reason", verdict.Reason)
	}
	return verdict, err
}

// -----------------------------------------------------------------------------
// Administration (owner only)
// -----------------------------------------------------------------------------

// Block adds token to the block list.
func (v *Verifier) Block(caller, token common.Address) error {
	if err := v.acl.RequireOwner(caller); err != nil {
		return err
	}
	v.blocked.Add(token)
	v.log.Info("Token blocked", "token", token.Hex())
	return nil
}

// Unblock removes token from the block list.
func (v *Verifier) Unblock(caller, token common.Address) error {
	if err := v.acl.RequireOwner(caller); err != nil {
		return err
	}
	v.blocked.Remove(token)
	return nil
}

// Allow adds token to the allowlist.
func (v *Verifier) Allow(caller, token common.Address) error {
	if err := v.acl.RequireOwner(caller); err != nil {
		return err
	}
	v.allowed.Add(token)
	return nil
}

// Disallow removes token from the allowlist.
func (v *Verifier) Disallow(caller, token common.Address) error {
	if err := v.acl.RequireOwner(caller); err != nil {
		return err
	}
	v.allowed.Remove(token)
	return nil
}

// SetAllowlistEnabled turns allowlist enforcement on or off.
func (v *Verifier) SetAllowlistEnabled(caller common.Address, enabled bool) error {
	if err := v.acl.RequireOwner(caller); err != nil {
		return err
	}
	v.mu.Lock()
	v.allowlistEnabled = enabled
	v.mu.Unlock()
	return nil
}

// SetMaxTransfer sets the per-token ceiling. A nil or zero ceiling removes it.
func (v *Verifier) SetMaxTransfer(caller, token common.Address, ceiling *big.Int) error {
	if err := v.acl.RequireOwner(caller); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if ceiling == nil || ceiling.Sign() <= 0 {
		delete(v.maxTransfer, token)
		return nil
	}
	v.maxTransfer[token] = new(big.Int).Set(ceiling)
	return nil
}

// SetMaxDecimals sets the upper decimals bound.
func (v *Verifier) SetMaxDecimals(caller common.Address, maxDecimals uint8) error {
	if err := v.acl.RequireOwner(caller); err != nil {
		return err
	}
	v.mu.Lock()
	v.maxDecimals = maxDecimals
	v.mu.Unlock()
	return nil
}

// IsBlocked reports whether token is on the block list.
func (v *Verifier) IsBlocked(token common.Address) bool { return v.blocked.Contains(token) }

// IsAllowed reports whether token is on the allowlist.
func (v *Verifier) IsAllowed(token common.Address) bool { return v.allowed.Contains(token) }

// MaxTransfer returns the per-token ceiling or nil when unset.
func (v *Verifier) MaxTransfer(token common.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if c, ok := v.maxTransfer[token]; ok {
		return new(big.Int).Set(c)
	}
	return nil
}

func resultLabel(v Verdict) string {
	if v.Safe {
		return "safe"
	}
	return string(v.Reason)
}
