// Package gate is the cross-feature security policy engine. Every feature
// calls ValidateAction or ValidateTransfer before it moves anything.
//
// Checks run in a fixed order:
//
//	paused -> authorized caller -> per-user limit -> global limit -> token ceiling
//
// A pause or an unknown caller is always rejected. Limit and ceiling
// violations are logged as incidents in both modes; MONITOR lets the action
// through, ENFORCE rejects it without consuming rate budget.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/emitter"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

var (
	ErrPaused             = errors.New("system is paused")
	ErrUnauthorizedCaller = errors.New("caller is not an authorized feature")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrAmountExceeded     = errors.New("amount exceeds token ceiling")
	ErrInvalidMode        = errors.New("invalid enforcement mode")
	ErrInvalidWindow      = errors.New("rate window must be positive")
)

// IsRejection reports whether err is a policy rejection from the gate.
func IsRejection(err error) bool {
	return errors.Is(err, ErrPaused) ||
		errors.Is(err, ErrUnauthorizedCaller) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrAmountExceeded)
}

// Config holds gate settings.
type Config struct {
	Mode        domain.EnforcementMode `yaml:"mode"`
	GlobalLimit uint64                 `yaml:"global_limit"` // calls per window, 0 = unlimited
	UserLimit   uint64                 `yaml:"user_limit"`   // calls per user per window, 0 = unlimited
	Window      time.Duration          `yaml:"window"`
}

// Request describes one action a feature wants to perform.
type Request struct {
	Feature   common.Address // calling feature contract
	User      common.Address // account the action runs for
	Token     common.Address // transfers only
	Amount    *big.Int       // transfers only
	Reference string         // free-form correlation, e.g. destination or order id
}

// Health is the operator snapshot returned by SystemHealth.
type Health struct {
	Paused            bool                   `json:"paused"`
	PauseReason       string                 `json:"pause_reason,omitempty"`
	Mode              domain.EnforcementMode `json:"mode"`
	GlobalLimit       uint64                 `json:"global_limit"`
	UserLimit         uint64                 `json:"user_limit"`
	Window            string                 `json:"window"`
	AuthorizedCallers int                    `json:"authorized_callers"`
	GlobalCalls       uint64                 `json:"global_calls"`
	IncidentCount     int                    `json:"incident_count"`
	LastIncident      *domain.Incident       `json:"last_incident,omitempty"`
}

// Gate implements the security policy engine.
type Gate struct {
	selector    domain.Selector
	address     common.Address
	acl         *access.Controller
	counters    CounterStore
	incidents   storage.IncidentRepository
	emitter     emitter.Emitter
	now         func() time.Time
	log         *slog.Logger
	paused      bool
	pauseReason string
	mode        domain.EnforcementMode
	globalLimit uint64
	userLimit   uint64
	window      time.Duration
	ceilings    map[common.Address]*big.Int
	mu          sync.Mutex // single update path for all validations
}

// Deps bundles the gate's collaborators.
type Deps struct {
	Selector  domain.Selector
	Address   common.Address
	ACL       *access.Controller
	Counters  CounterStore
	Incidents storage.IncidentRepository
	Emitter   emitter.Emitter
	Now       func() time.Time
}

// New creates a gate.
func New(cfg Config, deps Deps) (*Gate, error) {
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeMonitor
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}
	if cfg.Window == 0 {
		cfg.Window = time.Hour
	}
	if cfg.Window < 0 {
		return nil, ErrInvalidWindow
	}
	if deps.Counters == nil {
		deps.Counters = NewMemoryCounters()
	}
	if deps.Emitter == nil {
		deps.Emitter = emitter.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	metrics.GatePaused.Set(0)
	return &Gate{
		selector:    deps.Selector,
		address:     deps.Address,
		acl:         deps.ACL,
		counters:    deps.Counters,
		incidents:   deps.Incidents,
		emitter:     deps.Emitter,
		now:         deps.Now,
		log:         slog.Default().With("component", "gate"),
		mode:        cfg.Mode,
		globalLimit: cfg.GlobalLimit,
		userLimit:   cfg.UserLimit,
		window:      cfg.Window,
		ceilings:    make(map[common.Address]*big.Int),
	}, nil
}

// ValidateAction checks a non-asset action.
func (g *Gate) ValidateAction(ctx context.Context, req Request) error {
	return g.validate(ctx, req, false)
}

// ValidateTransfer checks an asset transfer, including the token ceiling.
func (g *Gate) ValidateTransfer(ctx context.Context, req Request) error {
	return g.validate(ctx, req, true)
}

type violation struct {
	reason domain.IncidentReason
	err    error
}

func (g *Gate) validate(ctx context.Context, req Request, transfer bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		g.recordIncident(ctx, req, domain.IncidentPaused, true)
		g.decision("rejected")
		return fmt.Errorf("%w: %s", ErrPaused, g.pauseReason)
	}
	if !g.acl.Has(access.RoleFeature, req.Feature) {
		g.recordIncident(ctx, req, domain.IncidentUnauthorizedCaller, true)
		g.decision("rejected")
		return fmt.Errorf("%w: %s", ErrUnauthorizedCaller, req.Feature.Hex())
	}

	enforce := g.mode == domain.ModeEnforce
	start := g.now().Truncate(g.window)
	user := userScope(req.User.Hex())

	var violations []violation
	check := func(v *violation) bool {
		if v == nil {
			return true
		}
		violations = append(violations, *v)
		return !enforce
	}

	// Count first, then compare: a call only passes on a slot it holds.
	var taken []string
	userViolation, err := g.take(ctx, user, g.userLimit, start, domain.IncidentUserRateLimit, &taken)
	if err != nil {
		g.giveBack(ctx, taken, start)
		return err
	}
	if check(userViolation) {
		globalViolation, err := g.take(ctx, globalScope, g.globalLimit, start, domain.IncidentGlobalRateLimit, &taken)
		if err != nil {
			g.giveBack(ctx, taken, start)
			return err
		}
		if check(globalViolation) && transfer {
			check(g.ceilingViolation(req))
		}
	}

	for _, v := range violations {
		g.recordIncident(ctx, req, v.reason, enforce)
	}
	if enforce && len(violations) > 0 {
		g.giveBack(ctx, taken, start)
		g.decision("rejected")
		return violations[0].err
	}

	if len(violations) > 0 {
		g.decision("flagged")
	} else {
		g.decision("allowed")
	}
	return nil
}

// take counts one call against scope and reports a violation when the
// count is now over limit. Counted scopes are appended to taken.
func (g *Gate) take(
	ctx context.Context,
	scope string,
	limit uint64,
	start time.Time,
	reason domain.IncidentReason,
	taken *[]string,
) (*violation, error) {
	if limit == 0 {
		return nil, nil
	}
	// Keep two windows so a late reader still sees the previous one.
	n, err := g.counters.Incr(ctx, scope, start, 2*g.window)
	if err != nil {
		return nil, fmt.Errorf("failed to update rate counter: %w", err)
	}
	*taken = append(*taken, scope)
	if n > limit {
		return &violation{
			reason: reason,
			err:    fmt.Errorf("%w: %s (%d per %s)", ErrRateLimited, reason, limit, g.window),
		}, nil
	}
	return nil, nil
}

// giveBack undoes take for a call that was not let through.
func (g *Gate) giveBack(ctx context.Context, taken []string, start time.Time) {
	for _, scope := range taken {
		if err := g.counters.Decr(ctx, scope, start); err != nil {
			g.log.Warn("Failed to release rate counter", "scope", scope, "error", err)
		}
	}
}

func (g *Gate) ceilingViolation(req Request) *violation {
	ceiling, ok := g.ceilings[req.Token]
	if !ok || req.Amount == nil || req.Amount.Cmp(ceiling) <= 0 {
		return nil
	}
	return &violation{
		reason: domain.IncidentAmountCeiling,
		err:    fmt.Errorf("%w: %s > %s for %s", ErrAmountExceeded, req.Amount, ceiling, req.Token.Hex()),
	}
}

func (g *Gate) decision(outcome string) {
	metrics.GateDecisionsTotal.WithLabelValues(string(g.mode), outcome).Inc()
}

// recordIncident appends to the incident log and publishes it. Failures are
// logged; they never change the decision.
func (g *Gate) recordIncident(ctx context.Context, req Request, reason domain.IncidentReason, blocked bool) {
	inc := &domain.Incident{
		ID:        uuid.NewString(),
		Actor:     req.User,
		Feature:   req.Feature,
		Reason:    reason,
		Reference: req.Reference,
		Mode:      g.mode,
		Blocked:   blocked,
		Timestamp: g.now(),
	}
	metrics.IncidentsTotal.WithLabelValues(string(reason), strconv.FormatBool(blocked)).Inc()
	g.log.Warn("Security incident",
		"reason", reason,
		"actor", req.User.Hex(),
		"feature", req.Feature.Hex(),
		"mode", g.mode,
		"blocked", blocked,
	)

	if g.incidents != nil {
		if err := g.incidents.Append(ctx, inc); err != nil {
			g.log.Error("Failed to store incident", "id", inc.ID, "error", err)
		}
	}

	g.emit(ctx, &domain.Event{
		Type:       domain.EventIncidentLogged,
		Account:    req.User,
		Reason:     string(reason),
		Sequence:   inc.Sequence,
		OccurredAt: inc.Timestamp,
		Metadata: map[string]any{
			"incident_id": inc.ID,
			"feature":     req.Feature.Hex(),
			"blocked":     blocked,
			"reference":   req.Reference,
		},
	})
}

func (g *Gate) emit(ctx context.Context, ev *domain.Event) {
	ev.Selector = g.selector
	ev.Contract = g.address
	if err := g.emitter.Emit(ctx, ev); err != nil {
		g.log.Error("Failed to emit event", "type", ev.Type, "error", err)
	}
}

// -----------------------------------------------------------------------------
// Administration (owner only)
// -----------------------------------------------------------------------------

// Pause stops every feature until Unpause.
func (g *Gate) Pause(ctx context.Context, caller common.Address, reason string) error {
	if err := g.acl.RequireOwner(caller); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.paused = true
	g.pauseReason = reason
	metrics.GatePaused.Set(1)
	g.log.Warn("System paused", "reason", reason)
	g.emit(ctx, &domain.Event{Type: domain.EventSystemPaused, Account: caller, Reason: reason, OccurredAt: g.now()})
	return nil
}

// Unpause lifts a pause.
func (g *Gate) Unpause(ctx context.Context, caller common.Address) error {
	if err := g.acl.RequireOwner(caller); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.paused = false
	g.pauseReason = ""
	metrics.GatePaused.Set(0)
	g.log.Info("System unpaused")
	g.emit(ctx, &domain.Event{Type: domain.EventSystemUnpaused, Account: caller, OccurredAt: g.now()})
	return nil
}

// SetEnforcementMode switches between MONITOR and ENFORCE.
func (g *Gate) SetEnforcementMode(caller common.Address, mode domain.EnforcementMode) error {
	if err := g.acl.RequireOwner(caller); err != nil {
		return err
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.Info("Enforcement mode changed", "from", g.mode, "to", mode)
	g.mode = mode
	return nil
}

// SetRateLimits replaces the global and per-user limits and the window.
func (g *Gate) SetRateLimits(caller common.Address, global, perUser uint64, window time.Duration) error {
	if err := g.acl.RequireOwner(caller); err != nil {
		return err
	}
	if window <= 0 {
		return ErrInvalidWindow
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.globalLimit = global
	g.userLimit = perUser
	g.window = window
	return nil
}

// SetTokenCeiling sets the largest amount of token one transfer may move.
// A nil or zero ceiling removes the limit.
func (g *Gate) SetTokenCeiling(caller, token common.Address, ceiling *big.Int) error {
	if err := g.acl.RequireOwner(caller); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ceiling == nil || ceiling.Sign() <= 0 {
		delete(g.ceilings, token)
		return nil
	}
	g.ceilings[token] = new(big.Int).Set(ceiling)
	return nil
}

// AuthorizeCaller adds or removes a feature contract.
func (g *Gate) AuthorizeCaller(caller, feature common.Address, authorized bool) error {
	if authorized {
		return g.acl.Grant(caller, access.RoleFeature, feature)
	}
	return g.acl.Revoke(caller, access.RoleFeature, feature)
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

// IsPaused reports whether the system is paused.
func (g *Gate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// SystemHealth returns an operator snapshot.
func (g *Gate) SystemHealth(ctx context.Context) (Health, error) {
	g.mu.Lock()
	h := Health{
		Paused:            g.paused,
		PauseReason:       g.pauseReason,
		Mode:              g.mode,
		GlobalLimit:       g.globalLimit,
		UserLimit:         g.userLimit,
		Window:            g.window.String(),
		AuthorizedCallers: len(g.acl.Members(access.RoleFeature)),
	}
	start := g.now().Truncate(g.window)
	g.mu.Unlock()

	calls, err := g.counters.Count(ctx, globalScope, start)
	if err != nil {
		return h, fmt.Errorf("failed to read rate counter: %w", err)
	}
	h.GlobalCalls = calls

	if g.incidents == nil {
		return h, nil
	}
	count, err := g.incidents.Count(ctx)
	if err != nil {
		return h, fmt.Errorf("failed to count incidents: %w", err)
	}
	h.IncidentCount = count
	last, err := g.incidents.Recent(ctx, 1)
	if err != nil {
		return h, fmt.Errorf("failed to read incidents: %w", err)
	}
	if len(last) > 0 {
		h.LastIncident = last[0]
	}
	return h, nil
}

// RecentIncidents returns up to limit incidents, newest first.
func (g *Gate) RecentIncidents(ctx context.Context, limit int) ([]*domain.Incident, error) {
	if g.incidents == nil {
		return nil, nil
	}
	return g.incidents.Recent(ctx, limit)
}

// Incidents pages through the incident log, oldest first.
func (g *Gate) Incidents(ctx context.Context, offset, limit int) ([]*domain.Incident, error) {
	if g.incidents == nil {
		return nil, nil
	}
	return g.incidents.List(ctx, offset, limit)
}
