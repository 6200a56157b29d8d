// Package topology is the directory of chains, lanes, lane tokens and
// per-chain service bindings. It is pure lookup: mutations are owner-only
// and there is no state machine.
package topology

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/domain"
)

var (
	ErrDuplicateChain    = errors.New("chain id already registered")
	ErrDuplicateSelector = errors.New("selector already registered")
	ErrChainNotFound     = errors.New("chain not found")
	ErrLaneNotFound      = errors.New("lane not found")
	ErrLaneTokenNotFound = errors.New("lane token not found")
	ErrServiceNotFound   = errors.New("service not found")
	ErrServiceInactive   = errors.New("service inactive")
	ErrInvalidLane       = errors.New("invalid lane")
)

type tokenKey struct {
	lane  domain.LaneKey
	token common.Address
}

type serviceKey struct {
	selector domain.Selector
	key      domain.ServiceKey
}

// Registry implements the chain topology directory.
type Registry struct {
	acl        *access.Controller
	chains     map[domain.ChainID]*domain.Chain
	bySelector map[domain.Selector]domain.ChainID
	lanes      map[domain.LaneKey]*domain.Lane
	tokens     map[tokenKey]*domain.LaneToken
	services   map[serviceKey]*domain.ServiceBinding
	log        *slog.Logger
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(acl *access.Controller) *Registry {
	return &Registry{
		acl:        acl,
		chains:     make(map[domain.ChainID]*domain.Chain),
		bySelector: make(map[domain.Selector]domain.ChainID),
		lanes:      make(map[domain.LaneKey]*domain.Lane),
		tokens:     make(map[tokenKey]*domain.LaneToken),
		services:   make(map[serviceKey]*domain.ServiceBinding),
		log:        slog.Default().With("component", "topology"),
	}
}

// -----------------------------------------------------------------------------
// Chains
// -----------------------------------------------------------------------------

// AddChain registers a chain. Ids and selectors must be unique.
func (r *Registry) AddChain(caller common.Address, c domain.Chain) error {
	if err := r.acl.RequireOwner(caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chains[c.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateChain, c.ID)
	}
	if _, ok := r.bySelector[c.Selector]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSelector, c.Selector)
	}

	r.chains[c.ID] = &c
	r.bySelector[c.Selector] = c.ID
	r.log.Info("Chain registered", "chain_id", c.ID, "selector", c.Selector, "name", c.Name)
	return nil
}

// SetChainActive toggles a chain.
func (r *Registry) SetChainActive(caller common.Address, id domain.ChainID, active bool) error {
	if err := r.acl.RequireOwner(caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chains[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrChainNotFound, id)
	}
	c.Active = active
	return nil
}

// Chain returns the chain with the given native id.
func (r *Registry) Chain(id domain.ChainID) (domain.Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.chains[id]
	if !ok {
		return domain.Chain{}, fmt.Errorf("%w: %d", ErrChainNotFound, id)
	}
	return *c, nil
}

// ChainBySelector returns the chain with the given transport selector.
func (r *Registry) ChainBySelector(sel domain.Selector) (domain.Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.bySelector[sel]
	if !ok {
		return domain.Chain{}, fmt.Errorf("%w: selector %s", ErrChainNotFound, sel)
	}
	return *r.chains[id], nil
}

// Chains lists registered chains ordered by id.
func (r *Registry) Chains(activeOnly bool) []domain.Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Chain, 0, len(r.chains))
	for _, c := range r.chains {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b domain.Chain) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// -----------------------------------------------------------------------------
// Lanes
// -----------------------------------------------------------------------------

// SetLane creates or updates a lane. Both ends must be registered.
func (r *Registry) SetLane(caller common.Address, lane domain.Lane) error {
	if err := r.acl.RequireOwner(caller); err != nil {
		return err
	}
	if lane.Source == lane.Dest {
		return fmt.Errorf("%w: source equals destination", ErrInvalidLane)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sel := range []domain.Selector{lane.Source, lane.Dest} {
		if _, ok := r.bySelector[sel]; !ok {
			return fmt.Errorf("%w: selector %s", ErrChainNotFound, sel)
		}
	}

	r.lanes[lane.Key()] = &lane
	r.log.Debug("Lane set", "lane", lane.Key(), "active", lane.Active)
	return nil
}

// Lane returns the lane between src and dst.
func (r *Registry) Lane(src, dst domain.Selector) (domain.Lane, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.lanes[domain.LaneKey{Source: src, Dest: dst}]
	if !ok {
		return domain.Lane{}, fmt.Errorf("%w: %d->%d", ErrLaneNotFound, src, dst)
	}
	return *l, nil
}

// IsLaneActive reports whether the lane and both of its chains are active.
func (r *Registry) IsLaneActive(src, dst domain.Selector) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.laneActiveLocked(domain.LaneKey{Source: src, Dest: dst})
}

func (r *Registry) laneActiveLocked(k domain.LaneKey) bool {
	l, ok := r.lanes[k]
	if !ok || !l.Active {
		return false
	}
	return r.chainActiveLocked(k.Source) && r.chainActiveLocked(k.Dest)
}

func (r *Registry) chainActiveLocked(sel domain.Selector) bool {
	id, ok := r.bySelector[sel]
	return ok && r.chains[id].Active
}

// -----------------------------------------------------------------------------
// Lane tokens
// -----------------------------------------------------------------------------

// SetLaneToken creates or updates a token mapping on an existing lane.
func (r *Registry) SetLaneToken(caller common.Address, t domain.LaneToken) error {
	if err := r.acl.RequireOwner(caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := domain.LaneKey{Source: t.Source, Dest: t.Dest}
	if _, ok := r.lanes[k]; !ok {
		return fmt.Errorf("%w: %s", ErrLaneNotFound, k)
	}
	if t.Symbol != "" {
		t.SymbolHash = domain.HashSymbol(t.Symbol)
	}
	r.tokens[tokenKey{lane: k, token: t.SourceToken}] = &t
	return nil
}

// LaneToken returns the mapping for a source token on a lane.
func (r *Registry) LaneToken(src, dst domain.Selector, token common.Address) (domain.LaneToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[tokenKey{lane: domain.LaneKey{Source: src, Dest: dst}, token: token}]
	if !ok {
		return domain.LaneToken{}, fmt.Errorf("%w: %s on %d->%d", ErrLaneTokenNotFound, token.Hex(), src, dst)
	}
	return *t, nil
}

// IsTokenTransferable reports whether token can move from src to dst. It
// requires both the lane token and its parent lane to be active.
func (r *Registry) IsTokenTransferable(src, dst domain.Selector, token common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k := domain.LaneKey{Source: src, Dest: dst}
	t, ok := r.tokens[tokenKey{lane: k, token: token}]
	if !ok || !t.Active {
		return false
	}
	return r.laneActiveLocked(k)
}

// LaneTokens lists token mappings of a lane.
func (r *Registry) LaneTokens(src, dst domain.Selector) []domain.LaneToken {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k := domain.LaneKey{Source: src, Dest: dst}
	var out []domain.LaneToken
	for tk, t := range r.tokens {
		if tk.lane == k {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b domain.LaneToken) int {
		return a.SourceToken.Cmp(b.SourceToken)
	})
	return out
}

// -----------------------------------------------------------------------------
// Services
// -----------------------------------------------------------------------------

// SetService binds a contract address to a role on a chain.
func (r *Registry) SetService(caller common.Address, b domain.ServiceBinding) error {
	if err := r.acl.RequireOwner(caller); err != nil {
		return err
	}
	if b.Address == (common.Address{}) {
		return access.ErrZeroAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySelector[b.Selector]; !ok {
		return fmt.Errorf("%w: selector %s", ErrChainNotFound, b.Selector)
	}
	r.services[serviceKey{b.Selector, b.Key}] = &b
	r.log.Info("Service bound", "selector", b.Selector, "key", b.Key, "address", b.Address.Hex())
	return nil
}

// ResolveService returns the active contract for key on sel.
func (r *Registry) ResolveService(sel domain.Selector, key domain.ServiceKey) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.services[serviceKey{sel, key}]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s on %s", ErrServiceNotFound, key, sel)
	}
	if !b.Active {
		return common.Address{}, fmt.Errorf("%w: %s on %s", ErrServiceInactive, key, sel)
	}
	return b.Address, nil
}

// Services lists bindings on a chain ordered by key.
func (r *Registry) Services(sel domain.Selector) []domain.ServiceBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ServiceBinding
	for k, b := range r.services {
		if k.selector == sel {
			out = append(out, *b)
		}
	}
	slices.SortFunc(out, func(a, b domain.ServiceBinding) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}
