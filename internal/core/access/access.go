// Package access holds the owner and role sets every privileged operation
// consults. Components receive a *Controller instead of keeping their own
// owner field, so the authorized principals can be listed in one place.
package access

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotOwner is returned when a non-owner calls an owner-only operation.
	ErrNotOwner = errors.New("caller is not the owner")

	// ErrMissingRole is returned when the caller does not hold a required role.
	ErrMissingRole = errors.New("caller is missing role")

	// ErrZeroAddress is returned when a principal would be the zero address.
	ErrZeroAddress = errors.New("zero address")
)

// Role names a set of authorized principals.
type Role string

const (
	// RoleFeature marks feature contracts allowed to call the security gate.
	RoleFeature Role = "feature"
	// RoleVerifierCaller marks callers allowed to run transfer-safety checks.
	RoleVerifierCaller Role = "verifier_caller"
	// RoleLedgerWriter marks indexers allowed to append ledger records.
	RoleLedgerWriter Role = "ledger_writer"
	// RoleExecutor marks external executors that complete held actions.
	RoleExecutor Role = "executor"
	// RoleAutomation marks the keeper forwarder allowed to perform upkeep.
	RoleAutomation Role = "automation"
)

// Controller is the access-control capability.
type Controller struct {
	owner common.Address
	roles map[Role]*Set[common.Address]
	log   *slog.Logger
	mu    sync.RWMutex
}

// NewController creates a controller owned by owner.
func NewController(owner common.Address) *Controller {
	return &Controller{
		owner: owner,
		roles: make(map[Role]*Set[common.Address]),
		log:   slog.Default().With("component", "access"),
	}
}

// Owner returns the current owner.
func (c *Controller) Owner() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// IsOwner reports whether addr is the owner.
func (c *Controller) IsOwner(addr common.Address) bool {
	return addr == c.Owner()
}

// RequireOwner fails with ErrNotOwner unless caller is the owner.
func (c *Controller) RequireOwner(caller common.Address) error {
	if !c.IsOwner(caller) {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}

// TransferOwnership hands the owner role to next.
func (c *Controller) TransferOwnership(caller, next common.Address) error {
	if next == (common.Address{}) {
		return ErrZeroAddress
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	c.log.Info("Ownership transferred", "from", c.owner.Hex(), "to", next.Hex())
	c.owner = next
	return nil
}

// Grant adds addr to role. Owner only.
func (c *Controller) Grant(caller common.Address, role Role, addr common.Address) error {
	if err := c.RequireOwner(caller); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	if c.set(role).Add(addr) {
		c.log.Info("Role granted", "role", role, "address", addr.Hex())
	}
	return nil
}

// Revoke removes addr from role. Owner only.
func (c *Controller) Revoke(caller common.Address, role Role, addr common.Address) error {
	if err := c.RequireOwner(caller); err != nil {
		return err
	}
	if c.set(role).Remove(addr) {
		c.log.Info("Role revoked", "role", role, "address", addr.Hex())
	}
	return nil
}

// Has reports whether addr holds role.
func (c *Controller) Has(role Role, addr common.Address) bool {
	c.mu.RLock()
	s, ok := c.roles[role]
	c.mu.RUnlock()
	return ok && s.Contains(addr)
}

// RequireRole fails with ErrMissingRole unless addr holds role.
func (c *Controller) RequireRole(role Role, addr common.Address) error {
	if !c.Has(role, addr) {
		return fmt.Errorf("%w %s: %s", ErrMissingRole, role, addr.Hex())
	}
	return nil
}

// Members lists the holders of role, sorted by address.
func (c *Controller) Members(role Role) []common.Address {
	c.mu.RLock()
	s, ok := c.roles[role]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	out := s.Members()
	SortAddresses(out)
	return out
}

func (c *Controller) set(role Role) *Set[common.Address] {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.roles[role]
	if !ok {
		s = NewSet[common.Address]()
		c.roles[role] = s
	}
	return s
}

// SortAddresses sorts addresses by their bytes.
func SortAddresses(addrs []common.Address) {
	slices.SortFunc(addrs, func(a, b common.Address) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})
}
