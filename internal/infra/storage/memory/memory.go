package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

type MemoryStorage struct {
	received  map[common.Hash]*domain.ReceivedTransfer
	recvOrder []common.Hash
	sent      map[common.Hash]*domain.SentTransfer
	orders    map[uint64]*domain.Order
	nextOrder uint64
	records   []*domain.Record // index = id-1
	keys      map[common.Hash]uint64
	byUser    map[common.Address][]uint64
	profiles  map[common.Address]*domain.Profile
	incidents []*domain.Incident
	cursors   map[string]*domain.Cursor
	mu        sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		received: make(map[common.Hash]*domain.ReceivedTransfer),
		sent:     make(map[common.Hash]*domain.SentTransfer),
		orders:   make(map[uint64]*domain.Order),
		keys:     make(map[common.Hash]uint64),
		byUser:   make(map[common.Address][]uint64),
		profiles: make(map[common.Address]*domain.Profile),
		cursors:  make(map[string]*domain.Cursor),
	}
}

// page clamps offset/limit against n items.
func page(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit >= 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

// -----------------------------------------------------------------------------
// Received Transfer Repository
// -----------------------------------------------------------------------------

type ReceivedRepo struct {
	store *MemoryStorage
}

func NewReceivedRepo(store *MemoryStorage) *ReceivedRepo {
	return &ReceivedRepo{store: store}
}

func (r *ReceivedRepo) Create(ctx context.Context, t *domain.ReceivedTransfer) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.received[t.MessageID]; ok {
		return fmt.Errorf("%w: message %s", storage.ErrAlreadyExists, t.MessageID.Hex())
	}
	r.store.received[t.MessageID] = t.Clone()
	r.store.recvOrder = append(r.store.recvOrder, t.MessageID)
	return nil
}

func (r *ReceivedRepo) Get(ctx context.Context, id common.Hash) (*domain.ReceivedTransfer, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.received[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", storage.ErrNotFound, id.Hex())
	}
	return t.Clone(), nil
}

func (r *ReceivedRepo) UpdateStatus(
	ctx context.Context,
	id common.Hash,
	from, to domain.TransferStatus,
	reason string,
	at time.Time,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.received[id]
	if !ok {
		return fmt.Errorf("%w: message %s", storage.ErrNotFound, id.Hex())
	}
	if t.Status != from {
		return fmt.Errorf("%w: message %s is %s, expected %s", storage.ErrConflict, id.Hex(), t.Status, from)
	}
	t.Status = to
	t.FailureReason = reason
	t.UpdatedAt = at
	if to == domain.TransferProcessing {
		t.Attempts++
	}
	return nil
}

func (r *ReceivedRepo) matching(scope storage.Scope, status domain.TransferStatus) []*domain.ReceivedTransfer {
	var out []*domain.ReceivedTransfer
	for _, id := range r.store.recvOrder {
		t := r.store.received[id]
		if t.Dest != scope.Selector || t.Receiver != scope.Contract {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (r *ReceivedRepo) Count(ctx context.Context, scope storage.Scope) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.matching(scope, "")), nil
}

func (r *ReceivedRepo) Last(ctx context.Context, scope storage.Scope) (*domain.ReceivedTransfer, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	all := r.matching(scope, "")
	if len(all) == 0 {
		return nil, storage.ErrNotFound
	}
	return all[len(all)-1].Clone(), nil
}

func (r *ReceivedRepo) ListByStatus(
	ctx context.Context,
	scope storage.Scope,
	status domain.TransferStatus,
	offset, limit int,
) ([]*domain.ReceivedTransfer, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	all := r.matching(scope, status)
	lo, hi := page(len(all), offset, limit)
	out := make([]*domain.ReceivedTransfer, 0, hi-lo)
	for _, t := range all[lo:hi] {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (r *ReceivedRepo) CountByStatus(ctx context.Context, scope storage.Scope, status domain.TransferStatus) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.matching(scope, status)), nil
}

// -----------------------------------------------------------------------------
// Sent Transfer Repository
// -----------------------------------------------------------------------------

type SentRepo struct {
	store *MemoryStorage
}

func NewSentRepo(store *MemoryStorage) *SentRepo {
	return &SentRepo{store: store}
}

func (r *SentRepo) Create(ctx context.Context, t *domain.SentTransfer) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.sent[t.MessageID]; ok {
		return fmt.Errorf("%w: message %s", storage.ErrAlreadyExists, t.MessageID.Hex())
	}
	cp := *t
	cp.Asset = t.Asset.Clone()
	r.store.sent[t.MessageID] = &cp
	return nil
}

func (r *SentRepo) Get(ctx context.Context, id common.Hash) (*domain.SentTransfer, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.sent[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", storage.ErrNotFound, id.Hex())
	}
	cp := *t
	cp.Asset = t.Asset.Clone()
	return &cp, nil
}

func (r *SentRepo) Count(ctx context.Context, scope storage.Scope) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, t := range r.store.sent {
		if t.Source == scope.Selector && t.Sender == scope.Contract {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Order Repository
// -----------------------------------------------------------------------------

type OrderRepo struct {
	store *MemoryStorage
}

func NewOrderRepo(store *MemoryStorage) *OrderRepo {
	return &OrderRepo{store: store}
}

func (r *OrderRepo) Create(ctx context.Context, o *domain.Order) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.nextOrder++
	o.ID = r.store.nextOrder
	r.store.orders[o.ID] = o.Clone()
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, id uint64) (*domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	o, ok := r.store.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", storage.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (r *OrderRepo) Update(ctx context.Context, o *domain.Order) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.orders[o.ID]; !ok {
		return fmt.Errorf("%w: order %d", storage.ErrNotFound, o.ID)
	}
	r.store.orders[o.ID] = o.Clone()
	return nil
}

func (r *OrderRepo) sortedIDs() []uint64 {
	return slices.Sorted(maps.Keys(r.store.orders))
}

func (r *OrderRepo) ListActive(ctx context.Context, afterID uint64, limit int) ([]*domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Order
	for _, id := range r.sortedIDs() {
		if limit >= 0 && len(out) >= limit {
			break
		}
		o := r.store.orders[id]
		if id > afterID && o.Status == domain.OrderActive {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (r *OrderRepo) ListByOwner(ctx context.Context, owner common.Address, offset, limit int) ([]*domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var all []*domain.Order
	for _, id := range r.sortedIDs() {
		if o := r.store.orders[id]; o.Owner == owner {
			all = append(all, o)
		}
	}
	lo, hi := page(len(all), offset, limit)
	out := make([]*domain.Order, 0, hi-lo)
	for _, o := range all[lo:hi] {
		out = append(out, o.Clone())
	}
	return out, nil
}

func (r *OrderRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.orders), nil
}

// -----------------------------------------------------------------------------
// Ledger Repository
// -----------------------------------------------------------------------------

type LedgerRepo struct {
	store *MemoryStorage
}

func NewLedgerRepo(store *MemoryStorage) *LedgerRepo {
	return &LedgerRepo{store: store}
}

func (r *LedgerRepo) Append(ctx context.Context, records []*domain.Record) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	// Check every key before writing anything.
	seen := make(map[common.Hash]struct{}, len(records))
	for _, rec := range records {
		if _, ok := r.store.keys[rec.DedupeKey]; ok {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateKey, rec.DedupeKey.Hex())
		}
		if _, ok := seen[rec.DedupeKey]; ok {
			return fmt.Errorf("%w: %s repeated in batch", storage.ErrDuplicateKey, rec.DedupeKey.Hex())
		}
		seen[rec.DedupeKey] = struct{}{}
	}

	for _, rec := range records {
		rec.ID = uint64(len(r.store.records)) + 1
		r.store.records = append(r.store.records, rec.Clone())
		r.store.keys[rec.DedupeKey] = rec.ID
		r.store.byUser[rec.User] = append(r.store.byUser[rec.User], rec.ID)
	}
	return nil
}

func (r *LedgerRepo) Get(ctx context.Context, id uint64) (*domain.Record, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if id == 0 || id > uint64(len(r.store.records)) {
		return nil, fmt.Errorf("%w: record %d", storage.ErrNotFound, id)
	}
	return r.store.records[id-1].Clone(), nil
}

func (r *LedgerRepo) ListByUser(ctx context.Context, user common.Address, offset, limit int) ([]*domain.Record, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	ids := r.store.byUser[user]
	lo, hi := page(len(ids), offset, limit)
	out := make([]*domain.Record, 0, hi-lo)
	for _, id := range ids[lo:hi] {
		out = append(out, r.store.records[id-1].Clone())
	}
	return out, nil
}

func (r *LedgerRepo) CountByUser(ctx context.Context, user common.Address) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.byUser[user]), nil
}

func (r *LedgerRepo) KeyExists(ctx context.Context, key common.Hash) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.keys[key]
	return ok, nil
}

func (r *LedgerRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.records), nil
}

func (r *LedgerRepo) GetProfile(ctx context.Context, wallet common.Address) (*domain.Profile, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.profiles[wallet]
	if !ok {
		return nil, fmt.Errorf("%w: profile %s", storage.ErrNotFound, wallet.Hex())
	}
	cp := *p
	return &cp, nil
}

func (r *LedgerRepo) SaveProfile(ctx context.Context, p *domain.Profile) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var current uint64
	if old, ok := r.store.profiles[p.Wallet]; ok {
		current = old.Version
	}
	if p.Version != current+1 {
		return fmt.Errorf("%w: profile %s at version %d", storage.ErrConflict, p.Wallet.Hex(), current)
	}
	cp := *p
	r.store.profiles[p.Wallet] = &cp
	return nil
}

// -----------------------------------------------------------------------------
// Incident Repository
// -----------------------------------------------------------------------------

type IncidentRepo struct {
	store *MemoryStorage
}

func NewIncidentRepo(store *MemoryStorage) *IncidentRepo {
	return &IncidentRepo{store: store}
}

func (r *IncidentRepo) Append(ctx context.Context, inc *domain.Incident) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	inc.Sequence = uint64(len(r.store.incidents)) + 1
	cp := *inc
	r.store.incidents = append(r.store.incidents, &cp)
	return nil
}

func (r *IncidentRepo) Recent(ctx context.Context, limit int) ([]*domain.Incident, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := len(r.store.incidents)
	if limit < 0 || limit > n {
		limit = n
	}
	out := make([]*domain.Incident, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *r.store.incidents[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *IncidentRepo) List(ctx context.Context, offset, limit int) ([]*domain.Incident, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	lo, hi := page(len(r.store.incidents), offset, limit)
	out := make([]*domain.Incident, 0, hi-lo)
	for _, inc := range r.store.incidents[lo:hi] {
		cp := *inc
		out = append(out, &cp)
	}
	return out, nil
}

func (r *IncidentRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.incidents), nil
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) Get(ctx context.Context, consumer string) (*domain.Cursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if c, ok := r.store.cursors[consumer]; ok {
		cp := *c
		cp.Metadata = maps.Clone(c.Metadata)
		return &cp, nil
	}
	return nil, storage.ErrCursorNotFound
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *cursor
	cp.Metadata = maps.Clone(cursor.Metadata)
	r.store.cursors[cursor.Consumer] = &cp
	return nil
}

func (r *CursorRepo) UpdateOffset(ctx context.Context, consumer string, offset uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.cursors[consumer]; ok {
		c.Offset = offset
		c.UpdatedAt = time.Now()
		return nil
	}
	return storage.ErrCursorNotFound
}

func (r *CursorRepo) UpdateState(ctx context.Context, consumer string, state domain.CursorState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.cursors[consumer]; ok {
		c.State = state
		c.UpdatedAt = time.Now()
		return nil
	}
	return storage.ErrCursorNotFound
}
