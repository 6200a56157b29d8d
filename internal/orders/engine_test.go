package orders

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/funds"
	"github.com/vietddude/crosslane/internal/gate"
	"github.com/vietddude/crosslane/internal/indexing/emitter"
	"github.com/vietddude/crosslane/internal/infra/storage/memory"
	"github.com/vietddude/crosslane/internal/transfer"
)

const (
	srcSel domain.Selector = 100
	dstSel domain.Selector = 200
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	keeper   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	receiver = common.HexToAddress("0x0000000000000000000000000000000000004ec1")
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	ethFeed  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
)

// =============================================================================
// Mocks
// =============================================================================

type fakeSender struct {
	calls []common.Address // origin of each send
	fail  map[common.Address]error
	n     uint64
}

func (f *fakeSender) send(origin common.Address) (transfer.SendReceipt, error) {
	if err := f.fail[origin]; err != nil {
		return transfer.SendReceipt{}, err
	}
	f.calls = append(f.calls, origin)
	f.n++
	return transfer.SendReceipt{MessageID: common.BigToHash(new(big.Int).SetUint64(f.n))}, nil
}

func (f *fakeSender) SendMessage(ctx context.Context, req transfer.MessageRequest) (transfer.SendReceipt, error) {
	return f.send(req.Origin)
}

func (f *fakeSender) SendToken(ctx context.Context, req transfer.TokenRequest) (transfer.SendReceipt, error) {
	return f.send(req.Origin)
}

func (f *fakeSender) SendTokenWithAction(ctx context.Context, req transfer.ActionRequest) (transfer.SendReceipt, error) {
	return f.send(req.Origin)
}

func (f *fakeSender) Selector() domain.Selector { return srcSel }

type fixture struct {
	ctx    context.Context
	engine *Engine
	sender *fakeSender
	feeds  *StaticFeeds
	book   *funds.MemoryBook
	bus    *emitter.MemoryBus
	now    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	acl := access.NewController(owner)
	require.NoError(t, acl.Grant(owner, access.RoleAutomation, keeper))

	f := &fixture{
		ctx:    context.Background(),
		sender: &fakeSender{fail: make(map[common.Address]error)},
		feeds:  NewStaticFeeds(),
		book:   funds.NewMemoryBook(),
		bus:    emitter.NewMemoryBus(),
		now:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(cfg, Deps{
		ACL:      acl,
		Orders:   memory.NewOrderRepo(memory.NewMemoryStorage()),
		Sender:   f.sender,
		Prices:   f.feeds,
		Balances: BookBalances{Book: f.book},
		Emitter:  f.bus,
		Now:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) create(t *testing.T, who common.Address, req OrderRequest) *domain.Order {
	t.Helper()
	if req.Dest == 0 {
		req.Dest = dstSel
	}
	if req.Receiver == (common.Address{}) {
		req.Receiver = receiver
	}
	o, err := f.engine.Create(f.ctx, who, req)
	require.NoError(t, err)
	return o
}

func (f *fixture) check(t *testing.T) []uint64 {
	t.Helper()
	needed, ids, err := f.engine.CheckUpkeep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, len(ids) > 0, needed)
	return ids
}

func everyMinute() domain.Trigger {
	return domain.Trigger{Type: domain.TriggerTimeBased, Interval: time.Minute}
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// =============================================================================
// Triggers
// =============================================================================

func TestTimeBased_ExecutesOnceThenNeverDue(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.create(t, alice, OrderRequest{Trigger: everyMinute(), MaxExecutions: 1})

	f.now = f.now.Add(30 * time.Second)
	assert.Empty(t, f.check(t))
	due, reason := f.engine.Due(f.ctx, o, f.now)
	assert.False(t, due)
	assert.Equal(t, domain.SkipNotDue, reason)

	f.now = f.now.Add(30 * time.Second)
	ids := f.check(t)
	require.Equal(t, []uint64{o.ID}, ids)

	results, err := f.engine.PerformUpkeep(f.ctx, keeper, ids)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Executed)
	assert.NotEqual(t, common.Hash{}, results[0].MessageID)

	got, err := f.engine.Get(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExecuted, got.Status)
	assert.Equal(t, uint64(1), got.Executions)
	assert.Equal(t, results[0].MessageID, got.LastMessageID)

	for _, later := range []time.Duration{time.Minute, time.Hour, 24 * time.Hour} {
		f.now = f.now.Add(later)
		assert.Empty(t, f.check(t))
		due, _ := f.engine.Due(f.ctx, got, f.now)
		assert.False(t, due)
	}

	// a stale keeper payload does not execute twice
	results, err = f.engine.PerformUpkeep(f.ctx, keeper, ids)
	require.NoError(t, err)
	assert.False(t, results[0].Executed)
	assert.Len(t, f.sender.calls, 1)
}

func TestPriceThreshold(t *testing.T) {
	tests := []struct {
		name       string
		price      string
		age        time.Duration
		above      bool
		wantDue    bool
		wantReason domain.SkipReason
	}{
		{name: "above threshold", price: "2100", age: time.Minute, above: true, wantDue: true},
		{name: "exactly at threshold", price: "2000", age: 0, above: true, wantDue: true},
		{name: "below threshold", price: "1999.99", age: 0, above: true, wantReason: domain.SkipNotDue},
		{name: "stale even though value qualifies", price: "2500", age: 2 * time.Hour, above: true, wantReason: domain.SkipStalePrice},
		{name: "execute below", price: "1500", age: 0, above: false, wantDue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{MaxPriceAge: time.Hour})
			o := f.create(t, alice, OrderRequest{Trigger: domain.Trigger{
				Type:         domain.TriggerPriceThreshold,
				PriceFeed:    ethFeed,
				Threshold:    ether(2000),
				ExecuteAbove: tt.above,
			}})

			v, err := ParsePrice(tt.price)
			require.NoError(t, err)
			f.feeds.SetPrice(ethFeed, Price{Value: v, UpdatedAt: f.now.Add(-tt.age)})

			due, reason := f.engine.Due(f.ctx, o, f.now)
			assert.Equal(t, tt.wantDue, due)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestPriceThreshold_MissingFeed(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.create(t, alice, OrderRequest{Trigger: domain.Trigger{
		Type:      domain.TriggerPriceThreshold,
		PriceFeed: ethFeed,
		Threshold: ether(1),
	}})

	due, reason := f.engine.Due(f.ctx, o, f.now)
	assert.False(t, due)
	assert.Equal(t, domain.SkipFeedUnavailable, reason)
}

func TestBalanceTrigger(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.create(t, alice, OrderRequest{Trigger: domain.Trigger{
		Type:         domain.TriggerBalance,
		BalanceToken: usdc,
		MinBalance:   big.NewInt(500),
	}})

	due, reason := f.engine.Due(f.ctx, o, f.now)
	assert.False(t, due)
	assert.Equal(t, domain.SkipInsufficientBalance, reason)

	require.NoError(t, f.book.Credit(f.ctx, funds.Account{Selector: srcSel, Address: alice}, usdc, big.NewInt(500)))
	due, _ = f.engine.Due(f.ctx, o, f.now)
	assert.True(t, due)
}

// =============================================================================
// Upkeep
// =============================================================================

func TestPerformUpkeep_BatchIsolation(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.create(t, alice, OrderRequest{Trigger: everyMinute()})
	b := f.create(t, bob, OrderRequest{Trigger: everyMinute()})
	c := f.create(t, owner, OrderRequest{Trigger: everyMinute()})
	f.sender.fail[bob] = fmt.Errorf("validate: %w", gate.ErrRateLimited)

	f.now = f.now.Add(time.Minute)
	results, err := f.engine.PerformUpkeep(f.ctx, keeper, []uint64{a.ID, b.ID, c.ID})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Executed)
	assert.False(t, results[1].Executed)
	assert.Equal(t, domain.SkipGateRejected, results[1].Skip)
	assert.True(t, results[2].Executed)

	var skipped []*domain.Event
	for _, ev := range f.bus.Read(0, 0) {
		if ev.Type == domain.EventOrderSkipped {
			skipped = append(skipped, ev)
		}
	}
	require.Len(t, skipped, 1)
	assert.Equal(t, b.ID, skipped[0].OrderID)
	assert.Equal(t, string(domain.SkipGateRejected), skipped[0].Reason)
}

func TestPerformUpkeep_SkipReasons(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.SkipReason
	}{
		{"fee", fmt.Errorf("%w: have 1, need 10", transfer.ErrInsufficientFee), domain.SkipInsufficientFee},
		{"funds", fmt.Errorf("collect: %w", funds.ErrInsufficientFunds), domain.SkipInsufficientBalance},
		{"paused", gate.ErrPaused, domain.SkipGateRejected},
		{"other", errors.New("rpc down"), domain.SkipSendFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, skipReasonFor(tt.err))
		})
	}
}

func TestPerformUpkeep_AssetBalancePrecheck(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.create(t, alice, OrderRequest{
		Trigger: everyMinute(),
		Asset:   &domain.TokenAmount{Token: usdc, Amount: big.NewInt(100)},
	})
	f.now = f.now.Add(time.Minute)

	results, err := f.engine.PerformUpkeep(f.ctx, keeper, []uint64{o.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.SkipInsufficientBalance, results[0].Skip)
	assert.Empty(t, f.sender.calls)
}

func TestPerformUpkeep_RecurringUntilMax(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.create(t, alice, OrderRequest{Trigger: everyMinute(), Recurring: true, MaxExecutions: 2})

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Minute)
		_, err := f.engine.PerformUpkeep(f.ctx, keeper, f.check(t))
		require.NoError(t, err)
	}

	got, err := f.engine.Get(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderMaxExecutionsReached, got.Status)
	assert.Equal(t, uint64(2), got.Executions)
	assert.Len(t, f.sender.calls, 2)
}

func TestCheckUpkeep_RoundRobin(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	for i := 0; i < 3; i++ {
		f.create(t, alice, OrderRequest{Trigger: everyMinute()})
	}
	f.now = f.now.Add(time.Minute)

	assert.Equal(t, []uint64{1, 2}, f.check(t))
	assert.Equal(t, []uint64{3, 1}, f.check(t))
	assert.Equal(t, []uint64{2, 3}, f.check(t))
}

func TestPerformUpkeep_ExpiresOrders(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.create(t, alice, OrderRequest{Trigger: everyMinute(), Deadline: f.now.Add(time.Hour)})

	f.now = f.now.Add(2 * time.Hour)
	ids := f.check(t)
	require.Equal(t, []uint64{o.ID}, ids)

	results, err := f.engine.PerformUpkeep(f.ctx, keeper, ids)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipExpired, results[0].Skip)

	got, err := f.engine.Get(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExpired, got.Status)
	assert.Empty(t, f.check(t))
}

func TestPerformUpkeep_RequiresAutomationRole(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.PerformUpkeep(f.ctx, alice, []uint64{1})
	assert.ErrorIs(t, err, access.ErrMissingRole)
}

// =============================================================================
// Order management
// =============================================================================

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	tests := []struct {
		name string
		req  OrderRequest
		want error
	}{
		{"zero interval", OrderRequest{Trigger: domain.Trigger{Type: domain.TriggerTimeBased}}, ErrInvalidTrigger},
		{"unknown trigger", OrderRequest{Trigger: domain.Trigger{Type: "LUNAR"}}, ErrInvalidTrigger},
		{"price without feed", OrderRequest{Trigger: domain.Trigger{Type: domain.TriggerPriceThreshold, Threshold: ether(1)}}, ErrInvalidTrigger},
		{"balance without requirement", OrderRequest{Trigger: domain.Trigger{Type: domain.TriggerBalance}}, ErrInvalidTrigger},
		{"no destination", OrderRequest{Trigger: everyMinute(), Receiver: receiver}, ErrInvalidOrder},
		{"no receiver", OrderRequest{Trigger: everyMinute(), Dest: dstSel}, ErrInvalidOrder},
		{"zero amount", OrderRequest{
			Trigger: everyMinute(), Dest: dstSel, Receiver: receiver,
			Asset: &domain.TokenAmount{Token: usdc, Amount: big.NewInt(0)},
		}, ErrInvalidOrder},
		{"action without asset", OrderRequest{Trigger: everyMinute(), Dest: dstSel, Receiver: receiver, Action: "stake"}, ErrInvalidOrder},
		{"past deadline", OrderRequest{Trigger: everyMinute(), Dest: dstSel, Receiver: receiver, Deadline: f.now}, ErrInvalidOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Create(f.ctx, alice, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	n, err := f.engine.Count(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrderOwnerControls(t *testing.T) {
	f := newFixture(t, Config{})
	o := f.create(t, alice, OrderRequest{Trigger: everyMinute()})
	f.now = f.now.Add(time.Minute)

	assert.ErrorIs(t, f.engine.Pause(f.ctx, bob, o.ID), ErrNotOrderOwner)
	require.NoError(t, f.engine.Pause(f.ctx, alice, o.ID))
	got, _ := f.engine.Get(f.ctx, o.ID)
	_, reason := f.engine.Due(f.ctx, got, f.now)
	assert.Equal(t, domain.SkipPaused, reason)
	assert.Empty(t, f.check(t))

	require.NoError(t, f.engine.Resume(f.ctx, alice, o.ID))
	assert.Equal(t, []uint64{o.ID}, f.check(t))

	require.NoError(t, f.engine.Cancel(f.ctx, alice, o.ID))
	assert.ErrorIs(t, f.engine.Cancel(f.ctx, alice, o.ID), ErrOrderFinal)
	_, err := f.engine.Get(f.ctx, 99)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	list, err := f.engine.ByOwner(f.ctx, alice, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.OrderCancelled, list[0].Status)
	assert.Equal(t, alice, list[0].Recipient)
}

func TestParsePrice(t *testing.T) {
	v, err := ParsePrice("1850.25")
	require.NoError(t, err)
	assert.Equal(t, "1850250000000000000000", v.String())
	assert.Equal(t, "1850.25", FormatPrice(v))

	_, err = ParsePrice("-1")
	assert.Error(t, err)
	_, err = ParsePrice("abc")
	assert.Error(t, err)
}
