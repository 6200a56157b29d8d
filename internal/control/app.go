package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/config"
	"github.com/vietddude/crosslane/internal/core/cursor"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/funds"
	"github.com/vietddude/crosslane/internal/gate"
	"github.com/vietddude/crosslane/internal/indexing/emitter"
	"github.com/vietddude/crosslane/internal/indexing/health"
	"github.com/vietddude/crosslane/internal/indexing/ingest"
	"github.com/vietddude/crosslane/internal/infra/chain"
	"github.com/vietddude/crosslane/internal/infra/chain/evm"
	"github.com/vietddude/crosslane/internal/ledger"
	"github.com/vietddude/crosslane/internal/orders"
	"github.com/vietddude/crosslane/internal/topology"
	"github.com/vietddude/crosslane/internal/transfer"
	"github.com/vietddude/crosslane/internal/transport"
	"github.com/vietddude/crosslane/internal/verifier"
)

// App owns every component of a crosslane process.
type App struct {
	cfg   *config.AppConfig
	owner common.Address
	repos *repositories

	acl       *access.Controller
	topology  *topology.Registry
	book      *funds.MemoryBook
	bus       *emitter.MemoryBus
	nats      *emitter.NATSEmitter
	emitter   emitter.Emitter
	loopback  *transport.Loopback
	chains    *chain.Registry
	evm       map[domain.Selector]*evm.Adapter
	gate      *gate.Gate
	senders   map[domain.Selector]*transfer.Sender
	receivers map[domain.Selector]*transfer.Receiver
	engine    *orders.Engine
	keeper    *orders.Keeper
	ledger    *ledger.Ledger
	ingester  *ingest.Ingester
	monitor   *health.Monitor
	api       *health.Server
	grpc      *health.GRPCHealth

	pumpInterval time.Duration
	log          *slog.Logger
	group        *errgroup.Group
	cancel       context.CancelFunc
}

// NewApp builds all components from cfg. cfg must have passed Validate.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	owner := config.MustAddress(cfg.Owner)
	a := &App{
		cfg:          cfg,
		owner:        owner,
		acl:          access.NewController(owner),
		book:         funds.NewMemoryBook(),
		bus:          emitter.NewMemoryBus(),
		senders:      make(map[domain.Selector]*transfer.Sender),
		receivers:    make(map[domain.Selector]*transfer.Receiver),
		chains:       chain.NewRegistry(),
		evm:          make(map[domain.Selector]*evm.Adapter),
		pumpInterval: 500 * time.Millisecond,
		log:          slog.Default().With("component", "app"),
	}
	a.topology = topology.NewRegistry(a.acl)
	a.emitter = a.bus

	repos, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.repos = repos

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"events", a.initEvents},
		{"chains", a.initChains},
		{"roles", a.initRoles},
		{"topology", a.initTopology},
		{"custody", a.initCustody},
		{"gate", a.initGate},
		{"endpoints", a.initEndpoints},
		{"orders", a.initOrders},
		{"ledger", a.initLedger},
		{"api", a.initAPI},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to init %s: %w", step.name, err)
		}
	}
	return a, nil
}

func (a *App) initEvents(ctx context.Context) error {
	if a.cfg.NATS.URL == "" {
		return nil
	}
	n, err := emitter.NewNATSEmitter(a.cfg.NATS)
	if err != nil {
		return err
	}
	a.nats = n
	a.emitter = emitter.NewFanout(a.bus, n)
	a.log.Info("Publishing events to NATS", "url", a.cfg.NATS.URL, "stream", a.cfg.NATS.Stream)
	return nil
}

func (a *App) initChains(ctx context.Context) error {
	for _, c := range a.cfg.Chains {
		if c.RPCURL == "" {
			continue
		}
		adapter, err := evm.Dial(ctx, c.Selector, c.RPCURL)
		if err != nil {
			return err
		}
		a.chains.Register(adapter)
		a.evm[c.Selector] = adapter
		a.log.Info("Chain adapter ready", "chain", c.Name, "selector", c.Selector)
	}
	return nil
}

func (a *App) initRoles(ctx context.Context) error {
	for _, r := range a.cfg.Roles {
		if err := a.acl.Grant(a.owner, access.Role(r.Role), config.MustAddress(r.Address)); err != nil {
			return fmt.Errorf("grant %s: %w", r.Role, err)
		}
	}
	return nil
}

func (a *App) initTopology(ctx context.Context) error {
	for _, c := range a.cfg.Chains {
		err := a.topology.AddChain(a.owner, domain.Chain{
			ID:       c.ID,
			Selector: c.Selector,
			Name:     c.Name,
			Router:   config.MustAddress(c.Router),
			FeeToken: config.MustAddress(c.FeeToken),
			Active:   true,
			Testnet:  c.Testnet,
		})
		if err != nil {
			return fmt.Errorf("chain %s: %w", c.Name, err)
		}
	}
	for _, l := range a.cfg.Lanes {
		err := a.topology.SetLane(a.owner, domain.Lane{
			Source:        l.Source,
			Dest:          l.Dest,
			Active:        true,
			Confirmations: l.Confirmations,
		})
		if err != nil {
			return fmt.Errorf("lane %d->%d: %w", l.Source, l.Dest, err)
		}
	}
	for _, t := range a.cfg.LaneTokens {
		err := a.topology.SetLaneToken(a.owner, domain.LaneToken{
			Source:      t.Source,
			Dest:        t.Dest,
			SourceToken: config.MustAddress(t.SourceToken),
			DestToken:   config.MustAddress(t.DestToken),
			Decimals:    t.Decimals,
			Symbol:      t.Symbol,
			Active:      true,
		})
		if err != nil {
			return fmt.Errorf("lane token %s: %w", t.Symbol, err)
		}
	}
	for _, s := range a.cfg.Services {
		err := a.topology.SetService(a.owner, domain.ServiceBinding{
			Selector: s.Selector,
			Key:      s.Key,
			Address:  config.MustAddress(s.Address),
			Active:   true,
		})
		if err != nil {
			return fmt.Errorf("service %s: %w", s.Key, err)
		}
	}
	return nil
}

func (a *App) initCustody(ctx context.Context) error {
	for _, b := range a.cfg.Balances {
		amount, err := b.BaseUnits()
		if err != nil {
			return err
		}
		acct := funds.Account{Selector: b.Selector, Address: config.MustAddress(b.Account)}
		if err := a.book.Credit(ctx, acct, config.MustAddress(b.Token), amount); err != nil {
			return fmt.Errorf("credit %s: %w", acct, err)
		}
	}

	a.loopback = transport.NewLoopback(a.book, a.topology)
	schedule := transport.FeeSchedule{
		Base:    big.NewInt(a.cfg.Fees.Base),
		PerByte: big.NewInt(a.cfg.Fees.PerByte),
	}
	for _, c := range a.cfg.Chains {
		a.loopback.SetFeeSchedule(config.MustAddress(c.FeeToken), schedule)
	}
	return nil
}

func (a *App) initGate(ctx context.Context) error {
	var (
		sel  domain.Selector
		addr common.Address
	)
	for _, s := range a.cfg.Services {
		if s.Key == domain.ServiceSecurityGate {
			sel, addr = s.Selector, config.MustAddress(s.Address)
			break
		}
	}

	g, err := gate.New(a.cfg.Security, gate.Deps{
		Selector:  sel,
		Address:   addr,
		ACL:       a.acl,
		Counters:  a.repos.counters,
		Incidents: a.repos.incidents,
		Emitter:   a.emitter,
	})
	if err != nil {
		return err
	}
	a.gate = g
	return nil
}

// initEndpoints creates a sender and a receiver per configured chain and
// trusts every lane between them.
func (a *App) initEndpoints(ctx context.Context) error {
	static := verifier.NewStaticInspector()
	for _, t := range a.cfg.Verifier.Tokens {
		md := verifier.TokenMetadata{Name: t.Name, Symbol: t.Symbol, Decimals: t.Decimals}
		if supply, ok := new(big.Int).SetString(t.TotalSupply, 10); ok {
			md.TotalSupply = supply
		}
		static.Register(config.MustAddress(t.Address), md)
	}

	for _, c := range a.cfg.Chains {
		if c.Sender != "" {
			if err := a.newSender(c, static); err != nil {
				return err
			}
		}
		if c.Receiver != "" {
			a.newReceiver(c)
		}
	}

	for _, l := range a.cfg.Lanes {
		if s, ok := a.senders[l.Source]; ok {
			if err := s.AllowDestination(a.owner, l.Dest, true); err != nil {
				return err
			}
		}
		r, ok := a.receivers[l.Dest]
		if !ok {
			continue
		}
		if err := r.AllowSource(a.owner, l.Source, true); err != nil {
			return err
		}
		trusted := make([]common.Address, 0, len(l.Senders)+1)
		if s, ok := a.senders[l.Source]; ok {
			trusted = append(trusted, s.Address())
		}
		for _, extra := range l.Senders {
			trusted = append(trusted, config.MustAddress(extra))
		}
		for _, addr := range trusted {
			if err := r.AllowSender(a.owner, l.Source, addr, true); err != nil {
				return err
			}
		}
	}

	for _, t := range a.cfg.LaneTokens {
		if s, ok := a.senders[t.Source]; ok {
			if err := s.AllowToken(a.owner, config.MustAddress(t.SourceToken), true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *App) newSender(c config.ChainConfig, static *verifier.StaticInspector) error {
	addr := config.MustAddress(c.Sender)
	for _, role := range []access.Role{access.RoleFeature, access.RoleVerifierCaller} {
		if err := a.acl.Grant(a.owner, role, addr); err != nil {
			return err
		}
	}

	var inspector verifier.TokenInspector = static
	if adapter, ok := a.evm[c.Selector]; ok {
		inspector = fallbackInspector{primary: adapter, fallback: static}
	}
	v := verifier.New(a.cfg.Verifier.Config, a.acl, inspector)
	for _, t := range a.cfg.Verifier.Tokens {
		if !t.Allowed {
			continue
		}
		if err := v.Allow(a.owner, config.MustAddress(t.Address)); err != nil {
			return err
		}
	}

	s := transfer.NewSender(transfer.SenderConfig{
		Selector: c.Selector,
		Address:  addr,
		FeeToken: config.MustAddress(c.FeeToken),
	}, transfer.SenderDeps{
		ACL:       a.acl,
		Gate:      a.gate,
		Verifier:  v,
		Transport: a.loopback,
		Book:      a.book,
		Lanes:     a.topology,
		Sent:      a.repos.sent,
		Emitter:   a.emitter,
	})
	for _, tok := range c.Tokens {
		if err := s.AllowToken(a.owner, config.MustAddress(tok), true); err != nil {
			return err
		}
	}
	a.senders[c.Selector] = s
	return nil
}

func (a *App) newReceiver(c config.ChainConfig) {
	addr := config.MustAddress(c.Receiver)
	r := transfer.NewReceiver(transfer.ReceiverConfig{Selector: c.Selector, Address: addr}, transfer.ReceiverDeps{
		ACL:       a.acl,
		Book:      a.book,
		Transfers: a.repos.received,
		Emitter:   a.emitter,
	})
	a.loopback.Register(c.Selector, addr, r)
	a.receivers[c.Selector] = r
}

func (a *App) initOrders(ctx context.Context) error {
	oc := a.cfg.Orders
	if !oc.Enabled {
		return nil
	}
	sender, ok := a.senders[oc.Selector]
	if !ok {
		return fmt.Errorf("no sender on chain %d", oc.Selector)
	}

	static := orders.NewStaticFeeds()
	for _, f := range a.cfg.Feeds {
		if err := static.Set(config.MustAddress(f.Address), f.Price); err != nil {
			return err
		}
	}
	var prices orders.PriceFeed = static
	if adapter, ok := a.evm[oc.Selector]; ok {
		prices = fallbackFeeds{adapter, static}
	}

	keeper := config.MustAddress(oc.Keeper)
	if err := a.acl.Grant(a.owner, access.RoleAutomation, keeper); err != nil {
		return err
	}

	a.engine = orders.NewEngine(orders.Config{
		Selector:    oc.Selector,
		Address:     config.MustAddress(oc.Address),
		BatchSize:   oc.BatchSize,
		MaxPriceAge: oc.MaxPriceAge,
	}, orders.Deps{
		ACL:      a.acl,
		Orders:   a.repos.orders,
		Sender:   sender,
		Prices:   prices,
		Balances: chainBalances{chains: a.chains, book: orders.BookBalances{Book: a.book}},
		Emitter:  a.emitter,
	})
	a.keeper = orders.NewKeeper(a.engine, keeper, oc.KeeperInterval)
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	writer := a.owner
	if a.cfg.Ledger.Writer != "" {
		writer = config.MustAddress(a.cfg.Ledger.Writer)
	}
	if err := a.acl.Grant(a.owner, access.RoleLedgerWriter, writer); err != nil {
		return err
	}

	a.ledger = ledger.New(a.cfg.Ledger.Config, a.acl, a.repos.ledger)
	a.ingester = ingest.New(a.cfg.Ingest, a.bus, a.ledger, cursor.NewManager(a.repos.cursors), writer)
	return nil
}

func (a *App) initAPI(ctx context.Context) error {
	transfers := make([]health.TransferReader, 0, len(a.receivers))
	for _, c := range a.cfg.Chains {
		if r, ok := a.receivers[c.Selector]; ok {
			transfers = append(transfers, r)
		}
	}

	consumer := a.cfg.Ingest.Consumer
	if consumer == "" {
		consumer = ingest.DefaultConsumer
	}
	a.monitor = health.NewMonitor(a.gate, transfers, a.ingester, consumer, a.cfg.Health)

	readers := health.Readers{
		Security:  a.gate,
		Transfers: transfers,
		Ledger:    a.ledger,
	}
	if a.engine != nil {
		readers.Orders = a.engine
	} else {
		readers.Orders = noOrders{}
	}
	a.api = health.NewServer(health.ServerConfig{
		Port:      a.cfg.Server.Port,
		RateLimit: a.cfg.Server.RateLimit,
		RateBurst: a.cfg.Server.RateBurst,
	}, a.monitor, readers)
	a.grpc = health.NewGRPCHealth(a.cfg.Server.GRPCPort, a.gate)
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the background components. It returns immediately; use
// Wait or Stop to join them.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	a.group = g

	if a.repos.db != nil {
		a.repos.db.StartMetricsCollector(gctx)
	}

	g.Go(func() error { return a.api.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.api.Stop(shutdownCtx)
	})
	g.Go(func() error { return a.grpc.Start(gctx) })
	g.Go(func() error { return a.runPump(gctx) })
	g.Go(func() error { return a.ingester.Start(gctx) })
	if a.keeper != nil {
		g.Go(func() error { return a.keeper.Start(gctx) })
	}

	a.log.Info("Crosslane started",
		"senders", len(a.senders),
		"receivers", len(a.receivers),
		"orders", a.engine != nil,
	)
	return nil
}

// Wait blocks until every component has stopped.
func (a *App) Wait() error {
	if a.group == nil {
		return nil
	}
	return a.group.Wait()
}

// Stop cancels the components, waits for them within ctx and releases
// connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping Crosslane...")
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan error, 1)
	go func() { done <- a.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	a.close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (a *App) close() {
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			a.log.Warn("Failed to close NATS", "error", err)
		}
	}
	if a.repos != nil {
		a.repos.close()
	}
}

// runPump delivers loopback messages until ctx is cancelled.
func (a *App) runPump(ctx context.Context) error {
	ticker := time.NewTicker(a.pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Pump(ctx)
		}
	}
}

// Pump delivers every queued loopback message once.
func (a *App) Pump(ctx context.Context) []transport.Delivery {
	deliveries := a.loopback.Deliver(ctx)
	for _, d := range deliveries {
		if d.Err != nil {
			a.log.Warn("Delivery rejected", "message_id", d.MessageID.Hex(), "error", d.Err)
			continue
		}
		a.log.Debug("Delivered", "message_id", d.MessageID.Hex(), "status", d.Outcome.Status)
	}
	return deliveries
}

// =============================================================================
// Accessors
// =============================================================================

func (a *App) Gate() *gate.Gate             { return a.gate }
func (a *App) Ledger() *ledger.Ledger       { return a.ledger }
func (a *App) Engine() *orders.Engine       { return a.engine }
func (a *App) Ingester() *ingest.Ingester   { return a.ingester }
func (a *App) Topology() *topology.Registry { return a.topology }
func (a *App) Book() funds.Book             { return a.book }
func (a *App) Events() *emitter.MemoryBus   { return a.bus }
func (a *App) API() *health.Server          { return a.api }

// Sender returns the sender hosted on sel.
func (a *App) Sender(sel domain.Selector) (*transfer.Sender, bool) {
	s, ok := a.senders[sel]
	return s, ok
}

// Receiver returns the receiver hosted on sel.
func (a *App) Receiver(sel domain.Selector) (*transfer.Receiver, bool) {
	r, ok := a.receivers[sel]
	return r, ok
}

type noOrders struct{}

func (noOrders) Get(ctx context.Context, id uint64) (*domain.Order, error) {
	return nil, fmt.Errorf("%w: %d", orders.ErrOrderNotFound, id)
}

func (noOrders) Count(ctx context.Context) (int, error) { return 0, nil }
