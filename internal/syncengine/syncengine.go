// Package syncengine owns the main poll-diff-dispatch loop that drives the
// whole copy-trading engine: it watches the master account's positions,
// diffs them against the last known state, and turns the difference into
// TradeOps calls.
package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"copytrader/internal/cache"
	"copytrader/internal/core"
	"copytrader/internal/mastercallqueue"
	"copytrader/internal/sizer"
	"copytrader/internal/tradeops"
	"copytrader/pkg/telemetry"
)

// ExchangeClientFactory builds the exchange client for a single account's
// credential. Injected so this package never depends on exchangeclient's
// concrete constructor signature.
type ExchangeClientFactory func(cred core.APICredential, account string) core.IExchangeClient

// Config controls the main loop's pacing and the partial-close heuristic.
type Config struct {
	PollInterval          time.Duration
	WorkerPoolSize        int
	EventQueueCapacity    int
	PartialCloseThreshold decimal.Decimal // fraction of prevQty below which a drop counts as a partial close; default 0.9
	QuoteAsset            string
}

// DefaultConfig returns the default pacing: 100ms poll, 5 workers, a
// 0.9 partial-close threshold (new_qty < 0.9 * prev_qty).
func DefaultConfig() Config {
	return Config{
		PollInterval:          100 * time.Millisecond,
		WorkerPoolSize:        5,
		EventQueueCapacity:    256,
		PartialCloseThreshold: decimal.NewFromFloat(0.9),
		QuoteAsset:            "USDT",
	}
}

type openOrdersResult struct {
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
	Leverage   int
}

// Engine is the trade-synchronization engine: the master poller, its
// background refreshers, and the worker pool that fans Open events out to
// TradeOps.
type Engine struct {
	cfg Config

	master      core.IExchangeClient
	masterQueue *mastercallqueue.Queue
	credStore   core.ICredentialStore
	stateStore  core.IStateStore
	tradeOps    *tradeops.TradeOps
	notifier    core.INotifier
	logger      core.ILogger
	clientFor   ExchangeClientFactory

	state *core.MirrorState

	positionsCache  *cache.Single[[]core.Position]
	openOrdersCache *cache.Keyed[core.Symbol, openOrdersResult]
	masterBalCache  *cache.Single[core.Balance]

	events chan core.SyncEvent

	mu        sync.RWMutex
	followers []tradeops.FollowerHandle
}

// New wires an Engine. masterQueue serializes every master-account call
// (positions, open orders, balance) behind a single paced worker; the
// caches sit above it so repeated reads within the same tick never burden
// the queue more than once per TTL window.
func New(
	cfg Config,
	master core.IExchangeClient,
	masterQueue *mastercallqueue.Queue,
	credStore core.ICredentialStore,
	stateStore core.IStateStore,
	tradeOps *tradeops.TradeOps,
	notifier core.INotifier,
	logger core.ILogger,
	clientFor ExchangeClientFactory,
	positionsCacheTTL, openOrdersCacheTTL, balanceCacheTTL, upstreamTimeout time.Duration,
) *Engine {
	return &Engine{
		cfg:             cfg,
		master:          master,
		masterQueue:     masterQueue,
		credStore:       credStore,
		stateStore:      stateStore,
		tradeOps:        tradeOps,
		notifier:        notifier,
		logger:          logger.WithField("component", "syncengine"),
		clientFor:       clientFor,
		state:           tradeOps.State(),
		positionsCache:  cache.NewSingle[[]core.Position]("master_positions", positionsCacheTTL, upstreamTimeout),
		openOrdersCache: cache.NewKeyed[core.Symbol, openOrdersResult]("open_orders", openOrdersCacheTTL, upstreamTimeout),
		masterBalCache:  cache.NewSingle[core.Balance]("master_balance", balanceCacheTTL, upstreamTimeout),
		events:          make(chan core.SyncEvent, cfg.EventQueueCapacity),
	}
}

// State exposes the engine's live MirrorState, e.g. for the caller's
// state-save callback passed to tradeops.New.
func (e *Engine) State() *core.MirrorState {
	return e.state
}

// Start loads the persisted snapshot, loads the follower list, and
// reconciles every follower's live positions against the snapshot before the
// main loop and refreshers begin. The caches start empty. Call this once before wiring e.Run/e.RunWorkers into
// bootstrap.App.Run.
func (e *Engine) Start(ctx context.Context) error {
	snapshot, err := e.stateStore.Load(ctx)
	if err != nil {
		return err
	}
	e.state.LoadSnapshot(snapshot)

	_, followers, err := e.credStore.Load(ctx)
	if err != nil {
		return err
	}
	e.applyFollowers(followers)

	e.reconcileFollowers(ctx)
	return nil
}

func (e *Engine) applyFollowers(followers []core.Follower) {
	handles := make([]tradeops.FollowerHandle, 0, len(followers))
	for _, f := range followers {
		handles = append(handles, tradeops.FollowerHandle{
			Follower: f,
			Client:   e.clientFor(f.Credential, f.Name),
		})
	}
	e.mu.Lock()
	e.followers = handles
	e.mu.Unlock()

	e.tradeOps.UpdateFollowers(handles)
	telemetry.GetGlobalMetrics().SetFollowersTotal(int64(len(handles)))
}

// snapshotFollowers returns a copy of the current follower handle list.
func (e *Engine) snapshotFollowers() []tradeops.FollowerHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]tradeops.FollowerHandle, len(e.followers))
	copy(out, e.followers)
	return out
}

// reconcileFollowers fetches each follower's live exchange positions once at
// startup and overwrites the persisted follower_positions with what the
// exchange actually reports, logging any drift. This only runs once, before
// the poll loop starts.
func (e *Engine) reconcileFollowers(ctx context.Context) {
	for _, h := range e.snapshotFollowers() {
		positions, err := h.Client.GetPositions(ctx)
		if err != nil {
			e.logger.Error("reconciliation: failed to fetch follower positions", "follower", h.Follower.Name, "error", err)
			continue
		}

		live := make(core.FollowerPositions, len(positions))
		for _, p := range positions {
			if p.IsFlat() {
				continue
			}
			live[p.Symbol] = p.Quantity
		}

		e.state.Lock()
		persisted := e.state.FollowerPositions[h.Follower.Name]
		if !positionsEqual(persisted, live) {
			e.logger.Warn("reconciliation: follower position drift detected", "follower", h.Follower.Name,
				"persisted", persisted, "live", live)
		}
		if len(live) > 0 {
			e.state.FollowerPositions[h.Follower.Name] = live
		} else {
			delete(e.state.FollowerPositions, h.Follower.Name)
		}
		e.state.Unlock()
	}
}

func positionsEqual(a, b core.FollowerPositions) bool {
	if len(a) != len(b) {
		return false
	}
	for sym, qty := range a {
		other, ok := b[sym]
		if !ok || !other.Equal(qty) {
			return false
		}
	}
	return true
}

func (e *Engine) saveState(ctx context.Context) error {
	return e.stateStore.Save(ctx, e.state.ToSnapshot())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run implements bootstrap.Runner: the ~100ms poll-diff-dispatch loop that
// watches the master account and dispatches mirrored trades. It exits when
// ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync loop starting", "poll_interval", e.cfg.PollInterval)
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		if err := e.tick(ctx); err != nil {
			e.logger.Error("sync tick failed", "error", err)
			e.notifier.Notify(ctx, "🚨 sync loop error: "+err.Error())
			if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
				return nil
			}
			continue
		}

		if metrics := telemetry.GetGlobalMetrics(); metrics.SyncLoopLatencyMS != nil {
			metrics.SyncLoopLatencyMS.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
		}

		if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

func (e *Engine) tick(ctx context.Context) error {
	positions, err := e.positionsCache.Get(ctx, func(ctx context.Context) ([]core.Position, error) {
		result, err := e.masterQueue.Enqueue(ctx, func(ctx context.Context) (any, error) {
			return e.master.GetPositions(ctx)
		})
		if err != nil {
			return nil, err
		}
		return result.([]core.Position), nil
	})
	if err != nil {
		return err
	}

	openNow := make(map[core.Symbol]core.Position, len(positions))
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		openNow[p.Symbol] = p

		if p.Leverage <= 0 {
			continue
		}

		if err := e.processOpenPosition(ctx, p); err != nil {
			e.logger.Warn("failed to process master position", "symbol", string(p.Symbol), "error", err)
		}
	}

	e.detectFullCloses(ctx, openNow)

	e.state.Lock()
	e.state.LastPositions = openNow
	e.state.Unlock()
	return e.saveState(ctx)
}

func (e *Engine) processOpenPosition(ctx context.Context, p core.Position) error {
	orders, err := e.openOrdersCache.Get(ctx, p.Symbol, func(ctx context.Context) (openOrdersResult, error) {
		result, err := e.masterQueue.Enqueue(ctx, func(ctx context.Context) (any, error) {
			tp, sl, leverage, err := e.master.GetOpenOrders(ctx, p.Symbol)
			if err != nil {
				return nil, err
			}
			return openOrdersResult{TakeProfit: tp, StopLoss: sl, Leverage: leverage}, nil
		})
		if err != nil {
			return openOrdersResult{}, err
		}
		return result.(openOrdersResult), nil
	})
	if err != nil {
		return err
	}

	masterBalance, err := e.masterBalCache.Get(ctx, func(ctx context.Context) (core.Balance, error) {
		result, err := e.masterQueue.Enqueue(ctx, func(ctx context.Context) (any, error) {
			return e.master.GetBalance(ctx, e.cfg.QuoteAsset)
		})
		if err != nil {
			return core.Balance{}, err
		}
		return result.(core.Balance), nil
	})
	if err != nil {
		return err
	}

	masterPct := e.masterPct(p, masterBalance)

	e.state.Lock()
	prev, hadPrev := e.state.LastPositions[p.Symbol]
	_, copied := e.state.CopiedTrades[p.Symbol]
	e.state.Unlock()

	if hadPrev && prev.Quantity.Sign() > 0 && p.Quantity.LessThan(prev.Quantity.Mul(e.cfg.PartialCloseThreshold)) {
		closedPct := prev.Quantity.Sub(p.Quantity).Div(prev.Quantity)
		positionSide := p.Side
		e.tradeOps.ClosePartial(ctx, p.Symbol, closedPct, positionSide)
	}

	if !copied {
		event := core.SyncEvent{
			Symbol:       p.Symbol,
			Side:         core.OpenSideFor(p.Side),
			PositionSide: p.Side,
			MasterPct:    masterPct,
			Price:        p.MarkPrice,
			Leverage:     orders.Leverage,
			MarginMode:   p.MarginMode,
			TakeProfit:   orders.TakeProfit,
			StopLoss:     orders.StopLoss,
		}
		if event.Leverage <= 0 {
			event.Leverage = p.Leverage
		}

		e.state.Lock()
		e.state.CopiedTrades[p.Symbol] = true
		e.state.Unlock()
		if err := e.saveState(ctx); err != nil {
			e.logger.Error("failed to persist state after marking copied", "symbol", string(p.Symbol), "error", err)
		}

		select {
		case e.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (e *Engine) masterPct(p core.Position, balance core.Balance) decimal.Decimal {
	return sizer.MasterPctByAvailableMargin(p.PositionValue, p.Leverage, balance.Available)
}

func (e *Engine) detectFullCloses(ctx context.Context, openNow map[core.Symbol]core.Position) {
	e.state.Lock()
	var closed []core.Symbol
	for symbol := range e.state.LastPositions {
		if _, stillOpen := openNow[symbol]; !stillOpen {
			closed = append(closed, symbol)
		}
	}
	e.state.Unlock()

	for _, symbol := range closed {
		e.tradeOps.CloseAll(ctx, symbol)
		e.state.Lock()
		delete(e.state.CopiedTrades, symbol)
		e.state.Unlock()
	}

	if len(closed) > 0 {
		if err := e.saveState(ctx); err != nil {
			e.logger.Error("failed to persist state after full closes", "error", err)
		}
	}
}

// RunWorkers implements bootstrap.Runner: a fixed pool of workers drains the
// event queue into TradeOps.Open, one event per worker at a time.
func (e *Engine) RunWorkers(ctx context.Context) error {
	e.logger.Info("sync worker pool starting", "workers", e.cfg.WorkerPoolSize)

	done := make(chan struct{})
	for i := 0; i < e.cfg.WorkerPoolSize; i++ {
		go e.worker(ctx, i, done)
	}

	<-ctx.Done()
	for i := 0; i < e.cfg.WorkerPoolSize; i++ {
		<-done
	}
	return nil
}

func (e *Engine) worker(ctx context.Context, id int, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	log := e.logger.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.events:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("worker panic recovered", "panic", r, "correlation_id", uuid.NewString())
					}
				}()
				e.tradeOps.Open(ctx, event)
			}()
		}
	}
}
