// Package tradeops mirrors master trade events onto every active follower,
// in fixed-size batches with a pause between batches so a single poll tick
// never floods the exchange with follower calls. It never imports
// syncengine: the follower list, balances, and state persistence are all
// injected, breaking the cyclic reference between the two packages.
package tradeops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"copytrader/internal/core"
	"copytrader/internal/sizer"
	"copytrader/pkg/concurrency"
	"copytrader/pkg/telemetry"
)

const quantityPrecision = 8

var minCloseAmount = decimal.RequireFromString("0.000001")

// BatchConfig controls how follower fan-out is chunked. Defaults: 10
// followers per open batch, 7 per close batch, with a one second pause
// between batches.
type BatchConfig struct {
	OpenBatchSize  int
	CloseBatchSize int
	InterBatchGap  time.Duration
}

// DefaultBatchConfig returns the default batch sizes and inter-batch gap.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{OpenBatchSize: 10, CloseBatchSize: 7, InterBatchGap: time.Second}
}

// FollowerHandle pairs a follower with the exchange client that talks to
// their account.
type FollowerHandle struct {
	Follower core.Follower
	Client   core.IExchangeClient
}

// SaveStateFunc persists the current MirrorState snapshot.
type SaveStateFunc func(ctx context.Context) error

// TradeOps executes open/close_all/close_partial against every follower.
type TradeOps struct {
	state     *core.MirrorState
	notifier  core.INotifier
	saveState SaveStateFunc
	logger    core.ILogger
	batch     BatchConfig

	mu        sync.RWMutex
	followers []FollowerHandle
	balances  map[string]core.Balance
}

// New builds a TradeOps against the shared MirrorState. followers and
// balances start empty and must be populated via UpdateFollowers/
// UpdateBalances before Open can mirror anything.
func New(state *core.MirrorState, notifier core.INotifier, saveState SaveStateFunc, logger core.ILogger, batch BatchConfig) *TradeOps {
	return &TradeOps{
		state:     state,
		notifier:  notifier,
		saveState: saveState,
		logger:    logger.WithField("component", "tradeops"),
		batch:     batch,
		balances:  make(map[string]core.Balance),
	}
}

// State returns the MirrorState this TradeOps mutates, so callers that wire
// TradeOps and syncengine.Engine together can share the exact same instance.
func (t *TradeOps) State() *core.MirrorState {
	return t.state
}

// UpdateFollowers replaces the active follower list and their clients. Safe
// to call concurrently with in-flight Open/CloseAll/ClosePartial calls.
func (t *TradeOps) UpdateFollowers(handles []FollowerHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.followers = handles
}

// UpdateBalances replaces the last-known balance for every follower, keyed
// by follower name.
func (t *TradeOps) UpdateBalances(balances map[string]core.Balance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = balances
}

func (t *TradeOps) snapshotFollowers() []FollowerHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]FollowerHandle, len(t.followers))
	copy(out, t.followers)
	return out
}

func (t *TradeOps) balanceFor(name string) (core.Balance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.balances[name]
	return b, ok
}

// followersHolding returns the subset of the current follower list whose
// stored position on symbol is still positive.
func (t *TradeOps) followersHolding(symbol core.Symbol) []FollowerHandle {
	handles := t.snapshotFollowers()
	t.state.Lock()
	defer t.state.Unlock()
	out := make([]FollowerHandle, 0, len(handles))
	for _, h := range handles {
		if qty, ok := t.state.FollowerPositions[h.Follower.Name][symbol]; ok && qty.Sign() > 0 {
			out = append(out, h)
		}
	}
	return out
}

// notify logs text and forwards it to the notifier; the notifier is
// fire-and-forget, so a delivery failure never affects the caller.
func (t *TradeOps) notify(ctx context.Context, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	t.logger.Info(text)
	t.notifier.Notify(ctx, text)
}

// runBatches splits handles into fixed-size batches, running every handle
// within a batch concurrently on a shared worker pool, and waits gap
// between batches.
func runBatches(ctx context.Context, logger core.ILogger, handles []FollowerHandle, batchSize int, gap time.Duration, work func(ctx context.Context, h FollowerHandle)) {
	if len(handles) == 0 {
		return
	}
	if batchSize <= 0 {
		batchSize = len(handles)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "tradeops_batch",
		MaxWorkers: batchSize,
	}, logger)
	defer pool.Stop()

	for i := 0; i < len(handles); i += batchSize {
		end := i + batchSize
		if end > len(handles) {
			end = len(handles)
		}
		batch := handles[i:end]

		var wg sync.WaitGroup
		for _, h := range batch {
			h := h
			wg.Add(1)
			pool.Submit(func() {
				defer wg.Done()
				work(ctx, h)
			})
		}
		wg.Wait()

		if end < len(handles) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(gap):
			}
		}
	}
}

// Open mirrors a newly-detected master position onto every follower.
func (t *TradeOps) Open(ctx context.Context, event core.SyncEvent) {
	correlationID := uuid.NewString()
	log := t.logger.WithField("correlation_id", correlationID).WithField("symbol", string(event.Symbol))
	log.Info("opening mirrored position", "master_pct", event.MasterPct.String(), "leverage", event.Leverage)

	runBatches(ctx, t.logger, t.snapshotFollowers(), t.batch.OpenBatchSize, t.batch.InterBatchGap, func(ctx context.Context, h FollowerHandle) {
		t.openForFollower(ctx, h, event, log)
	})

	t.state.Lock()
	t.state.CopiedTrades[event.Symbol] = true
	t.state.Unlock()
	if err := t.saveState(ctx); err != nil {
		log.Error("failed to persist state after open", "error", err)
	}
}

func (t *TradeOps) openForFollower(ctx context.Context, h FollowerHandle, event core.SyncEvent, log core.ILogger) {
	name := h.Follower.Name

	balance, ok := t.balanceFor(name)
	if !ok || balance.Available.Sign() <= 0 {
		log.Warn("insufficient balance, skipping open", "follower", name)
		t.notify(ctx, "⚠️ %s has no available balance, skipping %s", name, event.Symbol)
		return
	}

	qty := sizer.QuantityFromPct(event.MasterPct, balance.Available, event.Price, event.Leverage, quantityPrecision)
	if qty.Sign() <= 0 {
		log.Warn("computed non-positive quantity, skipping open", "follower", name)
		return
	}

	// Best-effort: a rejected leverage/margin-mode change never blocks the
	// open itself, matching how the master's own trade flow treats them.
	if err := h.Client.SetLeverage(ctx, event.Symbol, event.Leverage, event.PositionSide); err != nil {
		log.Warn("set leverage failed, continuing with open", "follower", name, "error", err)
		t.notify(ctx, "⚠️ failed to set leverage for %s on %s: %v", name, event.Symbol, err)
	}
	if err := h.Client.SetMarginMode(ctx, event.Symbol, event.MarginMode); err != nil {
		log.Warn("set margin mode failed, continuing with open", "follower", name, "error", err)
		t.notify(ctx, "⚠️ failed to set margin mode for %s on %s: %v", name, event.Symbol, err)
	}

	t.state.Lock()
	existing, alreadyOpen := t.state.FollowerPositions[name][event.Symbol]
	t.state.Unlock()
	if alreadyOpen && existing.Sign() > 0 {
		t.notify(ctx, "ℹ️ %s already holds a position on %s, not opening again", name, event.Symbol)
		return
	}

	side := core.OpenSideFor(event.PositionSide)
	if err := h.Client.OpenTrade(ctx, event.Symbol, side, event.PositionSide, qty); err != nil {
		log.Warn("open failed", "follower", name, "error", err)
		t.notify(ctx, "⚠️ open failed for %s on %s: %v", name, event.Symbol, err)
		return
	}

	t.state.Lock()
	if t.state.FollowerPositions[name] == nil {
		t.state.FollowerPositions[name] = make(core.FollowerPositions)
	}
	t.state.FollowerPositions[name][event.Symbol] = qty
	t.state.Unlock()

	if err := t.saveState(ctx); err != nil {
		log.Error("failed to persist state after follower open", "follower", name, "error", err)
	}

	if metrics := telemetry.GetGlobalMetrics(); metrics.TradesOpenedTotal != nil {
		metrics.TradesOpenedTotal.Add(ctx, 1)
	}
	t.notify(ctx, "✅ opened %s on %s for %s, qty %s", event.Symbol, side, name, qty.String())
}

// CloseAll flattens symbol on every follower currently holding it.
func (t *TradeOps) CloseAll(ctx context.Context, symbol core.Symbol) {
	if !t.state.BeginClose(symbol) {
		return
	}
	defer t.state.EndClose(symbol)

	log := t.logger.WithField("symbol", string(symbol))
	t.notify(ctx, "🔴 closing %s for all followers", symbol)

	runBatches(ctx, t.logger, t.followersHolding(symbol), t.batch.CloseBatchSize, t.batch.InterBatchGap, func(ctx context.Context, h FollowerHandle) {
		t.closeAllForFollower(ctx, h, symbol, log)
	})

	t.state.Lock()
	delete(t.state.LastPositions, symbol)
	t.state.Unlock()
	if err := t.saveState(ctx); err != nil {
		log.Error("failed to persist state after close_all", "error", err)
	}
}

func (t *TradeOps) closeAllForFollower(ctx context.Context, h FollowerHandle, symbol core.Symbol, log core.ILogger) {
	name := h.Follower.Name

	if err := h.Client.CloseAllPositions(ctx, symbol); err != nil {
		log.Error("close_all failed", "follower", name, "error", err)
		t.notify(ctx, "❌ failed to close %s for %s: %v", symbol, name, err)
		return
	}

	t.state.Lock()
	if positions := t.state.FollowerPositions[name]; positions != nil {
		delete(positions, symbol)
		if len(positions) == 0 {
			delete(t.state.FollowerPositions, name)
		}
	}
	t.state.Unlock()

	if err := t.saveState(ctx); err != nil {
		log.Error("failed to persist state after follower close", "follower", name, "error", err)
	}

	if metrics := telemetry.GetGlobalMetrics(); metrics.TradesClosedTotal != nil {
		metrics.TradesClosedTotal.Add(ctx, 1)
	}
	t.notify(ctx, "✅ closed %s for %s", symbol, name)
}

// ClosePartial reduces every follower's position on symbol by the same
// fraction the master just closed.
func (t *TradeOps) ClosePartial(ctx context.Context, symbol core.Symbol, masterClosedPct decimal.Decimal, positionSide core.PositionSide) {
	if !t.state.BeginClose(symbol) {
		return
	}
	defer t.state.EndClose(symbol)

	log := t.logger.WithField("symbol", string(symbol))
	t.notify(ctx, "🔻 partially closing %s, pct %s", symbol, masterClosedPct.StringFixed(4))

	side := core.CloseSideFor(positionSide)
	runBatches(ctx, t.logger, t.followersHolding(symbol), t.batch.CloseBatchSize, t.batch.InterBatchGap, func(ctx context.Context, h FollowerHandle) {
		t.closePartialForFollower(ctx, h, symbol, side, positionSide, masterClosedPct, log)
	})
}

func (t *TradeOps) closePartialForFollower(ctx context.Context, h FollowerHandle, symbol core.Symbol, side core.OrderSide, positionSide core.PositionSide, masterClosedPct decimal.Decimal, log core.ILogger) {
	name := h.Follower.Name

	t.state.Lock()
	storedQty := t.state.FollowerPositions[name][symbol]
	t.state.Unlock()

	closeAmount := storedQty.Mul(masterClosedPct)
	if closeAmount.LessThan(minCloseAmount) {
		return
	}

	if err := h.Client.ClosePositionPartially(ctx, symbol, side, positionSide, closeAmount); err != nil {
		log.Warn("partial close failed", "follower", name, "error", err)
		t.notify(ctx, "⚠️ partial close failed for %s on %s: %v", name, symbol, err)
		return
	}

	t.state.Lock()
	remaining := storedQty.Sub(closeAmount)
	if remaining.Sign() <= 0 {
		delete(t.state.FollowerPositions[name], symbol)
		if len(t.state.FollowerPositions[name]) == 0 {
			delete(t.state.FollowerPositions, name)
		}
	} else {
		t.state.FollowerPositions[name][symbol] = remaining
	}
	t.state.Unlock()

	if err := t.saveState(ctx); err != nil {
		log.Error("failed to persist state after partial close", "follower", name, "error", err)
	}

	if metrics := telemetry.GetGlobalMetrics(); metrics.TradesClosedTotal != nil {
		metrics.TradesClosedTotal.Add(ctx, 1)
	}
	remainingPct := decimal.NewFromInt(1).Sub(masterClosedPct).Mul(decimal.NewFromInt(100))
	t.notify(ctx, "✅ partial close complete for %s on %s, %s%% remaining", name, symbol, remainingPct.StringFixed(0))
}
