package syncengine

import (
	"context"
	"time"

	"copytrader/internal/core"
)

// CredentialRefresher periodically reloads the master/follower credential
// store and pushes the resulting follower list into the Engine, picking up
// newly added or removed followers without a restart.
type CredentialRefresher struct {
	engine *Engine
	every  time.Duration
	logger core.ILogger
}

// NewCredentialRefresher builds a refresher that reloads every interval
// (default: 2000s).
func NewCredentialRefresher(engine *Engine, every time.Duration, logger core.ILogger) *CredentialRefresher {
	return &CredentialRefresher{
		engine: engine,
		every:  every,
		logger: logger.WithField("component", "credential_refresher"),
	}
}

// Run implements bootstrap.Runner.
func (r *CredentialRefresher) Run(ctx context.Context) error {
	for {
		if err := sleepCtx(ctx, r.every); err != nil {
			return nil
		}

		_, followers, err := r.engine.credStore.Load(ctx)
		if err != nil {
			r.logger.Error("failed to reload credentials", "error", err)
			continue
		}

		r.engine.applyFollowers(followers)
		r.logger.Info("reloaded followers", "count", len(followers))
	}
}

// BalanceRefresher periodically reloads every follower's balance,
// sequentially with a fixed inter-call delay to stay within follower-side
// rate limits, and pushes the resulting map into TradeOps.
type BalanceRefresher struct {
	engine  *Engine
	every   time.Duration
	callGap time.Duration
	quote   string
	logger  core.ILogger
}

// NewBalanceRefresher builds a refresher that reloads every interval
// (default: 600s), pausing callGap (default 1.5s) between individual
// follower calls.
func NewBalanceRefresher(engine *Engine, every, callGap time.Duration, quoteAsset string, logger core.ILogger) *BalanceRefresher {
	return &BalanceRefresher{
		engine:  engine,
		every:   every,
		callGap: callGap,
		quote:   quoteAsset,
		logger:  logger.WithField("component", "balance_refresher"),
	}
}

// Run implements bootstrap.Runner. It also performs one preload pass before
// the first sleep, so TradeOps has balances available immediately at boot
// rather than waiting a full interval.
func (r *BalanceRefresher) Run(ctx context.Context) error {
	r.preload(ctx)
	for {
		if err := sleepCtx(ctx, r.every); err != nil {
			return nil
		}
		r.preload(ctx)
	}
}

func (r *BalanceRefresher) preload(ctx context.Context) {
	followers := r.engine.snapshotFollowers()
	handles := make([]followerClientHandle, len(followers))
	for i, h := range followers {
		handles[i] = followerClientHandle{name: h.Follower.Name, client: h.Client}
	}

	balances := make(map[string]core.Balance, len(handles))
	for i, h := range handles {
		balance, err := h.client.GetBalance(ctx, r.quote)
		if err != nil {
			r.logger.Warn("failed to refresh follower balance", "follower", h.name, "error", err)
			balances[h.name] = core.Balance{}
		} else {
			balances[h.name] = balance
		}

		if i < len(handles)-1 {
			if err := sleepCtx(ctx, r.callGap); err != nil {
				return
			}
		}
	}

	r.engine.tradeOps.UpdateBalances(balances)
	r.logger.Info("refreshed follower balances", "count", len(balances))
}

type followerClientHandle struct {
	name   string
	client core.IExchangeClient
}
