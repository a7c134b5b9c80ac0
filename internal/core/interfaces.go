package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging surface every component depends on.
// Implemented by pkg/logging.ZapLogger.
type ILogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithField(key string, value any) ILogger
	WithFields(fields map[string]any) ILogger
}

// IExchangeClient is the signed-REST boundary to a single exchange account,
// used for both the master and every follower. A single implementation talks
// to the exchange; the master's calls are additionally funneled through a
// MasterCallQueue by the caller, not by the client itself.
type IExchangeClient interface {
	// GetPositions returns every open position on the account.
	GetPositions(ctx context.Context) ([]Position, error)

	// GetOpenOrders returns TP/SL order parameters standing on symbol.
	GetOpenOrders(ctx context.Context, symbol Symbol) (takeProfit, stopLoss decimal.Decimal, leverage int, err error)

	// GetBalance returns the account's balance for asset.
	GetBalance(ctx context.Context, asset string) (Balance, error)

	// OpenTrade submits a market order opening side/positionSide at quantity.
	OpenTrade(ctx context.Context, symbol Symbol, side OrderSide, positionSide PositionSide, quantity decimal.Decimal) error

	// ClosePositionPartially reduces an open position by quantity.
	ClosePositionPartially(ctx context.Context, symbol Symbol, side OrderSide, positionSide PositionSide, quantity decimal.Decimal) error

	// CloseAllPositions flattens every position on symbol.
	CloseAllPositions(ctx context.Context, symbol Symbol) error

	// SetLeverage sets the account's leverage for symbol/positionSide.
	SetLeverage(ctx context.Context, symbol Symbol, leverage int, positionSide PositionSide) error

	// SetMarginMode sets cross/isolated margin for symbol.
	SetMarginMode(ctx context.Context, symbol Symbol, mode MarginMode) error
}

// ICredentialStore resolves the master and follower API credentials the
// engine needs at boot and on each periodic refresh. Encryption-at-rest
// internals are an external, out-of-scope concern; this interface only
// describes what the rest of the engine needs from it.
type ICredentialStore interface {
	Load(ctx context.Context) (master APICredential, followers []Follower, err error)
}

// IStateStore durably persists and restores a MirrorState document.
type IStateStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// INotifier delivers a single best-effort, fire-and-forget message to an
// operator-facing channel. HTML-flavored markup is allowed in text.
type INotifier interface {
	Notify(ctx context.Context, text string)
}
