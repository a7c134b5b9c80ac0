// Package exchangeclient implements the signed REST boundary to a single
// perpetual-futures exchange account, used identically for the master and
// every follower.
package exchangeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/core"
	pkghttp "copytrader/pkg/http"
	"copytrader/pkg/telemetry"
)

const (
	pathPositions       = "/openApi/swap/v2/user/positions"
	pathOpenOrders      = "/openApi/swap/v2/trade/openOrders"
	pathBalance         = "/openApi/swap/v3/user/balance"
	pathOrder           = "/openApi/swap/v2/trade/order"
	pathCloseAll        = "/openApi/swap/v2/trade/closeAllPositions"
	pathLeverage        = "/openApi/swap/v2/trade/leverage"
	pathMarginType      = "/openApi/swap/v2/trade/marginType"
	initialRateLimitWait = time.Second
	maxRateLimitWait     = 10 * time.Second
)

// Client implements core.IExchangeClient against the BingX perpetual swap
// API. Rate-limit (429) backoff doubles on every consecutive throttle and
// caps at 10 seconds, resetting to 1 second after any successful HTTP response —
// this sits above pkg/http.Client's own failsafe-go retry/circuit-breaker
// pipeline, which handles network errors and 5xx responses.
type Client struct {
	http       *pkghttp.Client
	maxRetries int
	account    string

	rateLimitWait time.Duration
}

// NewClient builds a Client for a single account's credential, signing every
// request with that account's API key and secret. account labels the
// exchange-call metrics emitted by this client (e.g. "master" or a
// follower's display name).
func NewClient(cfg core.APICredential, baseURL string, recvWindowMS, maxRetries int, requestTimeout time.Duration, account string) *Client {
	signer := newHMACSigner(cfg.APIKey, cfg.SecretKey, recvWindowMS)
	return &Client{
		http:          pkghttp.NewClient(baseURL, requestTimeout, signer),
		maxRetries:    maxRetries,
		account:       account,
		rateLimitWait: initialRateLimitWait,
	}
}

// call executes fn, retrying on HTTP 429 with doubling backoff capped at
// maxRateLimitWait, up to maxRetries attempts. endpoint labels the resulting
// exchange-call metric.
func (c *Client) call(ctx context.Context, endpoint string, fn func() ([]byte, error)) (envelope, error) {
	var last error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		start := time.Now()
		body, err := fn()
		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0

		if err == nil {
			telemetry.GetGlobalMetrics().RecordExchangeCall(ctx, c.account, endpoint, latencyMS, nil)
			c.rateLimitWait = initialRateLimitWait
			var env envelope
			if uerr := json.Unmarshal(body, &env); uerr != nil {
				return envelope{}, fmt.Errorf("decode response: %w", uerr)
			}
			return env, nil
		}

		telemetry.GetGlobalMetrics().RecordExchangeCall(ctx, c.account, endpoint, latencyMS, err)

		var apiErr *pkghttp.APIError
		if !asAPIError(err, &apiErr) || apiErr.StatusCode != 429 {
			return envelope{}, err
		}

		last = err
		wait := c.rateLimitWait
		if wait > maxRateLimitWait {
			wait = maxRateLimitWait
		}
		c.rateLimitWait = capDuration(c.rateLimitWait*2, maxRateLimitWait)

		select {
		case <-ctx.Done():
			return envelope{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return envelope{}, fmt.Errorf("exhausted retries: %w", last)
}

func asAPIError(err error, target **pkghttp.APIError) bool {
	apiErr, ok := err.(*pkghttp.APIError)
	if !ok {
		return false
	}
	*target = apiErr
	return true
}

func capDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// GetPositions implements core.IExchangeClient.
func (c *Client) GetPositions(ctx context.Context) ([]core.Position, error) {
	env, err := c.call(ctx, "get_positions", func() ([]byte, error) {
		return c.http.Get(ctx, pathPositions, nil)
	})
	if err != nil {
		return nil, err
	}
	if err := env.err(); err != nil {
		return nil, err
	}

	var raw []positionDTO
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	positions := make([]core.Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, p.toPosition())
	}
	return positions, nil
}

// GetOpenOrders implements core.IExchangeClient.
func (c *Client) GetOpenOrders(ctx context.Context, symbol core.Symbol) (decimal.Decimal, decimal.Decimal, int, error) {
	env, err := c.call(ctx, "get_open_orders", func() ([]byte, error) {
		return c.http.Get(ctx, pathOpenOrders, map[string]string{"symbol": string(symbol)})
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, 0, err
	}
	if err := env.err(); err != nil {
		return decimal.Zero, decimal.Zero, 0, err
	}

	var data struct {
		Orders []orderDTO `json:"orders"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return decimal.Zero, decimal.Zero, 0, fmt.Errorf("decode open orders: %w", err)
	}

	var takeProfit, stopLoss decimal.Decimal
	var leverage int
	for _, o := range data.Orders {
		if core.Symbol(o.Symbol) != symbol {
			continue
		}
		if leverage == 0 && o.Leverage != "" {
			leverage = parseLeverage(o.Leverage)
		}
		switch o.Type {
		case "TAKE_PROFIT_MARKET":
			takeProfit = parseDecimal(o.StopPrice)
		case "STOP_MARKET":
			stopLoss = parseDecimal(o.StopPrice)
		}
	}
	return takeProfit, stopLoss, leverage, nil
}

// GetBalance implements core.IExchangeClient.
func (c *Client) GetBalance(ctx context.Context, asset string) (core.Balance, error) {
	env, err := c.call(ctx, "get_balance", func() ([]byte, error) {
		return c.http.Get(ctx, pathBalance, nil)
	})
	if err != nil {
		return core.Balance{}, err
	}
	if err := env.err(); err != nil {
		return core.Balance{}, err
	}

	var raw []balanceDTO
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		// BingX sometimes wraps balance in a single object rather than a list.
		var single balanceDTO
		if serr := json.Unmarshal(env.Data, &single); serr != nil {
			return core.Balance{}, fmt.Errorf("decode balance: %w", err)
		}
		raw = []balanceDTO{single}
	}

	for _, b := range raw {
		if b.Asset == asset {
			return b.toBalance(), nil
		}
	}
	return core.Balance{}, fmt.Errorf("no balance entry for asset %s", asset)
}

// OpenTrade implements core.IExchangeClient.
func (c *Client) OpenTrade(ctx context.Context, symbol core.Symbol, side core.OrderSide, positionSide core.PositionSide, quantity decimal.Decimal) error {
	env, err := c.call(ctx, "open_trade", func() ([]byte, error) {
		return c.http.PostForm(ctx, pathOrder, map[string]string{
			"symbol":       string(symbol),
			"side":         string(side),
			"positionSide": string(positionSide),
			"type":         "MARKET",
			"quantity":     quantity.StringFixed(8),
		})
	})
	if err != nil {
		return err
	}
	return env.err()
}

// ClosePositionPartially implements core.IExchangeClient.
func (c *Client) ClosePositionPartially(ctx context.Context, symbol core.Symbol, side core.OrderSide, positionSide core.PositionSide, quantity decimal.Decimal) error {
	env, err := c.call(ctx, "close_position_partially", func() ([]byte, error) {
		return c.http.PostForm(ctx, pathOrder, map[string]string{
			"symbol":       string(symbol),
			"side":         string(side),
			"positionSide": string(positionSide),
			"type":         "MARKET",
			"quantity":     quantity.StringFixed(8),
		})
	})
	if err != nil {
		return err
	}
	return env.err()
}

// CloseAllPositions implements core.IExchangeClient.
func (c *Client) CloseAllPositions(ctx context.Context, symbol core.Symbol) error {
	env, err := c.call(ctx, "close_all_positions", func() ([]byte, error) {
		return c.http.PostForm(ctx, pathCloseAll, map[string]string{"symbol": string(symbol)})
	})
	if err != nil {
		return err
	}
	return env.err()
}

// SetLeverage implements core.IExchangeClient.
func (c *Client) SetLeverage(ctx context.Context, symbol core.Symbol, leverage int, positionSide core.PositionSide) error {
	env, err := c.call(ctx, "set_leverage", func() ([]byte, error) {
		return c.http.PostForm(ctx, pathLeverage, map[string]string{
			"symbol": string(symbol),
			"side":   string(positionSide),
			"leverage": fmt.Sprintf("%d", leverage),
		})
	})
	if err != nil {
		return err
	}
	return env.err()
}

// SetMarginMode implements core.IExchangeClient.
func (c *Client) SetMarginMode(ctx context.Context, symbol core.Symbol, mode core.MarginMode) error {
	marginType := "ISOLATED"
	if mode == core.MarginModeCross {
		marginType = "CROSSED"
	}

	env, err := c.call(ctx, "set_margin_mode", func() ([]byte, error) {
		return c.http.PostForm(ctx, pathMarginType, map[string]string{
			"symbol":     string(symbol),
			"marginType": marginType,
		})
	})
	if err != nil {
		return err
	}
	return env.err()
}
