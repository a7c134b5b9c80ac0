package exchangeclient

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"copytrader/internal/core"
)

// positionDTO is the wire shape of a single entry in GET /openApi/swap/v2/user/positions.
type positionDTO struct {
	Symbol        string `json:"symbol"`
	PositionSide  string `json:"positionSide"`
	PositionAmt   string `json:"positionAmt"`
	MarkPrice     string `json:"markPrice"`
	PositionValue string `json:"positionValue"`
	Leverage      string `json:"leverage"`
	MarginType    string `json:"marginType"`
	TakeProfit    string `json:"takeProfit"`
	StopLoss      string `json:"stopLoss"`
	UnrealizedPNL string `json:"unrealizedProfit"`
}

func (p positionDTO) toPosition() core.Position {
	marginMode := core.MarginModeCross
	if strings.EqualFold(p.MarginType, "ISOLATED") {
		marginMode = core.MarginModeIsolated
	}

	return core.Position{
		Symbol:        core.Symbol(p.Symbol),
		Side:          core.PositionSide(strings.ToUpper(p.PositionSide)),
		Quantity:      parseDecimal(p.PositionAmt).Abs(),
		MarkPrice:     parseDecimal(p.MarkPrice),
		PositionValue: parseDecimal(p.PositionValue),
		Leverage:      parseLeverage(p.Leverage),
		MarginMode:    marginMode,
		TakeProfit:    parseDecimal(p.TakeProfit),
		StopLoss:      parseDecimal(p.StopLoss),
		UnrealizedPNL: parseDecimal(p.UnrealizedPNL),
	}
}

// orderDTO is the wire shape of a single entry in GET .../trade/openOrders.
type orderDTO struct {
	Symbol    string `json:"symbol"`
	Type      string `json:"type"`
	StopPrice string `json:"stopPrice"`
	Leverage  string `json:"leverage"`
}

// balanceDTO is the wire shape of a single asset entry in GET .../user/balance.
type balanceDTO struct {
	Asset          string `json:"asset"`
	AvailableMargin string `json:"availableMargin"`
	Equity         string `json:"equity"`
	UsedMargin     string `json:"usedMargin"`
	Balance        string `json:"balance"`
}

func (b balanceDTO) toBalance() core.Balance {
	return core.Balance{
		Asset:     b.Asset,
		Available: parseDecimal(b.AvailableMargin),
		Equity:    parseDecimal(b.Equity),
		Used:      parseDecimal(b.UsedMargin),
		Total:     parseDecimal(b.Balance),
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseLeverage(s string) int {
	s = strings.TrimSuffix(strings.ToUpper(s), "X")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
