// Package sizer computes how large a follower's mirrored position should be,
// as a pure function of the master's position and each account's balance.
package sizer

import (
	"github.com/shopspring/decimal"

	"copytrader/pkg/tradingutils"
)

// MasterPctByAvailableMargin returns the fraction (0..1) of the master's
// total capital (available margin plus the margin actually locked in the
// position) that the position represents. leverage <= 0 or positionValue <=
// 0 returns zero rather than dividing by it.
func MasterPctByAvailableMargin(positionValue decimal.Decimal, leverage int, availableMargin decimal.Decimal) decimal.Decimal {
	if leverage <= 0 || positionValue.Sign() <= 0 {
		return decimal.Zero
	}

	realInvested := positionValue.Div(decimal.NewFromInt(int64(leverage)))
	totalBalance := availableMargin.Add(realInvested)
	if totalBalance.Sign() == 0 {
		return decimal.Zero
	}

	return realInvested.Div(totalBalance)
}

// QuantityFromPct scales a follower's own balance by the master's invested
// percentage to get the contract quantity to open, rounded to precision
// decimal places. Any non-positive input yields zero rather than a
// division/scale error.
func QuantityFromPct(masterPct, clientBalance, price decimal.Decimal, leverage int, precision int32) decimal.Decimal {
	if price.Sign() <= 0 || clientBalance.Sign() <= 0 || leverage <= 0 || masterPct.Sign() <= 0 {
		return decimal.Zero
	}

	usdtToInvest := clientBalance.Mul(masterPct)
	positionValue := usdtToInvest.Mul(decimal.NewFromInt(int64(leverage)))
	quantity := positionValue.Div(price)

	return tradingutils.RoundQuantity(quantity, int(precision))
}
