package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSideFor(t *testing.T) {
	assert.Equal(t, OrderSideBuy, OpenSideFor(PositionSideLong))
	assert.Equal(t, OrderSideSell, OpenSideFor(PositionSideShort))
}

func TestCloseSideFor(t *testing.T) {
	assert.Equal(t, OrderSideSell, CloseSideFor(PositionSideLong))
	assert.Equal(t, OrderSideBuy, CloseSideFor(PositionSideShort))
}

func TestPosition_IsFlat(t *testing.T) {
	assert.True(t, Position{Quantity: decimal.Zero}.IsFlat())
	assert.False(t, Position{Quantity: decimal.NewFromInt(1)}.IsFlat())
}

func TestMirrorState_BeginCloseRejectsReentrant(t *testing.T) {
	s := NewMirrorState()
	require.True(t, s.BeginClose("BTC-USDT"))
	assert.False(t, s.BeginClose("BTC-USDT"))

	s.EndClose("BTC-USDT")
	assert.True(t, s.BeginClose("BTC-USDT"))
}

func TestMirrorState_SnapshotRoundTrip(t *testing.T) {
	s := NewMirrorState()
	s.Lock()
	s.LastPositions["BTC-USDT"] = Position{Symbol: "BTC-USDT", Quantity: decimal.NewFromInt(1)}
	s.CopiedTrades["BTC-USDT"] = true
	s.FollowerPositions["alice"] = FollowerPositions{"BTC-USDT": decimal.NewFromInt(2)}
	s.Unlock()

	snap := s.ToSnapshot()

	restored := NewMirrorState()
	restored.LoadSnapshot(snap)

	restored.Lock()
	defer restored.Unlock()
	require.Contains(t, restored.LastPositions, Symbol("BTC-USDT"))
	assert.True(t, restored.LastPositions["BTC-USDT"].Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, restored.CopiedTrades["BTC-USDT"])
	qty, ok := restored.FollowerPositions["alice"]["BTC-USDT"]
	require.True(t, ok)
	assert.True(t, qty.Equal(decimal.NewFromInt(2)))
}

func TestMirrorState_LoadSnapshotResetsInFlightCloses(t *testing.T) {
	s := NewMirrorState()
	require.True(t, s.BeginClose("BTC-USDT"))

	s.LoadSnapshot(Snapshot{})

	assert.True(t, s.BeginClose("BTC-USDT"))
}

func TestMirrorState_ToSnapshotDeepCopiesFollowerPositions(t *testing.T) {
	s := NewMirrorState()
	s.Lock()
	s.FollowerPositions["alice"] = FollowerPositions{"BTC-USDT": decimal.NewFromInt(1)}
	s.Unlock()

	snap := s.ToSnapshot()
	snap.FollowerPositions["alice"]["BTC-USDT"] = decimal.NewFromInt(99)

	s.Lock()
	defer s.Unlock()
	assert.True(t, s.FollowerPositions["alice"]["BTC-USDT"].Equal(decimal.NewFromInt(1)))
}
