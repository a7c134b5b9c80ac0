package tradeops

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrader/internal/core"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *mockNotifier) Notify(ctx context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type mockExchangeClient struct {
	mu sync.Mutex

	openCalls         []decimal.Decimal
	closeAllCalls     int
	closePartialCalls []decimal.Decimal
	leverageCalls     int
	marginCalls       int
	failOpen          bool
	failCloseAll      bool
	failClosePartial  bool
	failLeverage      bool
	failMarginMode    bool
}

func (m *mockExchangeClient) GetPositions(ctx context.Context) ([]core.Position, error) { return nil, nil }
func (m *mockExchangeClient) GetOpenOrders(ctx context.Context, symbol core.Symbol) (decimal.Decimal, decimal.Decimal, int, error) {
	return decimal.Zero, decimal.Zero, 0, nil
}
func (m *mockExchangeClient) GetBalance(ctx context.Context, asset string) (core.Balance, error) {
	return core.Balance{}, nil
}

func (m *mockExchangeClient) OpenTrade(ctx context.Context, symbol core.Symbol, side core.OrderSide, positionSide core.PositionSide, quantity decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOpen {
		return assertErr
	}
	m.openCalls = append(m.openCalls, quantity)
	return nil
}

func (m *mockExchangeClient) ClosePositionPartially(ctx context.Context, symbol core.Symbol, side core.OrderSide, positionSide core.PositionSide, quantity decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failClosePartial {
		return assertErr
	}
	m.closePartialCalls = append(m.closePartialCalls, quantity)
	return nil
}

func (m *mockExchangeClient) CloseAllPositions(ctx context.Context, symbol core.Symbol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCloseAll {
		return assertErr
	}
	m.closeAllCalls++
	return nil
}

func (m *mockExchangeClient) SetLeverage(ctx context.Context, symbol core.Symbol, leverage int, positionSide core.PositionSide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverageCalls++
	if m.failLeverage {
		return assertErr
	}
	return nil
}

func (m *mockExchangeClient) SetMarginMode(ctx context.Context, symbol core.Symbol, mode core.MarginMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marginCalls++
	if m.failMarginMode {
		return assertErr
	}
	return nil
}

var assertErr = errSentinel{}

type errSentinel struct{}

func (errSentinel) Error() string { return "mock exchange error" }

func newTestTradeOps(t *testing.T) (*TradeOps, *mockNotifier, func() error) {
	t.Helper()
	var saveCount int
	saveFn := func(ctx context.Context) error {
		saveCount++
		return nil
	}
	notifier := &mockNotifier{}
	batch := BatchConfig{OpenBatchSize: 10, CloseBatchSize: 7, InterBatchGap: time.Millisecond}
	ops := New(core.NewMirrorState(), notifier, saveFn, &mockLogger{}, batch)
	return ops, notifier, func() error { return nil }
}

func TestTradeOps_OpenSkipsFollowerWithNoBalance(t *testing.T) {
	ops, _, _ := newTestTradeOps(t)
	client := &mockExchangeClient{}
	ops.UpdateFollowers([]FollowerHandle{{Follower: core.Follower{Name: "alice"}, Client: client}})
	ops.UpdateBalances(map[string]core.Balance{"alice": {Available: decimal.Zero}})

	ops.Open(context.Background(), core.SyncEvent{
		Symbol:       "BTC-USDT",
		PositionSide: core.PositionSideLong,
		MasterPct:    decimal.NewFromFloat(0.1),
		Price:        decimal.NewFromInt(60000),
		Leverage:     10,
	})

	assert.Empty(t, client.openCalls)
}

func TestTradeOps_OpenMirrorsPositionForFollowerWithBalance(t *testing.T) {
	ops, _, _ := newTestTradeOps(t)
	client := &mockExchangeClient{}
	ops.UpdateFollowers([]FollowerHandle{{Follower: core.Follower{Name: "alice"}, Client: client}})
	ops.UpdateBalances(map[string]core.Balance{"alice": {Available: decimal.NewFromInt(1000)}})

	ops.Open(context.Background(), core.SyncEvent{
		Symbol:       "BTC-USDT",
		PositionSide: core.PositionSideLong,
		MasterPct:    decimal.NewFromFloat(0.1),
		Price:        decimal.NewFromInt(60000),
		Leverage:     10,
	})

	require.Len(t, client.openCalls, 1)
	assert.Equal(t, 1, client.leverageCalls)
	assert.Equal(t, 1, client.marginCalls)

	qty, ok := ops.state.FollowerPositions["alice"]["BTC-USDT"]
	require.True(t, ok)
	assert.True(t, qty.Equal(client.openCalls[0]))

	copied := ops.state.CopiedTrades["BTC-USDT"]
	assert.True(t, copied)
}

func TestTradeOps_OpenProceedsWhenLeverageOrMarginModeFails(t *testing.T) {
	ops, notifier, _ := newTestTradeOps(t)
	client := &mockExchangeClient{failLeverage: true, failMarginMode: true}
	ops.UpdateFollowers([]FollowerHandle{{Follower: core.Follower{Name: "alice"}, Client: client}})
	ops.UpdateBalances(map[string]core.Balance{"alice": {Available: decimal.NewFromInt(1000)}})

	ops.Open(context.Background(), core.SyncEvent{
		Symbol:       "BTC-USDT",
		PositionSide: core.PositionSideLong,
		MasterPct:    decimal.NewFromFloat(0.1),
		Price:        decimal.NewFromInt(60000),
		Leverage:     10,
	})

	require.Len(t, client.openCalls, 1)
	assert.Equal(t, 1, client.leverageCalls)
	assert.Equal(t, 1, client.marginCalls)
	assert.GreaterOrEqual(t, notifier.count(), 2)
}

func TestTradeOps_OpenSkipsAlreadyOpenFollower(t *testing.T) {
	ops, _, _ := newTestTradeOps(t)
	client := &mockExchangeClient{}
	ops.UpdateFollowers([]FollowerHandle{{Follower: core.Follower{Name: "alice"}, Client: client}})
	ops.UpdateBalances(map[string]core.Balance{"alice": {Available: decimal.NewFromInt(1000)}})
	ops.state.FollowerPositions["alice"] = core.FollowerPositions{"BTC-USDT": decimal.NewFromInt(1)}

	ops.Open(context.Background(), core.SyncEvent{
		Symbol:       "BTC-USDT",
		PositionSide: core.PositionSideLong,
		MasterPct:    decimal.NewFromFloat(0.1),
		Price:        decimal.NewFromInt(60000),
		Leverage:     10,
	})

	assert.Empty(t, client.openCalls)
}

func TestTradeOps_CloseAllRemovesFollowerPositionAndLastPosition(t *testing.T) {
	ops, _, _ := newTestTradeOps(t)
	client := &mockExchangeClient{}
	ops.UpdateFollowers([]FollowerHandle{{Follower: core.Follower{Name: "alice"}, Client: client}})
	ops.state.FollowerPositions["alice"] = core.FollowerPositions{"BTC-USDT": decimal.NewFromInt(2)}
	ops.state.LastPositions["BTC-USDT"] = core.Position{Symbol: "BTC-USDT"}

	ops.CloseAll(context.Background(), "BTC-USDT")

	assert.Equal(t, 1, client.closeAllCalls)
	_, stillOpen := ops.state.FollowerPositions["alice"]["BTC-USDT"]
	assert.False(t, stillOpen)
	_, stillLast := ops.state.LastPositions["BTC-USDT"]
	assert.False(t, stillLast)
}

func TestTradeOps_ClosePartialReducesStoredQuantity(t *testing.T) {
	ops, _, _ := newTestTradeOps(t)
	client := &mockExchangeClient{}
	ops.UpdateFollowers([]FollowerHandle{{Follower: core.Follower{Name: "alice"}, Client: client}})
	ops.state.FollowerPositions["alice"] = core.FollowerPositions{"BTC-USDT": decimal.NewFromInt(10)}

	ops.ClosePartial(context.Background(), "BTC-USDT", decimal.NewFromFloat(0.4), core.PositionSideLong)

	require.Len(t, client.closePartialCalls, 1)
	assert.True(t, client.closePartialCalls[0].Equal(decimal.NewFromInt(4)))

	remaining := ops.state.FollowerPositions["alice"]["BTC-USDT"]
	assert.True(t, remaining.Equal(decimal.NewFromInt(6)))
}

func TestTradeOps_ClosePartialRemovesPositionWhenFullyClosed(t *testing.T) {
	ops, _, _ := newTestTradeOps(t)
	client := &mockExchangeClient{}
	ops.UpdateFollowers([]FollowerHandle{{Follower: core.Follower{Name: "alice"}, Client: client}})
	ops.state.FollowerPositions["alice"] = core.FollowerPositions{"BTC-USDT": decimal.NewFromInt(10)}

	ops.ClosePartial(context.Background(), "BTC-USDT", decimal.NewFromInt(1), core.PositionSideLong)

	_, ok := ops.state.FollowerPositions["alice"]
	assert.False(t, ok)
}

func TestTradeOps_ClosePartialSkipsBelowDustThreshold(t *testing.T) {
	ops, _, _ := newTestTradeOps(t)
	client := &mockExchangeClient{}
	ops.UpdateFollowers([]FollowerHandle{{Follower: core.Follower{Name: "alice"}, Client: client}})
	ops.state.FollowerPositions["alice"] = core.FollowerPositions{"BTC-USDT": decimal.NewFromFloat(0.000001)}

	ops.ClosePartial(context.Background(), "BTC-USDT", decimal.NewFromFloat(0.5), core.PositionSideLong)

	assert.Empty(t, client.closePartialCalls)
}
