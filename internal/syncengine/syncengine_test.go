package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrader/internal/core"
	"copytrader/internal/mastercallqueue"
	"copytrader/internal/tradeops"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type mockNotifier struct{}

func (m *mockNotifier) Notify(ctx context.Context, text string) {}

type mockStateStore struct {
	mu       sync.Mutex
	saved    []core.Snapshot
	loadResp core.Snapshot
}

func (s *mockStateStore) Load(ctx context.Context) (core.Snapshot, error) {
	return s.loadResp, nil
}

func (s *mockStateStore) Save(ctx context.Context, snapshot core.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snapshot)
	return nil
}

type mockCredentialStore struct {
	followers []core.Follower
}

func (c *mockCredentialStore) Load(ctx context.Context) (core.APICredential, []core.Follower, error) {
	return core.APICredential{}, c.followers, nil
}

type mockExchangeClient struct {
	mu sync.Mutex

	positions  []core.Position
	takeProfit decimal.Decimal
	stopLoss   decimal.Decimal
	leverage   int
	balance    core.Balance

	closeAllCalls     []core.Symbol
	closePartialCalls []decimal.Decimal
	openCalls         int
}

func (m *mockExchangeClient) GetPositions(ctx context.Context) ([]core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions, nil
}

func (m *mockExchangeClient) GetOpenOrders(ctx context.Context, symbol core.Symbol) (decimal.Decimal, decimal.Decimal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeProfit, m.stopLoss, m.leverage, nil
}

func (m *mockExchangeClient) GetBalance(ctx context.Context, asset string) (core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *mockExchangeClient) OpenTrade(ctx context.Context, symbol core.Symbol, side core.OrderSide, positionSide core.PositionSide, quantity decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	return nil
}

func (m *mockExchangeClient) ClosePositionPartially(ctx context.Context, symbol core.Symbol, side core.OrderSide, positionSide core.PositionSide, quantity decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closePartialCalls = append(m.closePartialCalls, quantity)
	return nil
}

func (m *mockExchangeClient) CloseAllPositions(ctx context.Context, symbol core.Symbol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAllCalls = append(m.closeAllCalls, symbol)
	return nil
}

func (m *mockExchangeClient) SetLeverage(ctx context.Context, symbol core.Symbol, leverage int, positionSide core.PositionSide) error {
	return nil
}

func (m *mockExchangeClient) SetMarginMode(ctx context.Context, symbol core.Symbol, mode core.MarginMode) error {
	return nil
}

func newTestEngine(t *testing.T, master *mockExchangeClient, follower *mockExchangeClient) (*Engine, *mockStateStore) {
	t.Helper()
	logger := &mockLogger{}
	notifier := &mockNotifier{}
	stateStore := &mockStateStore{loadResp: core.Snapshot{}}
	credStore := &mockCredentialStore{followers: []core.Follower{{Name: "alice"}}}

	state := core.NewMirrorState()
	ops := tradeops.New(state, notifier, func(ctx context.Context) error { return nil }, logger, tradeops.DefaultBatchConfig())

	queue := mastercallqueue.New(time.Millisecond, 8, logger)
	go queue.Run(context.Background())

	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond

	engine := New(cfg, master, queue, credStore, stateStore, ops, notifier, logger,
		func(cred core.APICredential, account string) core.IExchangeClient { return follower },
		time.Millisecond, time.Millisecond, time.Millisecond, time.Second)

	require.NoError(t, engine.Start(context.Background()))
	return engine, stateStore
}

func TestEngine_TickOpensNewSymbolAndQueuesEvent(t *testing.T) {
	master := &mockExchangeClient{
		positions: []core.Position{
			{Symbol: "BTC-USDT", Side: core.PositionSideLong, Quantity: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(60000), PositionValue: decimal.NewFromInt(6000), Leverage: 10},
		},
		leverage: 10,
		balance:  core.Balance{Available: decimal.NewFromInt(1000)},
	}
	follower := &mockExchangeClient{}
	engine, stateStore := newTestEngine(t, master, follower)

	require.NoError(t, engine.tick(context.Background()))

	assert.True(t, engine.State().CopiedTrades["BTC-USDT"])

	select {
	case event := <-engine.events:
		assert.Equal(t, core.Symbol("BTC-USDT"), event.Symbol)
	default:
		t.Fatal("expected an Open event to be queued")
	}

	stateStore.mu.Lock()
	assert.NotEmpty(t, stateStore.saved)
	stateStore.mu.Unlock()
}

func TestEngine_TickDetectsFullClose(t *testing.T) {
	master := &mockExchangeClient{positions: nil}
	follower := &mockExchangeClient{}
	engine, _ := newTestEngine(t, master, follower)

	engine.State().Lock()
	engine.State().LastPositions["BTC-USDT"] = core.Position{Symbol: "BTC-USDT"}
	engine.State().FollowerPositions["alice"] = core.FollowerPositions{"BTC-USDT": decimal.NewFromInt(1)}
	engine.State().CopiedTrades["BTC-USDT"] = true
	engine.State().Unlock()

	require.NoError(t, engine.tick(context.Background()))

	assert.Len(t, follower.closeAllCalls, 1)
	assert.Equal(t, core.Symbol("BTC-USDT"), follower.closeAllCalls[0])

	_, stillCopied := engine.State().CopiedTrades["BTC-USDT"]
	assert.False(t, stillCopied)
}

func TestEngine_TickDetectsPartialClose(t *testing.T) {
	master := &mockExchangeClient{
		positions: []core.Position{
			{Symbol: "BTC-USDT", Side: core.PositionSideLong, Quantity: decimal.NewFromFloat(0.4), MarkPrice: decimal.NewFromInt(60000), PositionValue: decimal.NewFromInt(2400), Leverage: 10},
		},
		leverage: 10,
		balance:  core.Balance{Available: decimal.NewFromInt(1000)},
	}
	follower := &mockExchangeClient{}
	engine, _ := newTestEngine(t, master, follower)

	engine.State().Lock()
	engine.State().LastPositions["BTC-USDT"] = core.Position{Symbol: "BTC-USDT", Quantity: decimal.NewFromInt(1)}
	engine.State().FollowerPositions["alice"] = core.FollowerPositions{"BTC-USDT": decimal.NewFromInt(10)}
	engine.State().CopiedTrades["BTC-USDT"] = true
	engine.State().Unlock()

	require.NoError(t, engine.tick(context.Background()))

	require.Len(t, follower.closePartialCalls, 1)
	assert.True(t, follower.closePartialCalls[0].Equal(decimal.NewFromInt(6)))
}

func TestEngine_ReconcileFollowersOverwritesPersistedPositions(t *testing.T) {
	master := &mockExchangeClient{}
	follower := &mockExchangeClient{
		positions: []core.Position{
			{Symbol: "ETH-USDT", Quantity: decimal.NewFromInt(2)},
		},
	}
	engine, _ := newTestEngine(t, master, follower)

	qty, ok := engine.State().FollowerPositions["alice"]["ETH-USDT"]
	require.True(t, ok)
	assert.True(t, qty.Equal(decimal.NewFromInt(2)))
}
