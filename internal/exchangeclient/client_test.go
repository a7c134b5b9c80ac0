package exchangeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrader/internal/core"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	c := NewClient(core.APICredential{APIKey: "k", SecretKey: "s"}, server.URL, 5000, 3, 2*time.Second, "test-account")
	return c, server
}

func TestClient_GetPositions(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-BX-APIKEY"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"msg":  "",
			"data": []map[string]string{
				{
					"symbol":       "BTC-USDT",
					"positionSide": "LONG",
					"positionAmt":  "0.5",
					"markPrice":    "60000",
					"leverage":     "10X",
					"marginType":   "CROSSED",
				},
			},
		})
	})
	defer server.Close()

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, core.Symbol("BTC-USDT"), positions[0].Symbol)
	assert.Equal(t, core.PositionSideLong, positions[0].Side)
	assert.Equal(t, 10, positions[0].Leverage)
	assert.True(t, positions[0].Quantity.Equal(parseDecimal("0.5")))
}

func TestClient_RetriesOn429ThenSucceeds(t *testing.T) {
	var attempts int32
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{"code": -1, "msg": "rate limited"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "", "data": []map[string]string{}})
	})
	defer server.Close()
	c.rateLimitWait = 10 * time.Millisecond

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestClient_OpenTradeSendsMarketOrder(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "MARKET", r.URL.Query().Get("type"))
		assert.Equal(t, "BTC-USDT", r.URL.Query().Get("symbol"))
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": ""})
	})
	defer server.Close()

	err := c.OpenTrade(context.Background(), "BTC-USDT", core.OrderSideBuy, core.PositionSideLong, parseDecimal("1.5"))
	assert.NoError(t, err)
}

func TestClient_ExchangeErrorCodePropagates(t *testing.T) {
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 101, "msg": "insufficient margin"})
	})
	defer server.Close()

	err := c.CloseAllPositions(context.Background(), "BTC-USDT")
	assert.Error(t, err)
}
