package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMarketServer(t *testing.T, listHits, priceHits *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/coins/list":
			atomic.AddInt64(listHits, 1)
			json.NewEncoder(w).Encode([]CoinInfo{
				{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin"},
				{ID: "ethereum", Symbol: "eth", Name: "Ethereum"},
				// Duplicate symbol: first listing wins.
				{ID: "batcoin", Symbol: "btc", Name: "Batcoin"},
			})
		case "/simple/price":
			atomic.AddInt64(priceHits, 1)
			assert.Equal(t, "true", r.URL.Query().Get("include_24hr_vol"))
			assert.Equal(t, "true", r.URL.Query().Get("include_24hr_change"))
			json.NewEncoder(w).Encode(map[string]map[string]float64{
				"bitcoin": {
					"usd":            50000,
					"usd_24h_vol":    1000000,
					"usd_24h_change": 3.2,
				},
				"ethereum": {
					"usd":            2000,
					"usd_24h_vol":    500000,
					"usd_24h_change": -1.5,
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestSnapshot(t *testing.T) {
	var listHits, priceHits int64
	srv := newMarketServer(t, &listHits, &priceHits)
	defer srv.Close()

	c := NewClient(WithMinInterval(0))
	defer c.Close()
	src := NewSource(c, srv.URL)

	readings, err := src.Snapshot(context.Background(), []string{"BTC", "eth"}, "USD")
	require.NoError(t, err)
	require.Len(t, readings, 2)

	btc := readings["btc"]
	assert.Equal(t, 50000.0, btc.Price)
	assert.Equal(t, 3.2, btc.Change24h)
	assert.False(t, btc.FetchedAt.IsZero())

	eth := readings["eth"]
	assert.Equal(t, 2000.0, eth.Price)
	assert.Equal(t, -1.5, eth.Change24h)
}

func TestSnapshotCached(t *testing.T) {
	var listHits, priceHits int64
	srv := newMarketServer(t, &listHits, &priceHits)
	defer srv.Close()

	c := NewClient(WithMinInterval(0))
	defer c.Close()
	src := NewSource(c, srv.URL)
	ctx := context.Background()

	_, err := src.Snapshot(ctx, []string{"btc", "eth"}, "usd")
	require.NoError(t, err)
	// Same symbol set in any order and casing hits the cache.
	_, err = src.Snapshot(ctx, []string{"ETH", "btc"}, "usd")
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&listHits))
	assert.Equal(t, int64(1), atomic.LoadInt64(&priceHits))

	// A different symbol set misses the cache but reuses the registry.
	_, err = src.Snapshot(ctx, []string{"btc"}, "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&listHits))
	assert.Equal(t, int64(2), atomic.LoadInt64(&priceHits))
}

func TestSnapshotUnknownSymbols(t *testing.T) {
	var listHits, priceHits int64
	srv := newMarketServer(t, &listHits, &priceHits)
	defer srv.Close()

	c := NewClient(WithMinInterval(0))
	defer c.Close()
	src := NewSource(c, srv.URL)

	readings, err := src.Snapshot(context.Background(), []string{"nope"}, "usd")
	require.NoError(t, err)
	assert.Empty(t, readings)
	// Nothing resolved, so no price call was made.
	assert.Equal(t, int64(0), atomic.LoadInt64(&priceHits))
}

func TestSnapshotEmptySymbols(t *testing.T) {
	c := NewClient(WithMinInterval(0))
	defer c.Close()
	src := NewSource(c, "http://example.invalid")

	readings, err := src.Snapshot(context.Background(), nil, "usd")
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestCoinsList(t *testing.T) {
	var listHits, priceHits int64
	srv := newMarketServer(t, &listHits, &priceHits)
	defer srv.Close()

	c := NewClient(WithMinInterval(0))
	defer c.Close()
	src := NewSource(c, srv.URL)

	coins, err := src.CoinsList(context.Background())
	require.NoError(t, err)
	require.Len(t, coins, 3)
	assert.Equal(t, "bitcoin", coins[0].ID)
}
