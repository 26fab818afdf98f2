package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"alertmonitor/internal/logger"
	"alertmonitor/internal/models"

	"go.uber.org/zap"
)

// CoinInfo is one entry of the market API coin registry.
type CoinInfo struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Source fetches market readings for a set of coin symbols. It resolves
// symbols to API coin IDs via the registry and caches assembled snapshots
// keyed by the sorted symbol set.
type Source struct {
	client  *Client
	baseURL string

	cacheTTL time.Duration

	mu       sync.Mutex
	cache    map[string]snapshotEntry
	coinIDs  map[string]string // symbol → API id
	idsAsOf  time.Time
	idsTTL   time.Duration
}

type snapshotEntry struct {
	readings  map[string]models.MarketReading
	fetchedAt time.Time
}

// NewSource wraps a rate-limited client with snapshot assembly and caching.
func NewSource(client *Client, baseURL string) *Source {
	return &Source{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		cacheTTL: 5 * time.Minute,
		idsTTL:   30 * time.Minute,
		cache:    make(map[string]snapshotEntry),
	}
}

// CoinsList fetches the full coin registry.
func (s *Source) CoinsList(ctx context.Context) ([]CoinInfo, error) {
	body, err := s.client.Request(ctx, s.baseURL+"/coins/list")
	if err != nil {
		return nil, err
	}
	var coins []CoinInfo
	if err := json.Unmarshal(body, &coins); err != nil {
		return nil, fmt.Errorf("decode coins list: %w", err)
	}
	return coins, nil
}

// SimplePrice fetches current price, 24h volume and 24h change for the
// given coin IDs in one call.
func (s *Source) SimplePrice(ctx context.Context, ids []string, currency string) (map[string]map[string]float64, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", currency)
	q.Set("include_24hr_vol", "true")
	q.Set("include_24hr_change", "true")

	body, err := s.client.Request(ctx, s.baseURL+"/simple/price?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var prices map[string]map[string]float64
	if err := json.Unmarshal(body, &prices); err != nil {
		return nil, fmt.Errorf("decode price data: %w", err)
	}
	return prices, nil
}

// Snapshot returns per-symbol readings for the given held symbols, from
// the snapshot cache when fresh. Symbols unknown to the registry are
// silently absent from the result.
func (s *Source) Snapshot(ctx context.Context, symbols []string, currency string) (map[string]models.MarketReading, error) {
	if len(symbols) == 0 {
		return map[string]models.MarketReading{}, nil
	}

	key := cacheKey(symbols)
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && time.Since(entry.fetchedAt) < s.cacheTTL {
		s.mu.Unlock()
		return entry.readings, nil
	}
	s.mu.Unlock()

	ids, err := s.resolveIDs(ctx, symbols)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		logger.Log.Warn("No valid coin symbols to fetch", zap.Strings("symbols", symbols))
		return map[string]models.MarketReading{}, nil
	}

	idList := make([]string, 0, len(ids))
	for _, id := range ids {
		idList = append(idList, id)
	}
	sort.Strings(idList)

	cur := strings.ToLower(currency)
	prices, err := s.SimplePrice(ctx, idList, cur)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	readings := make(map[string]models.MarketReading, len(ids))
	for symbol, id := range ids {
		data, ok := prices[id]
		if !ok {
			continue
		}
		readings[symbol] = models.MarketReading{
			Price:     data[cur],
			Volume24h: data[cur+"_24h_vol"],
			Change24h: data[cur+"_24h_change"],
			FetchedAt: now,
		}
	}

	s.mu.Lock()
	s.cache[key] = snapshotEntry{readings: readings, fetchedAt: now}
	s.mu.Unlock()

	return readings, nil
}

// resolveIDs maps lowercase symbols to API coin IDs, refreshing the
// registry index when stale.
func (s *Source) resolveIDs(ctx context.Context, symbols []string) (map[string]string, error) {
	s.mu.Lock()
	stale := s.coinIDs == nil || time.Since(s.idsAsOf) > s.idsTTL
	s.mu.Unlock()

	if stale {
		coins, err := s.CoinsList(ctx)
		if err != nil {
			return nil, err
		}
		index := make(map[string]string, len(coins))
		for _, coin := range coins {
			// First listing wins for duplicated symbols.
			if _, ok := index[coin.Symbol]; !ok {
				index[coin.Symbol] = coin.ID
			}
		}
		s.mu.Lock()
		s.coinIDs = index
		s.idsAsOf = time.Now()
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]string)
	for _, symbol := range symbols {
		sym := strings.ToLower(symbol)
		if id, ok := s.coinIDs[sym]; ok {
			ids[sym] = id
		}
	}
	return ids, nil
}

func cacheKey(symbols []string) string {
	sorted := make([]string, len(symbols))
	for i, s := range symbols {
		sorted[i] = strings.ToLower(s)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
