package monitor

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"alertmonitor/internal/alerts"
	"alertmonitor/internal/logger"
	"alertmonitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitLogger()
	os.Exit(m.Run())
}

type fakeStore struct {
	alerts    []*models.Alert
	err       error
	triggered []string
	prices    []float64
}

func (f *fakeStore) GetActive(context.Context) ([]*models.Alert, error) {
	return f.alerts, f.err
}

func (f *fakeStore) Trigger(_ context.Context, id string, price float64) bool {
	f.triggered = append(f.triggered, id)
	f.prices = append(f.prices, price)
	return true
}

func (f *fakeStore) Cleanup(context.Context) (int, error) { return 0, nil }

type fakeMarket struct {
	readings map[string]models.MarketReading
	err      error
	calls    int
}

func (f *fakeMarket) Snapshot(context.Context, []string, string) (map[string]models.MarketReading, error) {
	f.calls++
	return f.readings, f.err
}

type fakeNotifier struct {
	singles []string
	batches [][]*models.Alert
}

func (f *fakeNotifier) AlertTriggered(a *models.Alert, _ float64) {
	f.singles = append(f.singles, a.ID)
}

func (f *fakeNotifier) AlertBatch(fired []*models.Alert) {
	f.batches = append(f.batches, fired)
}

func testAlert(id, coin string, kind models.Kind, target float64) *models.Alert {
	return &models.Alert{
		ID:          id,
		Coin:        coin,
		Kind:        kind,
		TargetPrice: target,
		Status:      models.StatusActive,
	}
}

func newTestMonitor(store *fakeStore, market *fakeMarket, notifier *fakeNotifier) *Monitor {
	return New(Config{
		MinPollSpacing:  time.Nanosecond,
		DispatchSpacing: time.Millisecond,
	}, store, market, alerts.NewCooldowns(time.Minute), notifier)
}

func TestComputeInterval(t *testing.T) {
	m := newTestMonitor(&fakeStore{}, &fakeMarket{}, &fakeNotifier{})

	tests := []struct {
		name       string
		active     int
		volatility float64
		healthy    bool
		want       time.Duration
	}{
		{"no alerts, quiet market", 0, 0.01, true, 60 * time.Second},
		{"no alerts, volatile market", 0, 0.03, true, 30 * time.Second},
		{"alerts, quiet market", 3, 0.01, true, 30 * time.Second},
		{"alerts, volatile market", 3, 0.08, true, 15 * time.Second},
		{"volatility boundary is exclusive", 3, 0.05, true, 30 * time.Second},
		{"unhealthy doubles fast", 3, 0.08, false, 30 * time.Second},
		{"unhealthy doubles slow", 0, 0.01, false, 120 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ComputeInterval(tt.active, tt.volatility, tt.healthy))
		})
	}
}

func TestDegradedTransitions(t *testing.T) {
	m := newTestMonitor(&fakeStore{}, &fakeMarket{}, &fakeNotifier{})
	m.setState(StatePolling)

	pollErr := errors.New("fetch failed")
	for i := 0; i < 4; i++ {
		m.recordFailure(pollErr)
		assert.Equal(t, StatePolling, m.State())
	}
	m.recordFailure(pollErr)
	assert.Equal(t, StateDegraded, m.State())

	// Degraded floors the next delay at two minutes.
	assert.GreaterOrEqual(t, m.nextDelay(), 2*time.Minute)

	m.recordSuccess()
	assert.Equal(t, StatePolling, m.State())
}

func TestPollCycleTriggersSingle(t *testing.T) {
	store := &fakeStore{alerts: []*models.Alert{
		testAlert("a1", "btc", models.KindAbove, 50000),
		testAlert("a2", "eth", models.KindBelow, 2000),
	}}
	market := &fakeMarket{readings: map[string]models.MarketReading{
		"btc": {Price: 51000},
		"eth": {Price: 2100}, // below alert does not fire
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, market, notifier)

	require.NoError(t, m.pollCycle(context.Background()))

	assert.Equal(t, []string{"a1"}, store.triggered)
	assert.Equal(t, []float64{51000}, store.prices)
	assert.Equal(t, []string{"a1"}, notifier.singles)
	assert.Empty(t, notifier.batches)
}

func TestPollCycleBatchesSameKind(t *testing.T) {
	store := &fakeStore{alerts: []*models.Alert{
		testAlert("a1", "btc", models.KindAbove, 50000),
		testAlert("a2", "eth", models.KindAbove, 2000),
	}}
	market := &fakeMarket{readings: map[string]models.MarketReading{
		"btc": {Price: 51000},
		"eth": {Price: 2100},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, market, notifier)

	require.NoError(t, m.pollCycle(context.Background()))

	assert.Len(t, store.triggered, 2)
	assert.Empty(t, notifier.singles)
	require.Len(t, notifier.batches, 1)
	assert.Len(t, notifier.batches[0], 2)
}

func TestPollCycleMixedKindsDispatchSingly(t *testing.T) {
	store := &fakeStore{alerts: []*models.Alert{
		testAlert("a1", "btc", models.KindAbove, 50000),
		testAlert("a2", "eth", models.KindBelow, 2000),
	}}
	market := &fakeMarket{readings: map[string]models.MarketReading{
		"btc": {Price: 51000},
		"eth": {Price: 1900},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, market, notifier)

	require.NoError(t, m.pollCycle(context.Background()))

	// One alert per kind group, so each goes out as a full notification.
	assert.ElementsMatch(t, []string{"a1", "a2"}, notifier.singles)
	assert.Empty(t, notifier.batches)
}

func TestPollCycleCooldownSuppressesRetrigger(t *testing.T) {
	store := &fakeStore{alerts: []*models.Alert{
		testAlert("a1", "btc", models.KindAbove, 50000),
	}}
	market := &fakeMarket{readings: map[string]models.MarketReading{
		"btc": {Price: 51000},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, market, notifier)
	ctx := context.Background()

	require.NoError(t, m.pollCycle(ctx))
	require.NoError(t, m.pollCycle(ctx))

	// The condition is still true on the second cycle, but the alert is
	// cooling down so nothing is fetched or re-triggered.
	assert.Len(t, store.triggered, 1)
	assert.Len(t, notifier.singles, 1)
	assert.Equal(t, 1, market.calls)
}

func TestPollCycleNoEligibleAlerts(t *testing.T) {
	store := &fakeStore{}
	market := &fakeMarket{}
	m := newTestMonitor(store, market, &fakeNotifier{})

	require.NoError(t, m.pollCycle(context.Background()))
	assert.Zero(t, market.calls)
}

func TestPollCyclePropagatesFetchError(t *testing.T) {
	store := &fakeStore{alerts: []*models.Alert{
		testAlert("a1", "btc", models.KindAbove, 50000),
	}}
	market := &fakeMarket{err: errors.New("api down")}
	m := newTestMonitor(store, market, &fakeNotifier{})

	assert.Error(t, m.pollCycle(context.Background()))
}

func TestMinPollSpacingSkipsCycle(t *testing.T) {
	store := &fakeStore{alerts: []*models.Alert{
		testAlert("a1", "btc", models.KindAbove, 50000),
	}}
	market := &fakeMarket{readings: map[string]models.MarketReading{
		"btc": {Price: 49000},
	}}
	m := New(Config{
		MinPollSpacing:  time.Hour,
		DispatchSpacing: time.Millisecond,
	}, store, market, alerts.NewCooldowns(time.Minute), &fakeNotifier{})
	ctx := context.Background()

	require.NoError(t, m.pollCycle(ctx))
	require.NoError(t, m.pollCycle(ctx))

	// The second cycle lands inside the spacing guard and is skipped.
	assert.Equal(t, 1, market.calls)
}

func TestObserveVolatilityFeedsInterval(t *testing.T) {
	store := &fakeStore{alerts: []*models.Alert{
		testAlert("a1", "btc", models.KindAbove, 50000),
	}}
	market := &fakeMarket{readings: map[string]models.MarketReading{
		"btc": {Price: 49000, Change24h: -8},
	}}
	m := newTestMonitor(store, market, &fakeNotifier{})
	m.setState(StatePolling)

	require.NoError(t, m.pollCycle(context.Background()))
	m.recordSuccess()

	// |−8%| → 0.08 volatility with an active alert selects the fast lane.
	assert.Equal(t, 15*time.Second, m.nextDelay())
}

func TestEvaluateLiveStream(t *testing.T) {
	store := &fakeStore{alerts: []*models.Alert{
		testAlert("a1", "btc", models.KindAbove, 50000),
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(store, &fakeMarket{}, notifier)

	m.evaluateLive(context.Background(), PriceUpdate{Symbol: "BTC", Price: 51000})

	assert.Equal(t, []string{"a1"}, store.triggered)
	assert.Equal(t, []string{"a1"}, notifier.singles)

	// Cooldown holds for subsequent stream ticks.
	m.evaluateLive(context.Background(), PriceUpdate{Symbol: "BTC", Price: 52000})
	assert.Len(t, store.triggered, 1)
}
