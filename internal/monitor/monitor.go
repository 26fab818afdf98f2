// Package monitor drives the alert-monitoring loop: an adaptive polling
// scheduler that reads active alerts, fetches market data through the
// rate-limited client, evaluates conditions, and hands fired alerts to
// the notification dispatcher.
package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"alertmonitor/internal/alerts"
	"alertmonitor/internal/logger"
	"alertmonitor/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// State is the scheduler lifecycle state. Transitions:
// stopped → connecting → polling ⇄ degraded → stopped.
type State string

const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StatePolling    State = "polling"
	StateDegraded   State = "degraded"
)

var (
	pollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_poll_cycles_total",
			Help: "Poll cycles by outcome",
		},
		[]string{"outcome"},
	)
	alertsTriggeredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_alerts_triggered_total",
			Help: "Alerts transitioned to triggered by the monitor",
		},
	)
	consecutiveErrorsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_consecutive_errors",
			Help: "Consecutive poll failures",
		},
	)
	degradedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_degraded",
			Help: "1 while the scheduler is in the degraded state",
		},
	)
)

func init() {
	prometheus.MustRegister(pollCyclesTotal)
	prometheus.MustRegister(alertsTriggeredTotal)
	prometheus.MustRegister(consecutiveErrorsGauge)
	prometheus.MustRegister(degradedGauge)
}

// AlertSource is the slice of the alert store the monitor needs.
type AlertSource interface {
	GetActive(ctx context.Context) ([]*models.Alert, error)
	Trigger(ctx context.Context, id string, price float64) bool
	Cleanup(ctx context.Context) (int, error)
}

// MarketSource provides per-coin readings for a set of symbols.
type MarketSource interface {
	Snapshot(ctx context.Context, symbols []string, currency string) (map[string]models.MarketReading, error)
}

// Notifier is the dispatcher surface the monitor drives.
type Notifier interface {
	AlertTriggered(a *models.Alert, currentPrice float64)
	AlertBatch(fired []*models.Alert)
}

// Config tunes the scheduler. Zero fields take the documented defaults.
type Config struct {
	BaseInterval time.Duration // 30s
	FastInterval time.Duration // 15s
	SlowInterval time.Duration // 60s

	// DegradedFloor is the minimum interval while degraded.
	DegradedFloor time.Duration // 2m
	// MinPollSpacing skips a cycle entirely if too little time has
	// passed since the last network call, independent of the fetch
	// client's own throttling.
	MinPollSpacing time.Duration // 10s
	// MaxConsecutiveErrors is the failure count that enters degraded.
	MaxConsecutiveErrors int // 5
	// DispatchSpacing separates notification dispatches in one cycle.
	DispatchSpacing time.Duration // 500ms
	// AlertCacheTTL bounds how often active alerts are re-read.
	AlertCacheTTL time.Duration // 30s
	// CleanupEvery is the retention sweep period.
	CleanupEvery time.Duration // 6h

	Currency string // "usd"

	// KafkaBroker, when set, is probed for the live price stream during
	// the connecting state. An unreachable broker falls back to polling.
	KafkaBroker string
	PriceTopic  string // "price.updates"
}

func (c *Config) applyDefaults() {
	if c.BaseInterval == 0 {
		c.BaseInterval = 30 * time.Second
	}
	if c.FastInterval == 0 {
		c.FastInterval = 15 * time.Second
	}
	if c.SlowInterval == 0 {
		c.SlowInterval = 60 * time.Second
	}
	if c.DegradedFloor == 0 {
		c.DegradedFloor = 2 * time.Minute
	}
	if c.MinPollSpacing == 0 {
		c.MinPollSpacing = 10 * time.Second
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.DispatchSpacing == 0 {
		c.DispatchSpacing = 500 * time.Millisecond
	}
	if c.AlertCacheTTL == 0 {
		c.AlertCacheTTL = 30 * time.Second
	}
	if c.CleanupEvery == 0 {
		c.CleanupEvery = 6 * time.Hour
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.PriceTopic == "" {
		c.PriceTopic = "price.updates"
	}
}

// Monitor is the long-lived scheduler service.
type Monitor struct {
	cfg       Config
	store     AlertSource
	market    MarketSource
	eval      *alerts.Evaluator
	cooldowns *alerts.Cooldowns
	notifier  Notifier

	mu                sync.Mutex
	state             State
	consecutiveErrors int
	lastNetworkCall   time.Time
	lastVolatility    float64
	pending           map[string]time.Time // trigger key → first seen
	cachedActive      []*models.Alert
	cachedAt          time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a stopped monitor.
func New(cfg Config, store AlertSource, market MarketSource, cooldowns *alerts.Cooldowns, notifier Notifier) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:       cfg,
		store:     store,
		market:    market,
		eval:      alerts.NewEvaluator(),
		cooldowns: cooldowns,
		notifier:  notifier,
		state:     StateStopped,
		pending:   make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current scheduler state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start moves stopped → connecting and launches the loop. Starting a
// monitor twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	logger.Log.Info("Starting alert monitoring")
	go m.run(ctx)
}

// Stop tears the loop down. An in-flight fetch is not aborted; its
// result is discarded when the loop exits.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer m.setState(StateStopped)

	// Real-time stream handshake; any failure falls back to polling.
	stream := m.attemptStream(ctx)
	if stream != nil {
		defer stream.Close()
	}
	m.setState(StatePolling)

	maintenance := time.NewTicker(5 * time.Minute)
	defer maintenance.Stop()
	cleanup := time.NewTicker(m.cfg.CleanupEvery)
	defer cleanup.Stop()

	interval := m.cfg.BaseInterval
	timer := time.NewTimer(0) // first cycle runs immediately
	defer timer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-maintenance.C:
			now := time.Now()
			m.cooldowns.Sweep(now)
			m.eval.Sweep(now)
			m.sweepPending(now)
		case <-cleanup.C:
			if _, err := m.store.Cleanup(ctx); err != nil {
				logger.Log.Warn("Retention cleanup failed", zap.Error(err))
			}
		case <-timer.C:
			if err := m.pollCycle(ctx); err != nil {
				pollCyclesTotal.WithLabelValues("error").Inc()
				m.recordFailure(err)
			} else {
				pollCyclesTotal.WithLabelValues("ok").Inc()
				m.recordSuccess()
			}
			interval = m.nextDelay()
			timer.Reset(interval)
		}
	}
}

// ComputeInterval picks the polling delay from alert activity and market
// volatility; an unhealthy API doubles it.
func (m *Monitor) ComputeInterval(activeAlerts int, volatility float64, healthy bool) time.Duration {
	var interval time.Duration
	switch {
	case activeAlerts > 0 && volatility > 0.05:
		interval = m.cfg.FastInterval
	case activeAlerts > 0 || volatility > 0.02:
		interval = m.cfg.BaseInterval
	default:
		interval = m.cfg.SlowInterval
	}
	if !healthy {
		interval *= 2
	}
	return interval
}

// nextDelay applies the adaptive interval, with the degraded floor when
// the scheduler is degraded.
func (m *Monitor) nextDelay() time.Duration {
	m.mu.Lock()
	active := len(m.cachedActive)
	volatility := m.lastVolatility
	degraded := m.state == StateDegraded
	healthy := m.consecutiveErrors < m.cfg.MaxConsecutiveErrors
	m.mu.Unlock()

	interval := m.ComputeInterval(active, volatility, healthy)
	if degraded && interval < m.cfg.DegradedFloor {
		interval = m.cfg.DegradedFloor
	}
	return interval
}

func (m *Monitor) pollCycle(ctx context.Context) error {
	now := time.Now()

	m.mu.Lock()
	tooSoon := !m.lastNetworkCall.IsZero() && now.Sub(m.lastNetworkCall) < m.cfg.MinPollSpacing
	m.mu.Unlock()
	if tooSoon {
		pollCyclesTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	active, err := m.activeAlerts(ctx)
	if err != nil {
		return err
	}

	// Only coins with eligible alerts are fetched.
	byCoin := make(map[string][]*models.Alert)
	for _, a := range active {
		if m.cooldowns.Active(a.ID, now) {
			continue
		}
		byCoin[a.Coin] = append(byCoin[a.Coin], a)
	}
	if len(byCoin) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(byCoin))
	for coin := range byCoin {
		symbols = append(symbols, coin)
	}

	m.mu.Lock()
	m.lastNetworkCall = now
	m.mu.Unlock()

	readings, err := m.market.Snapshot(ctx, symbols, m.cfg.Currency)
	if err != nil {
		return err
	}
	m.observeVolatility(readings)

	var fired []*models.Alert
	firedPrices := make(map[string]float64)
	for coin, coinAlerts := range byCoin {
		reading, ok := readings[coin]
		if !ok {
			continue
		}
		for _, a := range coinAlerts {
			if !m.eval.Evaluate(a, reading, now) {
				continue
			}
			if !m.claimTrigger(a, now) {
				continue
			}
			if !m.store.Trigger(ctx, a.ID, reading.Price) {
				continue
			}
			m.cooldowns.Set(a, now)
			alertsTriggeredTotal.Inc()
			fired = append(fired, a)
			firedPrices[a.ID] = reading.Price
		}
	}

	m.dispatch(fired, firedPrices)
	return nil
}

// claimTrigger registers the alert's trigger key in the dedupe set.
// Returns false if this exact trigger is already pending or cooling down.
func (m *Monitor) claimTrigger(a *models.Alert, now time.Time) bool {
	if m.cooldowns.Active(a.ID, now) {
		return false
	}
	key := triggerKey(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[key]; exists {
		return false
	}
	m.pending[key] = now
	return true
}

// dispatch sends one full notification for a single fired alert, or a
// condensed batch per condition kind when several fire together, spaced
// out so the delivery path is not overwhelmed.
func (m *Monitor) dispatch(fired []*models.Alert, prices map[string]float64) {
	if len(fired) == 0 {
		return
	}

	byKind := make(map[models.Kind][]*models.Alert)
	for _, a := range fired {
		byKind[a.Kind] = append(byKind[a.Kind], a)
	}

	first := true
	for _, group := range byKind {
		if !first {
			select {
			case <-time.After(m.cfg.DispatchSpacing):
			case <-m.stop:
				return
			}
		}
		first = false

		if len(group) == 1 {
			m.notifier.AlertTriggered(group[0], prices[group[0].ID])
		} else {
			m.notifier.AlertBatch(group)
		}
	}
}

// activeAlerts reads active alerts through a short-lived cache so each
// cycle does not hammer the store.
func (m *Monitor) activeAlerts(ctx context.Context) ([]*models.Alert, error) {
	m.mu.Lock()
	if m.cachedActive != nil && time.Since(m.cachedAt) < m.cfg.AlertCacheTTL {
		cached := m.cachedActive
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	active, err := m.store.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cachedActive = active
	m.cachedAt = time.Now()
	m.mu.Unlock()
	return active, nil
}

// InvalidateAlerts forces the next cycle to re-read the store, e.g.
// after an out-of-band mutation.
func (m *Monitor) InvalidateAlerts() {
	m.mu.Lock()
	m.cachedActive = nil
	m.mu.Unlock()
}

// observeVolatility keeps the mean 24h change magnitude (as a fraction)
// for the adaptive interval.
func (m *Monitor) observeVolatility(readings map[string]models.MarketReading) {
	if len(readings) == 0 {
		return
	}
	var sum float64
	for _, r := range readings {
		change := r.Change24h
		if change < 0 {
			change = -change
		}
		sum += change
	}
	m.mu.Lock()
	m.lastVolatility = sum / float64(len(readings)) / 100
	m.mu.Unlock()
}

func (m *Monitor) recordFailure(err error) {
	m.mu.Lock()
	m.consecutiveErrors++
	errs := m.consecutiveErrors
	entered := false
	if errs >= m.cfg.MaxConsecutiveErrors && m.state == StatePolling {
		m.state = StateDegraded
		entered = true
	}
	m.mu.Unlock()

	consecutiveErrorsGauge.Set(float64(errs))
	logger.Log.Warn("Poll cycle failed",
		zap.Int("consecutive_errors", errs),
		zap.Error(err),
	)
	if entered {
		degradedGauge.Set(1)
		logger.Log.Warn("Monitoring degraded, forcing slow polling",
			zap.Duration("floor", m.cfg.DegradedFloor),
		)
	}
}

func (m *Monitor) recordSuccess() {
	m.mu.Lock()
	recovered := m.state == StateDegraded
	m.consecutiveErrors = 0
	if recovered {
		m.state = StatePolling
	}
	m.mu.Unlock()

	consecutiveErrorsGauge.Set(0)
	if recovered {
		degradedGauge.Set(0)
		logger.Log.Info("Monitoring recovered, resuming adaptive polling")
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) sweepPending(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, seen := range m.pending {
		if now.Sub(seen) > 10*time.Minute {
			delete(m.pending, key)
		}
	}
}

// triggerKey includes the target so an edited alert can fire again at
// its new threshold without waiting for the pending sweep.
func triggerKey(a *models.Alert) string {
	return a.ID + "|" + strconv.FormatFloat(a.TargetPrice, 'f', -1, 64)
}
