package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"alertmonitor/internal/logger"

	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without touching the network while the
// circuit breaker is open after repeated rate limiting.
var ErrCircuitOpen = errors.New("circuit breaker open - market API temporarily disabled")

// HTTPError carries a non-2xx response status.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("market API HTTP %d: %s", e.Status, e.URL)
}

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_api_requests_total",
			Help: "Total market API requests by outcome",
		},
		[]string{"outcome"},
	)
	rateLimitHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "market_api_rate_limit_hits_total",
			Help: "Total HTTP 429 responses from the market API",
		},
	)
	circuitBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "market_api_circuit_breaker_open",
			Help: "1 while the circuit breaker is open",
		},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal)
	prometheus.MustRegister(rateLimitHitsTotal)
	prometheus.MustRegister(circuitBreakerOpen)
}

type call struct {
	ctx  context.Context
	url  string
	done chan callResult
}

type callResult struct {
	body []byte
	err  error
}

// Client serializes market API requests through a FIFO queue so at most
// one call is in flight process-wide, enforces a minimum spacing between
// calls, retries 429s with exponential backoff, and opens a circuit
// breaker after repeated rate-limit hits.
type Client struct {
	httpClient *http.Client
	queue      chan *call
	closeOnce  sync.Once

	minInterval    time.Duration
	maxRetries     int
	backoffBase    float64
	backoffUnit    time.Duration
	breakerAfter   int
	breakerTimeout time.Duration

	// Optional distributed quota, shared across instances via Redis.
	limiter  *redis_rate.Limiter
	rateKey  string
	ratePerS int

	mu            sync.Mutex
	rateLimitHits int
	breakerUntil  time.Time
}

// Option tunes a Client.
type Option func(*Client)

// WithMinInterval sets the spacing between the completion of one request
// and the start of the next.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) { c.minInterval = d }
}

// WithRetry sets the 429 retry budget and the backoff unit (backoff is
// base^attempt * unit).
func WithRetry(maxRetries int, unit time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoffUnit = unit
	}
}

// WithBreaker sets how many rate-limit hits open the breaker and for how long.
func WithBreaker(after int, timeout time.Duration) Option {
	return func(c *Client) {
		c.breakerAfter = after
		c.breakerTimeout = timeout
	}
}

// WithRedisQuota adds a redis_rate limiter so multiple processes share
// one per-second API budget.
func WithRedisQuota(limiter *redis_rate.Limiter, key string, perSecond int) Option {
	return func(c *Client) {
		c.limiter = limiter
		c.rateKey = key
		c.ratePerS = perSecond
	}
}

// NewClient builds a client and starts its queue worker.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		queue:          make(chan *call, 64),
		minInterval:    2 * time.Second,
		maxRetries:     3,
		backoffBase:    2,
		backoffUnit:    time.Second,
		breakerAfter:   3,
		breakerTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.worker()
	return c
}

// Close stops the queue worker. Pending calls are drained with an error.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.queue) })
}

// Request enqueues a GET and waits for its turn. The body is returned on
// 2xx; otherwise an HTTPError, ErrCircuitOpen, or transport error.
func (c *Client) Request(ctx context.Context, url string) ([]byte, error) {
	cl := &call{ctx: ctx, url: url, done: make(chan callResult, 1)}
	select {
	case c.queue <- cl:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-cl.done:
		return res.body, res.err
	case <-ctx.Done():
		// The worker still owns the call; its result is discarded.
		return nil, ctx.Err()
	}
}

func (c *Client) worker() {
	for cl := range c.queue {
		if err := cl.ctx.Err(); err != nil {
			cl.done <- callResult{err: err}
			continue
		}
		body, err := c.execute(cl.ctx, cl.url)
		cl.done <- callResult{body: body, err: err}
		time.Sleep(c.minInterval)
	}
}

func (c *Client) execute(ctx context.Context, url string) ([]byte, error) {
	if open, until := c.breakerState(); open {
		apiRequestsTotal.WithLabelValues("breaker_open").Inc()
		logger.Log.Warn("Request rejected, circuit breaker open",
			zap.String("url", url),
			zap.Time("until", until),
		)
		return nil, ErrCircuitOpen
	}

	if c.limiter != nil {
		if err := c.waitForQuota(ctx); err != nil {
			return nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		body, retry, err := c.attempt(ctx, url)
		if err == nil {
			c.recordSuccess()
			apiRequestsTotal.WithLabelValues("success").Inc()
			return body, nil
		}
		if !retry || attempt >= c.maxRetries {
			apiRequestsTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		backoff := time.Duration(math.Pow(c.backoffBase, float64(attempt))) * c.backoffUnit
		logger.Log.Warn("Rate limited, backing off",
			zap.String("url", url),
			zap.Duration("backoff", backoff),
			zap.Int("attempt", attempt+1),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attempt performs one HTTP round trip. retry is true only for 429s that
// have not tripped the breaker.
func (c *Client) attempt(ctx context.Context, url string) (body []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "alertmonitor/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		rateLimitHitsTotal.Inc()
		if c.recordRateLimitHit() {
			return nil, false, ErrCircuitOpen
		}
		return nil, true, &HTTPError{Status: resp.StatusCode, URL: url}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, &HTTPError{Status: resp.StatusCode, URL: url}
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return body, false, nil
}

// recordRateLimitHit counts a 429 and reports whether the breaker opened.
func (c *Client) recordRateLimitHit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHits++
	if c.rateLimitHits >= c.breakerAfter {
		c.breakerUntil = time.Now().Add(c.breakerTimeout)
		circuitBreakerOpen.Set(1)
		logger.Log.Warn("Opening circuit breaker",
			zap.Int("rate_limit_hits", c.rateLimitHits),
			zap.Duration("timeout", c.breakerTimeout),
		)
		return true
	}
	return false
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHits = 0
	if !c.breakerUntil.IsZero() {
		c.breakerUntil = time.Time{}
		circuitBreakerOpen.Set(0)
	}
}

// breakerState reports whether the breaker is open, auto-closing it once
// the timeout has elapsed.
func (c *Client) breakerState() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.breakerUntil.IsZero() {
		return false, time.Time{}
	}
	if time.Now().After(c.breakerUntil) {
		c.breakerUntil = time.Time{}
		c.rateLimitHits = 0
		circuitBreakerOpen.Set(0)
		logger.Log.Info("Closing circuit breaker, resuming API calls")
		return false, time.Time{}
	}
	return true, c.breakerUntil
}

func (c *Client) waitForQuota(ctx context.Context) error {
	for {
		res, err := c.limiter.Allow(ctx, c.rateKey, redis_rate.PerSecond(c.ratePerS))
		if err != nil {
			// Redis being down must not stall polling.
			logger.Log.Warn("Rate limiter unavailable, proceeding", zap.Error(err))
			return nil
		}
		if res.Allowed > 0 {
			return nil
		}
		select {
		case <-time.After(res.RetryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
