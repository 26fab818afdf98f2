package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"alertmonitor/internal/logger"
	"alertmonitor/internal/models"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// PriceUpdate is the live stream payload on the price topic.
type PriceUpdate struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// stream wraps the optional Kafka price feed. The feed complements
// polling with immediate evaluation; it never replaces the poll loop.
type stream struct {
	consumer *kafka.Consumer
	done     chan struct{}
}

// attemptStream probes the live price stream during the connecting
// state. A missing broker config or failed handshake returns nil and
// the scheduler proceeds on polling alone.
func (m *Monitor) attemptStream(ctx context.Context) *stream {
	if m.cfg.KafkaBroker == "" {
		return nil
	}

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": m.cfg.KafkaBroker,
		"group.id":          "alert-monitor-group",
		"auto.offset.reset": "latest",
	})
	if err != nil {
		logger.Log.Warn("Price stream unavailable, falling back to polling", zap.Error(err))
		return nil
	}
	if err := consumer.Subscribe(m.cfg.PriceTopic, nil); err != nil {
		logger.Log.Warn("Price stream subscribe failed, falling back to polling", zap.Error(err))
		consumer.Close()
		return nil
	}

	s := &stream{consumer: consumer, done: make(chan struct{})}
	logger.Log.Info("Price stream connected",
		zap.String("broker", m.cfg.KafkaBroker),
		zap.String("topic", m.cfg.PriceTopic),
	)
	go m.consumeStream(ctx, s)
	return s
}

func (s *stream) Close() {
	close(s.done)
	s.consumer.Close()
}

func (m *Monitor) consumeStream(ctx context.Context, s *stream) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := s.consumer.ReadMessage(time.Second)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.IsTimeout() {
				continue
			}
			logger.Log.Warn("Price stream read failed", zap.Error(err))
			continue
		}

		var update PriceUpdate
		if err := json.Unmarshal(msg.Value, &update); err != nil {
			logger.Log.Warn("Malformed price update", zap.Error(err))
			continue
		}
		m.evaluateLive(ctx, update)
	}
}

// evaluateLive checks a live price against the cached active alerts for
// that coin. Triggers flow through the same store transition, cooldown,
// and dispatch path as poll cycles.
func (m *Monitor) evaluateLive(ctx context.Context, update PriceUpdate) {
	active, err := m.activeAlerts(ctx)
	if err != nil {
		logger.Log.Warn("Live evaluation skipped", zap.Error(err))
		return
	}

	now := time.Now()
	reading := models.MarketReading{Price: update.Price, FetchedAt: now}
	var fired []*models.Alert
	prices := make(map[string]float64)
	for _, a := range active {
		if !strings.EqualFold(a.Coin, update.Symbol) {
			continue
		}
		if !m.eval.Evaluate(a, reading, now) {
			continue
		}
		if !m.claimTrigger(a, now) {
			continue
		}
		if !m.store.Trigger(ctx, a.ID, update.Price) {
			continue
		}
		m.cooldowns.Set(a, now)
		alertsTriggeredTotal.Inc()
		fired = append(fired, a)
		prices[a.ID] = update.Price
	}
	m.dispatch(fired, prices)
}
