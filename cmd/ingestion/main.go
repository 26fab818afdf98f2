package main

import (
	"encoding/json"
	"flag"
	"strconv"
	"strings"
	"time"

	"alertmonitor/internal/config"
	"alertmonitor/internal/logger"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Coinbase WebSocket feed for live trades
const coinbaseWS = "wss://ws-feed.exchange.coinbase.com"

const priceTopic = "price.updates"

// Coinbase subscription message format
type SubscriptionMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// Trade message structure from Coinbase
type TradeMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Time      string `json:"time"`
}

// Standardized price update format
type PriceUpdate struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

func newKafkaProducer(broker string) *kafka.Producer {
	p, err := kafka.NewProducer(&kafka.ConfigMap{"bootstrap.servers": broker})
	if err != nil {
		logger.Log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	return p
}

func publishToKafka(producer *kafka.Producer, priceData PriceUpdate) {
	value, err := json.Marshal(priceData)
	if err != nil {
		logger.Log.Error("Error marshaling price update", zap.Error(err))
		return
	}

	topic := priceTopic
	err = producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          value,
	}, nil)
	if err != nil {
		logger.Log.Error("Error producing Kafka message", zap.Error(err))
	}
}

// connectWebSocket dials the feed with exponential backoff, capped at 30s.
func connectWebSocket() *websocket.Conn {
	backoff := 1 * time.Second

	for {
		logger.Log.Info("Connecting to Coinbase WebSocket")
		c, _, err := websocket.DefaultDialer.Dial(coinbaseWS, nil)
		if err != nil {
			logger.Log.Warn("WebSocket connection failed, retrying",
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		logger.Log.Info("Connected to Coinbase WebSocket")
		return c
	}
}

func main() {
	products := flag.String("products", "BTC-USD,ETH-USD", "Comma-separated Coinbase product IDs to ingest")
	flag.Parse()

	logger.InitLogger()
	cfg := config.Load()

	producer := newKafkaProducer(cfg.KafkaBroker)
	defer producer.Close()

	productIDs := strings.Split(*products, ",")

	for {
		c := connectWebSocket()

		subscribe := SubscriptionMessage{
			Type:       "subscribe",
			ProductIDs: productIDs,
			Channels:   []string{"matches"},
		}
		if err := c.WriteJSON(subscribe); err != nil {
			logger.Log.Error("Subscription failed", zap.Error(err))
			c.Close()
			continue
		}

		logger.Log.Info("Subscribed to trade feed", zap.Strings("products", productIDs))

		readLoop(c, producer)
		c.Close()
	}
}

func readLoop(c *websocket.Conn, producer *kafka.Producer) {
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			logger.Log.Warn("WebSocket read failed, reconnecting", zap.Error(err))
			return
		}

		var trade TradeMessage
		if err := json.Unmarshal(message, &trade); err != nil {
			logger.Log.Warn("Error parsing feed message", zap.Error(err))
			continue
		}

		// Only "match" messages are completed trades.
		if trade.Type != "match" {
			continue
		}

		price, err := strconv.ParseFloat(trade.Price, 64)
		if err != nil {
			logger.Log.Warn("Unparseable trade price",
				zap.String("price", trade.Price),
				zap.Error(err),
			)
			continue
		}

		publishToKafka(producer, PriceUpdate{
			Exchange:  "coinbase",
			Symbol:    baseSymbol(trade.ProductID),
			Price:     price,
			Timestamp: trade.Time,
		})
	}
}

// baseSymbol maps a product ID like "BTC-USD" to the coin symbol the
// alert store uses.
func baseSymbol(productID string) string {
	base, _, _ := strings.Cut(productID, "-")
	return strings.ToLower(base)
}
