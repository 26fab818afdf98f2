// handlers/sse.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"alertmonitor/internal/cache"
	"alertmonitor/internal/logger"
	"alertmonitor/internal/notify"

	"go.uber.org/zap"
)

// SSE clients
var (
	clients = make(map[chan notify.Event]bool)
	mu      sync.Mutex
)

var eventSubscriber *cache.RedisSubscriber

// InitSSE subscribes to the notification channel and starts relaying
// events to connected SSE clients.
func InitSSE() {
	var err error
	eventSubscriber, err = cache.NewRedisSubscriber(notify.AlertsChannel)
	if err != nil {
		logger.Log.Error("Failed to create Redis subscriber", zap.Error(err))
		return
	}

	go listenForEvents()
}

// listenForEvents continuously relays published notifications to clients.
func listenForEvents() {
	logger.Log.Info("Starting to listen for notifications from Redis")

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		msg, err := eventSubscriber.ReceiveMessage(ctx)
		cancel()

		if err != nil {
			logger.Log.Error("Error receiving message from Redis", zap.Error(err))
			time.Sleep(1 * time.Second) // Wait before retry
			continue
		}

		var ev notify.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logger.Log.Error("Error unmarshaling notification", zap.Error(err))
			continue
		}

		logger.Log.Info("Received notification from Redis",
			zap.String("type", ev.Type),
			zap.String("coin", ev.Coin))

		broadcastToClients(ev)
	}
}

// StreamEventsHandler handles SSE connections.
func StreamEventsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientChan := make(chan notify.Event, 10)

	mu.Lock()
	clients[clientChan] = true
	clientCount := len(clients)
	mu.Unlock()

	logger.Log.Info("New SSE client connected", zap.Int("total_clients", clientCount))

	defer func() {
		mu.Lock()
		delete(clients, clientChan)
		clientCount := len(clients)
		mu.Unlock()
		close(clientChan)
		logger.Log.Info("SSE client disconnected", zap.Int("total_clients", clientCount))
	}()

	// Send heartbeats to keep connection alive
	go func() {
		heartbeatTicker := time.NewTicker(15 * time.Second)
		defer heartbeatTicker.Stop()

		for {
			select {
			case <-heartbeatTicker.C:
				select {
				case clientChan <- notify.Event{Type: "heartbeat", Timestamp: time.Now()}:
					// Heartbeat sent successfully
				default:
					// Channel is blocked or closed, exit goroutine
					return
				}
			case <-r.Context().Done():
				// Request context done, exit goroutine
				return
			}
		}
	}()

	// Stream events to client
	for ev := range clientChan {
		eventData, err := json.Marshal(ev)
		if err != nil {
			logger.Log.Error("Failed to marshal event data", zap.Error(err))
			continue
		}

		fmt.Fprintf(w, "data: %s\n\n", eventData)
		flusher.Flush()
	}
}

// broadcastToClients sends an event to all connected SSE clients.
func broadcastToClients(ev notify.Event) {
	mu.Lock()
	defer mu.Unlock()

	if len(clients) == 0 {
		return
	}

	logger.Log.Info("Broadcasting event to clients",
		zap.Int("client_count", len(clients)),
		zap.String("type", ev.Type))

	for clientChan := range clients {
		select {
		case clientChan <- ev:
			// Event sent successfully
		default:
			logger.Log.Warn("Event dropped due to slow client")
		}
	}
}
