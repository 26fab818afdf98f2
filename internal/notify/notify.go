// Package notify fans triggered-alert and toast events out to delivery
// sinks. Dispatch is fire-and-forget: sink failures are swallowed and
// logged, never propagated to the monitoring loop.
package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"alertmonitor/internal/logger"
	"alertmonitor/internal/models"

	"go.uber.org/zap"
)

// Event kinds.
const (
	TypeToast      = "toast"
	TypeAlert      = "alert"
	TypeBatchAlert = "batch_alert"
)

// Event is the payload delivered to sinks. Toast events carry Kind and
// Message only; alert events carry the trigger details.
type Event struct {
	Type         string      `json:"type"`
	Kind         string      `json:"kind,omitempty"` // toast severity: success, error, info
	Title        string      `json:"title,omitempty"`
	Message      string      `json:"message"`
	Coin         string      `json:"coin,omitempty"`
	AlertID      string      `json:"alert_id,omitempty"`
	AlertType    models.Kind `json:"alert_type,omitempty"`
	CurrentPrice float64     `json:"current_price,omitempty"`
	TargetPrice  float64     `json:"target_price,omitempty"`
	AlertCount   int         `json:"alert_count,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Sink delivers events. Push sinks are the OS-notification analogue and
// are deduplicated per coin; non-push sinks see every event.
type Sink interface {
	Deliver(ev Event) error
	Name() string
	Push() bool
}

// pushDedupeWindow limits push deliveries to one per coin per window,
// regardless of how many alerts fired.
const pushDedupeWindow = 30 * time.Second

// Dispatcher fans events out to its sinks.
type Dispatcher struct {
	sinks []Sink

	mu       sync.Mutex
	lastPush map[string]time.Time // coin → last push delivery
}

func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:    sinks,
		lastPush: make(map[string]time.Time),
	}
}

// Notify delivers the event to every sink. No return value, no retry.
func (d *Dispatcher) Notify(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, sink := range d.sinks {
		if sink.Push() && !d.allowPush(ev) {
			continue
		}
		if err := sink.Deliver(ev); err != nil {
			logger.Log.Warn("Notification sink failed",
				zap.String("sink", sink.Name()),
				zap.String("event_type", ev.Type),
				zap.Error(err),
			)
		}
	}
}

// allowPush applies the per-coin dedupe to push sinks. Toasts are not
// push material and always pass.
func (d *Dispatcher) allowPush(ev Event) bool {
	if ev.Type == TypeToast {
		return false
	}
	key := ev.Coin
	if ev.Type == TypeBatchAlert {
		key = "multiple"
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.lastPush[key]; ok && now.Sub(last) < pushDedupeWindow {
		return false
	}
	d.lastPush[key] = now
	return true
}

// Toast sends a user-facing outcome message. Implements store.Toaster.
func (d *Dispatcher) Toast(kind, message string) {
	d.Notify(Event{Type: TypeToast, Kind: kind, Message: message})
}

// AlertTriggered announces a single fired alert.
func (d *Dispatcher) AlertTriggered(a *models.Alert, currentPrice float64) {
	coin := strings.ToUpper(a.Coin)
	var title, message string
	switch a.Kind {
	case models.KindAbove:
		title = fmt.Sprintf("%s Price Alert", coin)
		message = fmt.Sprintf("%s reached $%.2f (target: $%.2f)", coin, currentPrice, a.TargetPrice)
	case models.KindBelow:
		title = fmt.Sprintf("%s Price Alert", coin)
		message = fmt.Sprintf("%s dropped to $%.2f (target: $%.2f)", coin, currentPrice, a.TargetPrice)
	}

	d.Notify(Event{
		Type:         TypeAlert,
		Title:        title,
		Message:      message,
		Coin:         a.Coin,
		AlertID:      a.ID,
		AlertType:    a.Kind,
		CurrentPrice: currentPrice,
		TargetPrice:  a.TargetPrice,
	})
}

// AlertBatch announces several alerts fired in the same cycle as one
// condensed notification.
func (d *Dispatcher) AlertBatch(fired []*models.Alert) {
	if len(fired) == 0 {
		return
	}
	names := make([]string, 0, 3)
	for _, a := range fired {
		if len(names) == 3 {
			break
		}
		names = append(names, strings.ToUpper(a.Coin))
	}
	message := strings.Join(names, ", ")
	if extra := len(fired) - len(names); extra > 0 {
		message += fmt.Sprintf(" and %d more", extra)
	}

	d.Notify(Event{
		Type:       TypeBatchAlert,
		Title:      fmt.Sprintf("%d Price Alerts Triggered", len(fired)),
		Message:    message + " alerts triggered",
		AlertCount: len(fired),
	})
}
