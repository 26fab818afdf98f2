package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the direction of a price alert condition.
type Kind string

const (
	KindAbove Kind = "above"
	KindBelow Kind = "below"
)

// Status is the lifecycle state of an alert. Valid transitions are
// active → triggered → dismissed and active → dismissed.
type Status string

const (
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusDismissed Status = "dismissed"
)

// Conditions are optional gates layered on top of the basic threshold check.
type Conditions struct {
	// MinVolatility skips evaluation unless the 24h change magnitude
	// (percent) is at least this value.
	MinVolatility float64 `json:"min_volatility,omitempty"`
	// ConsecutiveChecks requires N qualifying polls within a rolling
	// five-minute window before the alert fires.
	ConsecutiveChecks int `json:"consecutive_checks,omitempty"`
	// WindowStart/WindowEnd restrict evaluation to a time range.
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
}

// Alert represents a price alert for a cryptocurrency.
type Alert struct {
	ID          string      `json:"id" db:"id"`
	Coin        string      `json:"coin" db:"coin"`
	Kind        Kind        `json:"type" db:"kind"`
	TargetPrice float64     `json:"target_price" db:"target_price"`
	Currency    string      `json:"currency" db:"currency"`
	Status      Status      `json:"status" db:"status"`
	Conditions  *Conditions `json:"conditions,omitempty"`

	// CooldownSeconds overrides the default re-trigger cooldown.
	CooldownSeconds int `json:"cooldown_seconds,omitempty" db:"cooldown_seconds"`

	TriggerCount   int        `json:"trigger_count,omitempty" db:"trigger_count"`
	TriggeredPrice *float64   `json:"triggered_price,omitempty" db:"triggered_price"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	TriggeredAt    *time.Time `json:"triggered_at,omitempty" db:"triggered_at"`
	DismissedAt    *time.Time `json:"dismissed_at,omitempty" db:"dismissed_at"`
}

// Cooldown returns the re-trigger suppression window for this alert.
func (a *Alert) Cooldown(fallback time.Duration) time.Duration {
	if a.CooldownSeconds > 0 {
		return time.Duration(a.CooldownSeconds) * time.Second
	}
	return fallback
}

// Draft is the user-supplied portion of a new alert.
type Draft struct {
	Coin            string      `json:"coin"`
	Kind            Kind        `json:"type"`
	TargetPrice     float64     `json:"target_price"`
	Currency        string      `json:"currency"`
	Conditions      *Conditions `json:"conditions,omitempty"`
	CooldownSeconds int         `json:"cooldown_seconds,omitempty"`
}

// ValidationError reports a rejected alert draft.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: %s %s", e.Field, e.Reason)
}

// Validate checks a draft before persistence.
func (d *Draft) Validate() error {
	if strings.TrimSpace(d.Coin) == "" {
		return &ValidationError{Field: "coin", Reason: "must not be empty"}
	}
	if d.Kind != KindAbove && d.Kind != KindBelow {
		return &ValidationError{Field: "type", Reason: "must be 'above' or 'below'"}
	}
	if d.TargetPrice <= 0 {
		return &ValidationError{Field: "target_price", Reason: "must be greater than 0"}
	}
	return nil
}

// NewAlert builds an active alert from a validated draft.
func NewAlert(d Draft) (*Alert, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	currency := d.Currency
	if currency == "" {
		currency = "USD"
	}
	now := time.Now()
	return &Alert{
		ID:              uuid.New().String(),
		Coin:            strings.ToLower(strings.TrimSpace(d.Coin)),
		Kind:            d.Kind,
		TargetPrice:     d.TargetPrice,
		Currency:        strings.ToUpper(currency),
		Status:          StatusActive,
		Conditions:      d.Conditions,
		CooldownSeconds: d.CooldownSeconds,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Patch carries the updatable fields of an alert. Nil fields are left alone.
type Patch struct {
	TargetPrice     *float64    `json:"target_price,omitempty"`
	Kind            *Kind       `json:"type,omitempty"`
	Currency        *string     `json:"currency,omitempty"`
	Conditions      *Conditions `json:"conditions,omitempty"`
	CooldownSeconds *int        `json:"cooldown_seconds,omitempty"`
}

// Apply merges the patch into the alert and stamps UpdatedAt.
func (p Patch) Apply(a *Alert) error {
	if p.TargetPrice != nil {
		if *p.TargetPrice <= 0 {
			return &ValidationError{Field: "target_price", Reason: "must be greater than 0"}
		}
		a.TargetPrice = *p.TargetPrice
	}
	if p.Kind != nil {
		if *p.Kind != KindAbove && *p.Kind != KindBelow {
			return &ValidationError{Field: "type", Reason: "must be 'above' or 'below'"}
		}
		a.Kind = *p.Kind
	}
	if p.Currency != nil {
		a.Currency = strings.ToUpper(*p.Currency)
	}
	if p.Conditions != nil {
		a.Conditions = p.Conditions
	}
	if p.CooldownSeconds != nil {
		a.CooldownSeconds = *p.CooldownSeconds
	}
	a.UpdatedAt = time.Now()
	return nil
}

// ErrNotFound is returned when an alert ID does not exist.
var ErrNotFound = errors.New("alert not found")

// MarketReading is a per-coin market snapshot. Ephemeral: rebuilt every
// poll from cache or network, never persisted.
type MarketReading struct {
	Price     float64   `json:"price"`
	Volume24h float64   `json:"volume_24h"`
	Change24h float64   `json:"change_24h"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Stats summarizes alerts by status and condition kind.
type Stats struct {
	Total    int `json:"total"`
	ByStatus struct {
		Active    int `json:"active"`
		Triggered int `json:"triggered"`
		Dismissed int `json:"dismissed"`
	} `json:"by_status"`
	ByKind struct {
		Above int `json:"above"`
		Below int `json:"below"`
	} `json:"by_type"`
}

// Tally builds stats from a slice of alerts.
func Tally(alerts []*Alert) Stats {
	var s Stats
	s.Total = len(alerts)
	for _, a := range alerts {
		switch a.Status {
		case StatusActive:
			s.ByStatus.Active++
		case StatusTriggered:
			s.ByStatus.Triggered++
		case StatusDismissed:
			s.ByStatus.Dismissed++
		}
		switch a.Kind {
		case KindAbove:
			s.ByKind.Above++
		case KindBelow:
			s.ByKind.Below++
		}
	}
	return s
}
