// Package alerts holds the decision logic of the monitor: whether an
// alert fires for a market reading, and the in-memory bookkeeping
// (consecutive-poll history, cooldowns) that decision depends on.
package alerts

import (
	"sync"
	"time"

	"alertmonitor/internal/models"
)

// ConsecutiveWindow is the rolling window within which consecutive
// qualifying polls must land.
const ConsecutiveWindow = 5 * time.Minute

// ShouldTrigger is the basic threshold predicate. Only active alerts are
// eligible: above fires at price ≥ target, below at price ≤ target.
func ShouldTrigger(a *models.Alert, currentPrice float64) bool {
	if a.Status != models.StatusActive {
		return false
	}
	switch a.Kind {
	case models.KindAbove:
		return currentPrice >= a.TargetPrice
	case models.KindBelow:
		return currentPrice <= a.TargetPrice
	default:
		return false
	}
}

// Evaluator is the canonical alert evaluator. It layers the optional
// per-alert conditions on top of ShouldTrigger and owns the rolling
// consecutive-poll history those conditions need.
type Evaluator struct {
	mu          sync.Mutex
	consecutive map[string][]time.Time
}

func NewEvaluator() *Evaluator {
	return &Evaluator{consecutive: make(map[string][]time.Time)}
}

// Evaluate decides whether the alert fires for this reading.
func (e *Evaluator) Evaluate(a *models.Alert, reading models.MarketReading, now time.Time) bool {
	if !ShouldTrigger(a, reading.Price) {
		// A non-qualifying poll breaks any consecutive streak.
		e.mu.Lock()
		delete(e.consecutive, a.ID)
		e.mu.Unlock()
		return false
	}

	c := a.Conditions
	if c == nil {
		return true
	}

	if c.MinVolatility > 0 && abs(reading.Change24h) < c.MinVolatility {
		return false
	}

	if c.ConsecutiveChecks > 1 {
		return e.recordQualifyingPoll(a.ID, now) >= c.ConsecutiveChecks
	}

	if c.WindowStart != nil && c.WindowEnd != nil {
		return !now.Before(*c.WindowStart) && !now.After(*c.WindowEnd)
	}

	return true
}

// recordQualifyingPoll appends a qualifying poll timestamp and returns
// how many fall inside the rolling window.
func (e *Evaluator) recordQualifyingPoll(id string, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	recent := e.consecutive[id][:0]
	for _, t := range e.consecutive[id] {
		if now.Sub(t) < ConsecutiveWindow {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	e.consecutive[id] = recent
	return len(recent)
}

// Sweep drops consecutive-poll histories with no recent entries.
func (e *Evaluator) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, times := range e.consecutive {
		recent := times[:0]
		for _, t := range times {
			if now.Sub(t) < ConsecutiveWindow {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(e.consecutive, id)
		} else {
			e.consecutive[id] = recent
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
