package alerts

import (
	"sync"
	"time"

	"alertmonitor/internal/models"
)

// Cooldowns suppresses re-triggering an alert within its cooldown window
// even when the condition stays true across poll cycles. State is
// process-lifetime only; a restart clears it.
type Cooldowns struct {
	fallback time.Duration

	mu      sync.Mutex
	expires map[string]time.Time // alert ID → cooldown end
}

func NewCooldowns(fallback time.Duration) *Cooldowns {
	return &Cooldowns{
		fallback: fallback,
		expires:  make(map[string]time.Time),
	}
}

// Active reports whether the alert is still cooling down.
func (c *Cooldowns) Active(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	end, ok := c.expires[id]
	return ok && now.Before(end)
}

// Set starts the alert's cooldown, honoring its per-alert override.
func (c *Cooldowns) Set(a *models.Alert, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[a.ID] = now.Add(a.Cooldown(c.fallback))
}

// Sweep drops expired entries.
func (c *Cooldowns) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, end := range c.expires {
		if now.After(end) {
			delete(c.expires, id)
		}
	}
}
