// Package store owns persisted alert records. Operations are backed by
// Postgres when a database is configured, otherwise by the encrypted
// local document store; callers never see which.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alertmonitor/internal/logger"
	"alertmonitor/internal/models"

	"go.uber.org/zap"
)

// Backend is the persistence surface a Store drives.
type Backend interface {
	GetAll(ctx context.Context) ([]*models.Alert, error)
	GetActive(ctx context.Context) ([]*models.Alert, error)
	GetForCoin(ctx context.Context, coin string) ([]*models.Alert, error)
	Get(ctx context.Context, id string) (*models.Alert, error)
	Insert(ctx context.Context, alert *models.Alert) error
	Save(ctx context.Context, alert *models.Alert) error
	Delete(ctx context.Context, id string) error
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Toaster receives user-facing outcome events for explicit mutations.
// Every successful or failed create/update/delete surfaces a toast; this
// coupling is deliberate, not incidental.
type Toaster interface {
	Toast(kind, message string)
}

// RetentionWindow is how long dismissed and triggered alerts are kept
// before Cleanup drops them.
const RetentionWindow = 30 * 24 * time.Hour

// Store is the alert persistence service.
type Store struct {
	backend Backend
	toasts  Toaster
}

// New builds a Store over a backend. toasts may be nil.
func New(backend Backend, toasts Toaster) *Store {
	return &Store{backend: backend, toasts: toasts}
}

func (s *Store) toast(kind, format string, args ...any) {
	if s.toasts != nil {
		s.toasts.Toast(kind, fmt.Sprintf(format, args...))
	}
}

// GetAll returns every alert, newest first.
func (s *Store) GetAll(ctx context.Context) ([]*models.Alert, error) {
	return s.backend.GetAll(ctx)
}

// Get returns one alert or models.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Alert, error) {
	return s.backend.Get(ctx, id)
}

// GetForCoin returns all alerts for a coin symbol.
func (s *Store) GetForCoin(ctx context.Context, coin string) ([]*models.Alert, error) {
	return s.backend.GetForCoin(ctx, coin)
}

// GetActive returns alerts still in the active state.
func (s *Store) GetActive(ctx context.Context) ([]*models.Alert, error) {
	return s.backend.GetActive(ctx)
}

// Add validates a draft and persists a new active alert.
func (s *Store) Add(ctx context.Context, draft models.Draft) (*models.Alert, error) {
	alert, err := models.NewAlert(draft)
	if err != nil {
		s.toast("error", "Failed to create alert: %v", err)
		return nil, err
	}

	if err := s.backend.Insert(ctx, alert); err != nil {
		s.toast("error", "Failed to create alert: %v", err)
		return nil, err
	}

	s.toast("success", "Alert created for %s %s $%g",
		strings.ToUpper(alert.Coin), alert.Kind, alert.TargetPrice)
	return alert, nil
}

// Update merges a patch into an alert. Returns false on unknown id,
// invalid patch, or persistence failure.
func (s *Store) Update(ctx context.Context, id string, patch models.Patch) bool {
	alert, err := s.backend.Get(ctx, id)
	if err != nil {
		s.toast("error", "Failed to update alert: %v", err)
		return false
	}

	if err := patch.Apply(alert); err != nil {
		s.toast("error", "Failed to update alert: %v", err)
		return false
	}

	if err := s.backend.Save(ctx, alert); err != nil {
		s.toast("error", "Failed to update alert: %v", err)
		return false
	}

	s.toast("success", "Alert updated successfully")
	return true
}

// Remove deletes an alert. Returns false on unknown id or write failure.
func (s *Store) Remove(ctx context.Context, id string) bool {
	if err := s.backend.Delete(ctx, id); err != nil {
		s.toast("error", "Failed to delete alert: %v", err)
		return false
	}
	s.toast("success", "Alert deleted successfully")
	return true
}

// Trigger transitions an active alert to triggered, recording when and at
// what price it fired. Non-active alerts are left alone.
func (s *Store) Trigger(ctx context.Context, id string, price float64) bool {
	alert, err := s.backend.Get(ctx, id)
	if err != nil {
		return false
	}
	if alert.Status != models.StatusActive {
		return false
	}

	now := time.Now()
	alert.Status = models.StatusTriggered
	alert.TriggeredAt = &now
	alert.TriggeredPrice = &price
	alert.TriggerCount++
	alert.UpdatedAt = now

	if err := s.backend.Save(ctx, alert); err != nil {
		logger.Log.Error("Failed to mark alert triggered",
			zap.String("alert_id", id),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Dismiss moves an active or triggered alert to dismissed. Dismissed
// alerts stay dismissed; there is no resurrection path.
func (s *Store) Dismiss(ctx context.Context, id string) bool {
	alert, err := s.backend.Get(ctx, id)
	if err != nil {
		s.toast("error", "Failed to dismiss alert: %v", err)
		return false
	}
	if alert.Status == models.StatusDismissed {
		return true
	}

	now := time.Now()
	alert.Status = models.StatusDismissed
	alert.DismissedAt = &now
	alert.UpdatedAt = now

	if err := s.backend.Save(ctx, alert); err != nil {
		s.toast("error", "Failed to dismiss alert: %v", err)
		return false
	}
	s.toast("success", "Alert dismissed")
	return true
}

// Stats returns counts by status and by condition kind.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	alerts, err := s.backend.GetAll(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	return models.Tally(alerts), nil
}

// Cleanup drops triggered/dismissed alerts older than the retention window.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-RetentionWindow)
	n, err := s.backend.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Log.Info("Cleaned up old alerts", zap.Int("count", n))
		s.toast("info", "Cleaned up %d old alerts", n)
	}
	return n, nil
}

// IsValidationError reports whether err is a draft/patch validation failure.
func IsValidationError(err error) bool {
	var ve *models.ValidationError
	return errors.As(err, &ve)
}
