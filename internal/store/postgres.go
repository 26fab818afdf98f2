package store

import (
	"context"
	"time"

	"alertmonitor/internal/database"
	"alertmonitor/internal/models"
)

// PostgresBackend drives the shared database package. database.InitDB
// must have been called before use.
type PostgresBackend struct{}

func NewPostgresBackend() *PostgresBackend { return &PostgresBackend{} }

func (b *PostgresBackend) GetAll(ctx context.Context) ([]*models.Alert, error) {
	return database.GetAllAlerts(ctx)
}

func (b *PostgresBackend) GetActive(ctx context.Context) ([]*models.Alert, error) {
	return database.GetActiveAlerts(ctx)
}

func (b *PostgresBackend) GetForCoin(ctx context.Context, coin string) ([]*models.Alert, error) {
	return database.GetAlertsByCoin(ctx, coin)
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (*models.Alert, error) {
	return database.GetAlertByID(ctx, id)
}

func (b *PostgresBackend) Insert(ctx context.Context, alert *models.Alert) error {
	return database.CreateAlert(ctx, alert)
}

func (b *PostgresBackend) Save(ctx context.Context, alert *models.Alert) error {
	return database.UpdateAlert(ctx, alert)
}

func (b *PostgresBackend) Delete(ctx context.Context, id string) error {
	return database.DeleteAlert(ctx, id)
}

func (b *PostgresBackend) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	return database.PurgeOldAlerts(ctx, cutoff)
}
