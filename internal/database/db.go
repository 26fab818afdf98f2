package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"alertmonitor/internal/logger"
	"alertmonitor/internal/models"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var db *sql.DB

// InitDB initializes the database connection
func InitDB(connStr string) error {
	var err error
	db, err = sql.Open("postgres", connStr)
	if err != nil {
		return err
	}

	// Set connection pool parameters
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return err
	}

	logger.Log.Info("Database connection established")
	return nil
}

const alertColumns = `id, coin, kind, target_price, currency, status, conditions,
		cooldown_seconds, trigger_count, triggered_price,
		created_at, updated_at, triggered_at, dismissed_at`

// CreateAlert inserts a new alert into the database
func CreateAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	conditions, err := marshalConditions(alert.Conditions)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(
		ctx,
		query,
		alert.ID,
		alert.Coin,
		string(alert.Kind),
		alert.TargetPrice,
		alert.Currency,
		string(alert.Status),
		conditions,
		alert.CooldownSeconds,
		alert.TriggerCount,
		alert.TriggeredPrice,
		alert.CreatedAt,
		alert.UpdatedAt,
		alert.TriggeredAt,
		alert.DismissedAt,
	)

	if err != nil {
		logger.Log.Error("Failed to create alert in database",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// GetAlertByID retrieves an alert by its ID
func GetAlertByID(ctx context.Context, id string) (*models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE id = $1
	`

	row := db.QueryRowContext(ctx, query, id)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		logger.Log.Error("Failed to retrieve alert",
			zap.String("alert_id", id),
			zap.Error(err),
		)
		return nil, err
	}

	return alert, nil
}

// GetAlertsByCoin retrieves all alerts for a specific coin symbol
func GetAlertsByCoin(ctx context.Context, coin string) ([]*models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE coin = $1
		ORDER BY created_at DESC
	`

	rows, err := db.QueryContext(ctx, query, coin)
	if err != nil {
		logger.Log.Error("Failed to query alerts by coin",
			zap.String("coin", coin),
			zap.Error(err),
		)
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// GetActiveAlerts retrieves all alerts still in the active state
func GetActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE status = 'active'
		ORDER BY created_at DESC
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		logger.Log.Error("Failed to query active alerts", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// GetAllAlerts retrieves all alerts
func GetAllAlerts(ctx context.Context) ([]*models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		ORDER BY created_at DESC
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		logger.Log.Error("Failed to query all alerts", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// UpdateAlert writes the full current state of an alert
func UpdateAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		UPDATE alerts
		SET coin = $1, kind = $2, target_price = $3, currency = $4,
		    status = $5, conditions = $6, cooldown_seconds = $7,
		    trigger_count = $8, triggered_price = $9, updated_at = $10,
		    triggered_at = $11, dismissed_at = $12
		WHERE id = $13
	`

	conditions, err := marshalConditions(alert.Conditions)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(
		ctx,
		query,
		alert.Coin,
		string(alert.Kind),
		alert.TargetPrice,
		alert.Currency,
		string(alert.Status),
		conditions,
		alert.CooldownSeconds,
		alert.TriggerCount,
		alert.TriggeredPrice,
		alert.UpdatedAt,
		alert.TriggeredAt,
		alert.DismissedAt,
		alert.ID,
	)

	if err != nil {
		logger.Log.Error("Failed to update alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return models.ErrNotFound
	}

	return nil
}

// DeleteAlert deletes an alert by ID
func DeleteAlert(ctx context.Context, id string) error {
	query := `DELETE FROM alerts WHERE id = $1`

	result, err := db.ExecContext(ctx, query, id)
	if err != nil {
		logger.Log.Error("Failed to delete alert",
			zap.String("alert_id", id),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return models.ErrNotFound
	}

	return nil
}

// PurgeOldAlerts deletes triggered and dismissed alerts whose terminal
// timestamp is older than the cutoff. Active alerts are never purged.
func PurgeOldAlerts(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM alerts
		WHERE (status = 'dismissed' AND dismissed_at < $1)
		   OR (status = 'triggered' AND triggered_at < $1)
	`

	result, err := db.ExecContext(ctx, query, cutoff)
	if err != nil {
		logger.Log.Error("Failed to purge old alerts", zap.Error(err))
		return 0, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(rowsAffected), nil
}

func marshalConditions(c *models.Conditions) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var kind, status string
	var conditions []byte
	var triggeredPrice sql.NullFloat64
	var triggeredAt, dismissedAt sql.NullTime

	err := row.Scan(
		&alert.ID,
		&alert.Coin,
		&kind,
		&alert.TargetPrice,
		&alert.Currency,
		&status,
		&conditions,
		&alert.CooldownSeconds,
		&alert.TriggerCount,
		&triggeredPrice,
		&alert.CreatedAt,
		&alert.UpdatedAt,
		&triggeredAt,
		&dismissedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Kind = models.Kind(kind)
	alert.Status = models.Status(status)

	if len(conditions) > 0 {
		var c models.Conditions
		if err := json.Unmarshal(conditions, &c); err != nil {
			return nil, err
		}
		alert.Conditions = &c
	}
	if triggeredPrice.Valid {
		val := triggeredPrice.Float64
		alert.TriggeredPrice = &val
	}
	if triggeredAt.Valid {
		val := triggeredAt.Time
		alert.TriggeredAt = &val
	}
	if dismissedAt.Valid {
		val := dismissedAt.Time
		alert.DismissedAt = &val
	}

	return &alert, nil
}

// Helper function to scan alert rows
func scanAlerts(rows *sql.Rows) ([]*models.Alert, error) {
	var alerts []*models.Alert

	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return alerts, nil
}
