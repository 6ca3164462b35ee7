package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotor-ads/rotor/internal/model"
)

// AlertRepo provides access to evaluated alert rows.
type AlertRepo struct {
	db *sql.DB
}

// Insert stores one alert row.
func (r *AlertRepo) Insert(a *model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAtNs == 0 {
		a.CreatedAtNs = NowNs()
	}
	if a.MetadataJSON == "" {
		a.MetadataJSON = "{}"
	}
	_, err := r.db.Exec(
		`INSERT INTO alerts (id, type, level, title, message, metadata_json, acknowledged, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, string(a.Type), string(a.Level), a.Title, a.Message, a.MetadataJSON, a.CreatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// List returns alerts, newest first. unackedOnly filters to unacknowledged.
func (r *AlertRepo) List(unackedOnly bool, limit int) ([]*model.Alert, error) {
	query := `SELECT id, type, level, title, message, metadata_json, acknowledged, created_at_ns
		 FROM alerts`
	if unackedOnly {
		query += ` WHERE acknowledged = 0`
	}
	query += ` ORDER BY created_at_ns DESC LIMIT ?`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var result []*model.Alert
	for rows.Next() {
		var a model.Alert
		var typ, level string
		var acked int
		if err := rows.Scan(&a.ID, &typ, &level, &a.Title, &a.Message, &a.MetadataJSON, &acked, &a.CreatedAtNs); err != nil {
			return nil, err
		}
		a.Type = model.AlertType(typ)
		a.Level = model.AlertLevel(level)
		a.Acknowledged = acked != 0
		result = append(result, &a)
	}
	return result, rows.Err()
}

// Acknowledge marks one alert acknowledged. Returns ErrNotFound for unknown ids.
func (r *AlertRepo) Acknowledge(id string) error {
	res, err := r.db.Exec(`UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
