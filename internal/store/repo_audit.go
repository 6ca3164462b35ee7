package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotor-ads/rotor/internal/model"
)

// AuditRepo provides batch writes into the audit log.
type AuditRepo struct {
	db *sql.DB
}

// InsertBatch writes audit records in one transaction. Returns the number of
// inserted rows.
func (r *AuditRepo) InsertBatch(records []model.AuditRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin audit insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO audit_log (id, user_id, campaign_id, action, detail_json, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAtNs == 0 {
			rec.CreatedAtNs = NowNs()
		}
		if rec.DetailJSON == "" {
			rec.DetailJSON = "{}"
		}
		if _, err := stmt.Exec(rec.ID, rec.UserID, rec.CampaignID, rec.Action, rec.DetailJSON, rec.CreatedAtNs); err != nil {
			return 0, fmt.Errorf("insert audit record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// CountAction returns how many records of one action exist since sinceNs.
func (r *AuditRepo) CountAction(action string, sinceNs int64) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM audit_log WHERE action = ? AND created_at_ns >= ?`,
		action, sinceNs,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit action: %w", err)
	}
	return n, nil
}
