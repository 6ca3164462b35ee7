package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotor-ads/rotor/internal/model"
)

// LeaseRepo provides access to rotation leases.
type LeaseRepo struct {
	db *sql.DB
}

const leaseColumns = `id, user_id, campaign_id, stock_item_id, idempotency_key, now_clicks,
	window_start_epoch, status, applied, error_message, leased_at_ns, acked_at_ns,
	created_at_ns, updated_at_ns, deleted_at_ns`

func scanLease(row interface{ Scan(...any) error }) (*model.Lease, error) {
	var l model.Lease
	var status string
	var applied int
	if err := row.Scan(
		&l.ID, &l.UserID, &l.CampaignID, &l.StockItemID, &l.IdempotencyKey, &l.NowClicks,
		&l.WindowStartEpoch, &status, &applied, &l.ErrorMessage, &l.LeasedAtNs, &l.AckedAtNs,
		&l.CreatedAtNs, &l.UpdatedAtNs, &l.DeletedAtNs,
	); err != nil {
		return nil, err
	}
	l.Status = model.LeaseStatus(status)
	l.Applied = applied != 0
	return &l, nil
}

// FindByIdempotencyKey returns the lease for (userID, key) together with its
// stock item's suffix, or ErrNotFound.
func (r *LeaseRepo) FindByIdempotencyKey(userID, key string) (*model.Lease, string, error) {
	row := r.db.QueryRow(
		`SELECT `+prefixColumns("l", leaseColumns)+`, s.suffix
		 FROM leases l JOIN stock_items s ON s.id = l.stock_item_id
		 WHERE l.user_id = ? AND l.idempotency_key = ? AND l.deleted_at_ns = 0`,
		userID, key,
	)
	var l model.Lease
	var status string
	var applied int
	var suffix string
	err := row.Scan(
		&l.ID, &l.UserID, &l.CampaignID, &l.StockItemID, &l.IdempotencyKey, &l.NowClicks,
		&l.WindowStartEpoch, &status, &applied, &l.ErrorMessage, &l.LeasedAtNs, &l.AckedAtNs,
		&l.CreatedAtNs, &l.UpdatedAtNs, &l.DeletedAtNs, &suffix,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("find lease by key: %w", err)
	}
	l.Status = model.LeaseStatus(status)
	l.Applied = applied != 0
	return &l, suffix, nil
}

// Find returns the live lease by (id, userID, campaignID), or ErrNotFound.
func (r *LeaseRepo) Find(id, userID, campaignID string) (*model.Lease, error) {
	row := r.db.QueryRow(
		`SELECT `+leaseColumns+` FROM leases
		 WHERE id = ? AND user_id = ? AND campaign_id = ? AND deleted_at_ns = 0`,
		id, userID, campaignID,
	)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find lease: %w", err)
	}
	return l, nil
}

// InsertTx inserts a lease row inside tx. The unique (user_id, idempotency_key)
// index is the idempotency backstop under concurrent retries.
func (r *LeaseRepo) InsertTx(tx *sql.Tx, l *model.Lease) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := NowNs()
	if l.CreatedAtNs == 0 {
		l.CreatedAtNs = now
	}
	l.UpdatedAtNs = now
	_, err := tx.Exec(
		`INSERT INTO leases (id, user_id, campaign_id, stock_item_id, idempotency_key, now_clicks,
			window_start_epoch, status, applied, error_message, leased_at_ns, acked_at_ns,
			created_at_ns, updated_at_ns, deleted_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		l.ID, l.UserID, l.CampaignID, l.StockItemID, l.IdempotencyKey, l.NowClicks,
		l.WindowStartEpoch, string(l.Status), boolInt(l.Applied), l.ErrorMessage,
		l.LeasedAtNs, l.AckedAtNs, l.CreatedAtNs, l.UpdatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is the unique-constraint failure
// raised when two leases race on the same idempotency key.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SetStatusTx transitions a lease inside tx.
func (r *LeaseRepo) SetStatusTx(tx *sql.Tx, id string, status model.LeaseStatus, applied bool, errorMessage string) error {
	now := NowNs()
	acked := int64(0)
	if status == model.LeaseConsumed || status == model.LeaseFailed {
		acked = now
	}
	_, err := tx.Exec(
		`UPDATE leases SET status = ?, applied = ?, error_message = ?, updated_at_ns = ?,
			acked_at_ns = CASE WHEN ? > 0 THEN ? ELSE acked_at_ns END
		 WHERE id = ?`,
		string(status), boolInt(applied), errorMessage, now, acked, acked, id,
	)
	if err != nil {
		return fmt.Errorf("set lease status: %w", err)
	}
	return nil
}

// CountActiveLeased returns the number of leases still in the leased state
// for (userID, campaignID).
func (r *LeaseRepo) CountActiveLeased(userID, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM leases
		 WHERE user_id = ? AND campaign_id = ? AND status = 'leased' AND deleted_at_ns = 0`,
		userID, campaignID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active leases: %w", err)
	}
	return n, nil
}

// ListExpiredLeased returns leases still leased with leased_at_ns < cutoffNs.
func (r *LeaseRepo) ListExpiredLeased(cutoffNs int64) ([]*model.Lease, error) {
	rows, err := r.db.Query(
		`SELECT `+leaseColumns+` FROM leases
		 WHERE status = 'leased' AND leased_at_ns < ? AND deleted_at_ns = 0`,
		cutoffNs,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var result []*model.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// OldestLeasedAtNs returns the leased_at_ns of the oldest still-leased lease,
// or 0 when none exist.
func (r *LeaseRepo) OldestLeasedAtNs() (int64, error) {
	var ns sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MIN(leased_at_ns) FROM leases WHERE status = 'leased' AND deleted_at_ns = 0`,
	).Scan(&ns)
	if err != nil {
		return 0, fmt.Errorf("oldest leased: %w", err)
	}
	if !ns.Valid {
		return 0, nil
	}
	return ns.Int64, nil
}

// OutcomeCountsSince returns consumed and failed lease counts with
// acked_at_ns >= sinceNs. Feeds the high-failure-rate alert rule.
func (r *LeaseRepo) OutcomeCountsSince(sinceNs int64) (consumed, failed int, err error) {
	err = r.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'consumed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM leases WHERE acked_at_ns >= ? AND deleted_at_ns = 0`,
		sinceNs,
	).Scan(&consumed, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("lease outcome counts: %w", err)
	}
	return consumed, failed, nil
}

// prefixColumns rewrites "a, b, c" into "l.a, l.b, l.c" for joined selects.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
