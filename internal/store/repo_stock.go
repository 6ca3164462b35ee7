package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotor-ads/rotor/internal/model"
)

// StockRepo provides access to produced suffix stock.
type StockRepo struct {
	db *sql.DB
}

const stockColumns = `id, user_id, campaign_id, suffix, suffix_hash, status, exit_ip, exit_country,
	affiliate_link_id, created_at_ns, leased_at_ns, consumed_at_ns, expired_at_ns, deleted_at_ns`

func scanStockItem(row interface{ Scan(...any) error }) (*model.StockItem, error) {
	var it model.StockItem
	var status string
	if err := row.Scan(
		&it.ID, &it.UserID, &it.CampaignID, &it.Suffix, &it.SuffixHash, &status, &it.ExitIP,
		&it.ExitCountry, &it.AffiliateLinkID, &it.CreatedAtNs, &it.LeasedAtNs, &it.ConsumedAtNs,
		&it.ExpiredAtNs, &it.DeletedAtNs,
	); err != nil {
		return nil, err
	}
	it.Status = model.StockStatus(status)
	return &it, nil
}

// CountAvailable returns the number of available items for (userID, campaignID).
func (r *StockRepo) CountAvailable(userID, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM stock_items
		 WHERE user_id = ? AND campaign_id = ? AND status = 'available' AND deleted_at_ns = 0`,
		userID, campaignID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count available stock: %w", err)
	}
	return n, nil
}

// CountConsumedSince returns the number of items consumed at or after sinceNs.
func (r *StockRepo) CountConsumedSince(userID, campaignID string, sinceNs int64) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM stock_items
		 WHERE user_id = ? AND campaign_id = ? AND status = 'consumed' AND consumed_at_ns >= ?`,
		userID, campaignID, sinceNs,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count consumed stock: %w", err)
	}
	return n, nil
}

// Get returns the stock item by id, or ErrNotFound.
func (r *StockRepo) Get(id string) (*model.StockItem, error) {
	row := r.db.QueryRow(`SELECT `+stockColumns+` FROM stock_items WHERE id = ?`, id)
	it, err := scanStockItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stock item: %w", err)
	}
	return it, nil
}

// OldestAvailable returns the oldest available item for (userID, campaignID),
// or ErrNotFound when stock is empty.
func (r *StockRepo) OldestAvailable(userID, campaignID string) (*model.StockItem, error) {
	row := r.db.QueryRow(
		`SELECT `+stockColumns+` FROM stock_items
		 WHERE user_id = ? AND campaign_id = ? AND status = 'available' AND deleted_at_ns = 0
		 ORDER BY created_at_ns ASC LIMIT 1`,
		userID, campaignID,
	)
	it, err := scanStockItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("oldest available stock: %w", err)
	}
	return it, nil
}

// InsertBatch inserts produced items in one transaction with status=available.
func (r *StockRepo) InsertBatch(items []*model.StockItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin stock insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO stock_items (id, user_id, campaign_id, suffix, suffix_hash, status, exit_ip,
			exit_country, affiliate_link_id, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, 'available', ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare stock insert: %w", err)
	}
	defer stmt.Close()

	now := NowNs()
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if it.CreatedAtNs == 0 {
			it.CreatedAtNs = now
		}
		it.Status = model.StockAvailable
		if _, err := stmt.Exec(
			it.ID, it.UserID, it.CampaignID, it.Suffix, it.SuffixHash, it.ExitIP,
			it.ExitCountry, it.AffiliateLinkID, it.CreatedAtNs,
		); err != nil {
			return fmt.Errorf("insert stock item: %w", err)
		}
	}
	return tx.Commit()
}

// MarkLeasedTx flips an available item to leased inside tx. The conditional
// WHERE prevents double-allocation when two leases race for the same row;
// returns false when the item was taken by a concurrent allocation.
func (r *StockRepo) MarkLeasedTx(tx *sql.Tx, id string) (bool, error) {
	res, err := tx.Exec(
		`UPDATE stock_items SET status = 'leased', leased_at_ns = ?
		 WHERE id = ? AND status = 'available'`,
		NowNs(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark stock leased: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkConsumedTx flips an item to consumed inside tx. Accepts the item in
// either available (combined lease policy) or leased (deferred ack) state.
func (r *StockRepo) MarkConsumedTx(tx *sql.Tx, id string) (bool, error) {
	now := NowNs()
	res, err := tx.Exec(
		`UPDATE stock_items SET status = 'consumed', consumed_at_ns = ?,
			leased_at_ns = CASE WHEN leased_at_ns = 0 THEN ? ELSE leased_at_ns END
		 WHERE id = ? AND status IN ('available', 'leased')`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark stock consumed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RestoreAvailableTx returns a leased item to the available pool inside tx,
// clearing the lease timestamp so the suffix can be reused.
func (r *StockRepo) RestoreAvailableTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(
		`UPDATE stock_items SET status = 'available', leased_at_ns = 0
		 WHERE id = ? AND status = 'leased'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("restore stock available: %w", err)
	}
	return nil
}

// ExpireAvailableBefore marks available items created before cutoffNs as
// expired and soft-deletes them. Returns the number of aged-out items.
func (r *StockRepo) ExpireAvailableBefore(cutoffNs int64) (int64, error) {
	now := NowNs()
	res, err := r.db.Exec(
		`UPDATE stock_items SET status = 'expired', expired_at_ns = ?, deleted_at_ns = ?
		 WHERE status = 'available' AND created_at_ns < ? AND deleted_at_ns = 0`,
		now, now, cutoffNs,
	)
	if err != nil {
		return 0, fmt.Errorf("expire stock: %w", err)
	}
	return res.RowsAffected()
}

// CampaignAvailability is one row of the per-campaign stock summary.
type CampaignAvailability struct {
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
	Available  int    `json:"available"`
}

// AvailabilityByCampaign returns available counts grouped by campaign.
func (r *StockRepo) AvailabilityByCampaign() ([]CampaignAvailability, error) {
	rows, err := r.db.Query(
		`SELECT user_id, campaign_id, COUNT(*) FROM stock_items
		 WHERE status = 'available' AND deleted_at_ns = 0
		 GROUP BY user_id, campaign_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("stock availability: %w", err)
	}
	defer rows.Close()

	var result []CampaignAvailability
	for rows.Next() {
		var a CampaignAvailability
		if err := rows.Scan(&a.UserID, &a.CampaignID, &a.Available); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
