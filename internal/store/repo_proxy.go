package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotor-ads/rotor/internal/model"
)

// ProxyRepo provides access to proxy providers and the exit-IP usage ledger.
type ProxyRepo struct {
	db *sql.DB
}

// ListEnabledForUser returns enabled providers assigned to userID (or to all
// users), ordered by priority ascending (lower wins).
func (r *ProxyRepo) ListEnabledForUser(userID string) ([]*model.ProxyProvider, error) {
	rows, err := r.db.Query(
		`SELECT id, name, host, port, priority, username, password, enabled, user_ids_json,
			created_at_ns, updated_at_ns
		 FROM proxy_providers WHERE enabled = 1
		 ORDER BY priority ASC, created_at_ns ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var result []*model.ProxyProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		if len(p.UserIDs) > 0 && !containsString(p.UserIDs, userID) {
			continue
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ListAll returns every provider row regardless of assignment.
func (r *ProxyRepo) ListAll() ([]*model.ProxyProvider, error) {
	rows, err := r.db.Query(
		`SELECT id, name, host, port, priority, username, password, enabled, user_ids_json,
			created_at_ns, updated_at_ns
		 FROM proxy_providers ORDER BY priority ASC, created_at_ns ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list all providers: %w", err)
	}
	defer rows.Close()

	var result []*model.ProxyProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanProvider(rows *sql.Rows) (*model.ProxyProvider, error) {
	var p model.ProxyProvider
	var enabled int
	var userIDsJSON string
	if err := rows.Scan(
		&p.ID, &p.Name, &p.Host, &p.Port, &p.Priority, &p.Username, &p.Password,
		&enabled, &userIDsJSON, &p.CreatedAtNs, &p.UpdatedAtNs,
	); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(userIDsJSON), &p.UserIDs); err != nil {
		return nil, fmt.Errorf("decode provider user_ids_json: %w", err)
	}
	return &p, nil
}

// Upsert inserts or updates a provider row by id.
func (r *ProxyRepo) Upsert(p *model.ProxyProvider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	userIDsJSON, err := json.Marshal(p.UserIDs)
	if err != nil {
		return fmt.Errorf("encode provider user_ids: %w", err)
	}
	now := NowNs()
	if p.CreatedAtNs == 0 {
		p.CreatedAtNs = now
	}
	p.UpdatedAtNs = now
	_, err = r.db.Exec(
		`INSERT INTO proxy_providers (id, name, host, port, priority, username, password,
			enabled, user_ids_json, created_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			host = excluded.host,
			port = excluded.port,
			priority = excluded.priority,
			username = excluded.username,
			password = excluded.password,
			enabled = excluded.enabled,
			user_ids_json = excluded.user_ids_json,
			updated_at_ns = excluded.updated_at_ns`,
		p.ID, p.Name, p.Host, p.Port, p.Priority, p.Username, p.Password,
		boolInt(p.Enabled), string(userIDsJSON), p.CreatedAtNs, p.UpdatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// IsExitIPUsed reports whether (userID, campaignID, exitIP) has an unexpired
// usage row.
func (r *ProxyRepo) IsExitIPUsed(userID, campaignID, exitIP string, nowNs int64) (bool, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM exit_ip_usage
		 WHERE user_id = ? AND campaign_id = ? AND exit_ip = ? AND expires_at_ns > ?`,
		userID, campaignID, exitIP, nowNs,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exit ip lookup: %w", err)
	}
	return n > 0, nil
}

// InsertUsage records one exit-IP use in the dedup ledger.
func (r *ProxyRepo) InsertUsage(u *model.ExitIPUsage) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := r.db.Exec(
		`INSERT INTO exit_ip_usage (id, user_id, campaign_id, exit_ip, country, used_at_ns, expires_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.UserID, u.CampaignID, u.ExitIP, u.Country, u.UsedAtNs, u.ExpiresAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert exit ip usage: %w", err)
	}
	return nil
}

// DeleteExpiredUsage removes ledger rows past their expiry. Returns the
// number of reaped rows.
func (r *ProxyRepo) DeleteExpiredUsage(nowNs int64) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM exit_ip_usage WHERE expires_at_ns < ?`, nowNs)
	if err != nil {
		return 0, fmt.Errorf("reap exit ip usage: %w", err)
	}
	return res.RowsAffected()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
