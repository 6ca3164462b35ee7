package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rotor-ads/rotor/internal/model"
)

// APIKeyRepo resolves bearer tokens to users.
type APIKeyRepo struct {
	db *sql.DB
}

// FindBySHA256 returns the key row for a token digest, or ErrNotFound.
func (r *APIKeyRepo) FindBySHA256(digest string) (*model.APIKey, error) {
	row := r.db.QueryRow(
		`SELECT token_sha256, user_id, suspended, created_at_ns FROM api_keys WHERE token_sha256 = ?`,
		digest,
	)
	var k model.APIKey
	var suspended int
	err := row.Scan(&k.TokenSHA256, &k.UserID, &suspended, &k.CreatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	k.Suspended = suspended != 0
	return &k, nil
}

// Insert stores one key row.
func (r *APIKeyRepo) Insert(k *model.APIKey) error {
	if k.CreatedAtNs == 0 {
		k.CreatedAtNs = NowNs()
	}
	_, err := r.db.Exec(
		`INSERT INTO api_keys (token_sha256, user_id, suspended, created_at_ns) VALUES (?, ?, ?, ?)`,
		k.TokenSHA256, k.UserID, boolInt(k.Suspended), k.CreatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}
