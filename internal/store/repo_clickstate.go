package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rotor-ads/rotor/internal/model"
)

// ClickStateRepo tracks per-campaign click counters.
type ClickStateRepo struct {
	db *sql.DB
}

// Get returns the click state for (userID, campaignID), or ErrNotFound.
func (r *ClickStateRepo) Get(userID, campaignID string) (*model.ClickState, error) {
	row := r.db.QueryRow(
		`SELECT user_id, campaign_id, last_applied_clicks, last_observed_clicks,
			last_observed_at_ns, updated_at_ns
		 FROM click_states WHERE user_id = ? AND campaign_id = ?`,
		userID, campaignID,
	)
	var s model.ClickState
	err := row.Scan(
		&s.UserID, &s.CampaignID, &s.LastAppliedClicks, &s.LastObservedClicks,
		&s.LastObservedAtNs, &s.UpdatedAtNs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get click state: %w", err)
	}
	return &s, nil
}

// Insert creates a fresh click state row.
func (r *ClickStateRepo) Insert(s *model.ClickState) error {
	s.UpdatedAtNs = NowNs()
	_, err := r.db.Exec(
		`INSERT INTO click_states (user_id, campaign_id, last_applied_clicks,
			last_observed_clicks, last_observed_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.UserID, s.CampaignID, s.LastAppliedClicks, s.LastObservedClicks,
		s.LastObservedAtNs, s.UpdatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert click state: %w", err)
	}
	return nil
}

// RefreshObservation updates the observation fields without touching
// last_applied_clicks.
func (r *ClickStateRepo) RefreshObservation(userID, campaignID string, nowClicks, observedAtNs int64) error {
	_, err := r.db.Exec(
		`UPDATE click_states
		 SET last_observed_clicks = ?, last_observed_at_ns = ?, updated_at_ns = ?
		 WHERE user_id = ? AND campaign_id = ?`,
		nowClicks, observedAtNs, NowNs(), userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("refresh observation: %w", err)
	}
	return nil
}

// ResetApplied zeroes last_applied_clicks (daily reset) while refreshing the
// observation fields.
func (r *ClickStateRepo) ResetApplied(userID, campaignID string, nowClicks, observedAtNs int64) error {
	_, err := r.db.Exec(
		`UPDATE click_states
		 SET last_applied_clicks = 0, last_observed_clicks = ?, last_observed_at_ns = ?, updated_at_ns = ?
		 WHERE user_id = ? AND campaign_id = ?`,
		nowClicks, observedAtNs, NowNs(), userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("reset applied clicks: %w", err)
	}
	return nil
}

// BumpAppliedTx raises last_applied_clicks to at least nowClicks inside tx.
// MAX keeps reordered commits monotone-safe.
func (r *ClickStateRepo) BumpAppliedTx(tx *sql.Tx, userID, campaignID string, nowClicks int64) error {
	_, err := tx.Exec(
		`UPDATE click_states
		 SET last_applied_clicks = MAX(last_applied_clicks, ?), updated_at_ns = ?
		 WHERE user_id = ? AND campaign_id = ?`,
		nowClicks, NowNs(), userID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("bump applied clicks: %w", err)
	}
	return nil
}
