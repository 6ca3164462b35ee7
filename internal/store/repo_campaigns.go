package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotor-ads/rotor/internal/model"
)

// ErrNotFound is returned when a row does not exist (or is soft-deleted).
var ErrNotFound = errors.New("store: not found")

// CampaignRepo provides access to campaigns and their affiliate links.
type CampaignRepo struct {
	db *sql.DB
}

const campaignColumns = `id, user_id, campaign_id, name, country, final_url, cid, mcc_id,
	active, created_at_ns, updated_at_ns, deleted_at_ns`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	var active int
	if err := row.Scan(
		&c.ID, &c.UserID, &c.CampaignID, &c.Name, &c.Country, &c.FinalURL, &c.CID, &c.MCCID,
		&active, &c.CreatedAtNs, &c.UpdatedAtNs, &c.DeletedAtNs,
	); err != nil {
		return nil, err
	}
	c.Active = active != 0
	return &c, nil
}

// Find returns the live campaign for (userID, campaignID).
func (r *CampaignRepo) Find(userID, campaignID string) (*model.Campaign, error) {
	row := r.db.QueryRow(
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE user_id = ? AND campaign_id = ? AND deleted_at_ns = 0`,
		userID, campaignID,
	)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find campaign: %w", err)
	}
	return c, nil
}

// Insert creates a campaign row. ID is generated when empty.
func (r *CampaignRepo) Insert(c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := NowNs()
	if c.CreatedAtNs == 0 {
		c.CreatedAtNs = now
	}
	c.UpdatedAtNs = now
	_, err := r.db.Exec(
		`INSERT INTO campaigns (id, user_id, campaign_id, name, country, final_url, cid, mcc_id,
			active, created_at_ns, updated_at_ns, deleted_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		c.ID, c.UserID, c.CampaignID, c.Name, c.Country, c.FinalURL, c.CID, c.MCCID,
		boolInt(c.Active), c.CreatedAtNs, c.UpdatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// UpdateMeta updates the mutable metadata fields of a campaign in place.
func (r *CampaignRepo) UpdateMeta(c *model.Campaign) error {
	c.UpdatedAtNs = NowNs()
	_, err := r.db.Exec(
		`UPDATE campaigns SET name = ?, country = ?, final_url = ?, cid = ?, mcc_id = ?,
			active = ?, updated_at_ns = ?
		 WHERE id = ?`,
		c.Name, c.Country, c.FinalURL, c.CID, c.MCCID, boolInt(c.Active), c.UpdatedAtNs, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update campaign meta: %w", err)
	}
	return nil
}

// ProducibleCampaign is one campaign eligible for stock replenishment:
// active, non-empty country, and at least one enabled non-deleted link.
type ProducibleCampaign struct {
	UserID     string
	CampaignID string
	Country    string
	FinalURL   string
}

// ListProducible enumerates all replenish-eligible campaigns in one query.
func (r *CampaignRepo) ListProducible() ([]ProducibleCampaign, error) {
	rows, err := r.db.Query(
		`SELECT c.user_id, c.campaign_id, c.country, c.final_url
		 FROM campaigns c
		 WHERE c.active = 1 AND c.deleted_at_ns = 0 AND c.country <> ''
		   AND EXISTS (
			SELECT 1 FROM affiliate_links l
			WHERE l.user_id = c.user_id AND l.campaign_id = c.campaign_id
			  AND l.enabled = 1 AND l.deleted_at_ns = 0
		   )
		 ORDER BY c.user_id, c.campaign_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list producible campaigns: %w", err)
	}
	defer rows.Close()

	var result []ProducibleCampaign
	for rows.Next() {
		var p ProducibleCampaign
		if err := rows.Scan(&p.UserID, &p.CampaignID, &p.Country, &p.FinalURL); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// EffectiveLink returns the highest-priority enabled non-deleted affiliate
// link for (userID, campaignID), or ErrNotFound.
func (r *CampaignRepo) EffectiveLink(userID, campaignID string) (*model.AffiliateLink, error) {
	row := r.db.QueryRow(
		`SELECT id, user_id, campaign_id, target_url, enabled, priority,
			created_at_ns, updated_at_ns, deleted_at_ns
		 FROM affiliate_links
		 WHERE user_id = ? AND campaign_id = ? AND enabled = 1 AND deleted_at_ns = 0
		 ORDER BY priority DESC, created_at_ns ASC
		 LIMIT 1`,
		userID, campaignID,
	)
	var l model.AffiliateLink
	var enabled int
	err := row.Scan(
		&l.ID, &l.UserID, &l.CampaignID, &l.TargetURL, &enabled, &l.Priority,
		&l.CreatedAtNs, &l.UpdatedAtNs, &l.DeletedAtNs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("effective link: %w", err)
	}
	l.Enabled = enabled != 0
	return &l, nil
}

// InsertLink creates an affiliate link row. ID is generated when empty.
func (r *CampaignRepo) InsertLink(l *model.AffiliateLink) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := NowNs()
	if l.CreatedAtNs == 0 {
		l.CreatedAtNs = now
	}
	l.UpdatedAtNs = now
	_, err := r.db.Exec(
		`INSERT INTO affiliate_links (id, user_id, campaign_id, target_url, enabled, priority,
			created_at_ns, updated_at_ns, deleted_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		l.ID, l.UserID, l.CampaignID, l.TargetURL, boolInt(l.Enabled), l.Priority,
		l.CreatedAtNs, l.UpdatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert affiliate link: %w", err)
	}
	return nil
}

// TrackingURLResult is one entry of a bulk campaign lookup.
type TrackingURLResult struct {
	TrackingURL string `json:"trackingUrl"`
	Found       bool   `json:"found"`
}

// LookupTrackingURLs resolves the effective affiliate URL for each requested
// campaign id. Missing campaigns map to Found=false.
func (r *CampaignRepo) LookupTrackingURLs(userID string, campaignIDs []string) (map[string]TrackingURLResult, error) {
	out := make(map[string]TrackingURLResult, len(campaignIDs))
	for _, cid := range campaignIDs {
		link, err := r.EffectiveLink(userID, cid)
		if errors.Is(err, ErrNotFound) {
			out[cid] = TrackingURLResult{Found: false}
			continue
		}
		if err != nil {
			return nil, err
		}
		out[cid] = TrackingURLResult{TrackingURL: link.TargetURL, Found: true}
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
