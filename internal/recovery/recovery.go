// Package recovery holds the janitors and the alert evaluator: lease expiry,
// stock aging, exit-IP ledger reaping, and periodic health rules.
package recovery

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/stock"
	"github.com/rotor-ads/rotor/internal/store"
)

const leaseExpiredMessage = "lease expired without ack, stock item restored"

// Config holds the janitor thresholds.
type Config struct {
	LeaseTTL      time.Duration // default 15m
	SuffixTTL     time.Duration // default 48h
	LeaseAgeAlert time.Duration // lease_timeout rule, default 10m
	FailureWindow time.Duration // high_failure_rate lookback, default 60m
	WebhookURL    string        // optional alert webhook
}

func (c *Config) fill() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Minute
	}
	if c.SuffixTTL <= 0 {
		c.SuffixTTL = 48 * time.Hour
	}
	if c.LeaseAgeAlert <= 0 {
		c.LeaseAgeAlert = 10 * time.Minute
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Minute
	}
}

// Service runs the recovery sweeps.
type Service struct {
	store     *store.Store
	watermark *stock.Watermarker
	audit     *stock.AuditWriter
	cfg       Config

	httpClient *http.Client
}

func NewService(st *store.Store, wm *stock.Watermarker, audit *stock.AuditWriter, cfg Config) *Service {
	cfg.fill()
	return &Service{
		store:      st,
		watermark:  wm,
		audit:      audit,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ExpireLeases reclaims leases still leased past the TTL: each one flips to
// expired and its stock item returns to the available pool. Returns the
// number of reclaimed leases.
func (s *Service) ExpireLeases() (int, error) {
	cutoff := time.Now().Add(-s.cfg.LeaseTTL).UnixNano()
	expired, err := s.store.Leases.ListExpiredLeased(cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, l := range expired {
		err := s.store.WithTx(func(tx *sql.Tx) error {
			if err := s.store.Leases.SetStatusTx(tx, l.ID, model.LeaseExpired, false, leaseExpiredMessage); err != nil {
				return err
			}
			return s.store.Stock.RestoreAvailableTx(tx, l.StockItemID)
		})
		if err != nil {
			log.Printf("[recovery] expire lease %s: %v", l.ID, err)
			continue
		}
		s.audit.Emit(l.UserID, l.CampaignID, stock.AuditExpired, map[string]any{"leaseId": l.ID})
		n++
	}
	if n > 0 {
		log.Printf("[recovery] expired %d leases", n)
	}
	return n, nil
}

// ExpireStock ages out available items older than the suffix TTL.
func (s *Service) ExpireStock() (int64, error) {
	cutoff := time.Now().Add(-s.cfg.SuffixTTL).UnixNano()
	n, err := s.store.Stock.ExpireAvailableBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[recovery] aged out %d stock items", n)
	}
	return n, nil
}

// ReapExitIPs deletes dedup ledger rows past their 24h expiry.
func (s *Service) ReapExitIPs() (int64, error) {
	return s.store.Proxies.DeleteExpiredUsage(store.NowNs())
}

// EvaluateAlerts runs the four health rules, stores any firing alerts, and
// posts them to the webhook when configured. Returns the emitted alerts.
func (s *Service) EvaluateAlerts() ([]*model.Alert, error) {
	var alerts []*model.Alert

	if a, err := s.lowStockRule(); err != nil {
		log.Printf("[recovery] low_stock rule: %v", err)
	} else if a != nil {
		alerts = append(alerts, a)
	}

	if a, err := s.leaseTimeoutRule(); err != nil {
		log.Printf("[recovery] lease_timeout rule: %v", err)
	} else if a != nil {
		alerts = append(alerts, a)
	}

	if a, err := s.failureRateRule(); err != nil {
		log.Printf("[recovery] high_failure_rate rule: %v", err)
	} else if a != nil {
		alerts = append(alerts, a)
	}

	if a, err := s.noStockFrequentRule(); err != nil {
		log.Printf("[recovery] no_stock_frequent rule: %v", err)
	} else if a != nil {
		alerts = append(alerts, a)
	}

	for _, a := range alerts {
		if err := s.store.Alerts.Insert(a); err != nil {
			log.Printf("[recovery] store alert %s: %v", a.Type, err)
			continue
		}
		s.notify(a)
	}
	return alerts, nil
}

// lowStockRule fires when producible campaigns sit below their watermark.
// Severity scales with how many are affected.
func (s *Service) lowStockRule() (*model.Alert, error) {
	campaigns, err := s.store.Campaigns.ListProducible()
	if err != nil {
		return nil, err
	}

	type lowEntry struct {
		CampaignID string `json:"campaignId"`
		Available  int    `json:"available"`
		Watermark  int    `json:"watermark"`
	}
	var low []lowEntry
	for _, c := range campaigns {
		available, err := s.store.Stock.CountAvailable(c.UserID, c.CampaignID)
		if err != nil {
			return nil, err
		}
		wm := s.watermark.For(c.UserID, c.CampaignID)
		if available < wm {
			low = append(low, lowEntry{CampaignID: c.CampaignID, Available: available, Watermark: wm})
		}
	}
	if len(low) == 0 {
		return nil, nil
	}

	level := model.AlertInfo
	switch {
	case len(low) > 5:
		level = model.AlertCritical
	case len(low) > 2:
		level = model.AlertWarning
	}
	meta, _ := json.Marshal(low)
	return &model.Alert{
		Type:         model.AlertLowStock,
		Level:        level,
		Title:        "campaigns below stock watermark",
		Message:      fmt.Sprintf("%d campaign(s) have less available stock than their watermark", len(low)),
		MetadataJSON: string(meta),
	}, nil
}

func (s *Service) leaseTimeoutRule() (*model.Alert, error) {
	oldestNs, err := s.store.Leases.OldestLeasedAtNs()
	if err != nil {
		return nil, err
	}
	if oldestNs == 0 {
		return nil, nil
	}
	age := time.Since(time.Unix(0, oldestNs))
	if age < s.cfg.LeaseAgeAlert {
		return nil, nil
	}
	return &model.Alert{
		Type:    model.AlertLeaseTimeout,
		Level:   model.AlertWarning,
		Title:   "lease pending ack too long",
		Message: fmt.Sprintf("oldest un-acked lease is %s old", age.Round(time.Second)),
	}, nil
}

func (s *Service) failureRateRule() (*model.Alert, error) {
	sinceNs := time.Now().Add(-s.cfg.FailureWindow).UnixNano()
	consumed, failed, err := s.store.Leases.OutcomeCountsSince(sinceNs)
	if err != nil {
		return nil, err
	}
	total := consumed + failed
	if total == 0 {
		return nil, nil
	}
	rate := float64(failed) / float64(total)
	if rate < 0.10 {
		return nil, nil
	}
	return &model.Alert{
		Type:    model.AlertHighFailureRate,
		Level:   model.AlertWarning,
		Title:   "high lease failure rate",
		Message: fmt.Sprintf("%.0f%% of %d acked leases failed in the last %s", rate*100, total, s.cfg.FailureWindow),
	}, nil
}

func (s *Service) noStockFrequentRule() (*model.Alert, error) {
	sinceNs := time.Now().Add(-24 * time.Hour).UnixNano()
	n, err := s.store.Audit.CountAction(stock.AuditNoStock, sinceNs)
	if err != nil {
		return nil, err
	}
	if n < 10 {
		return nil, nil
	}
	return &model.Alert{
		Type:    model.AlertNoStockFrequent,
		Level:   model.AlertWarning,
		Title:   "frequent NO_STOCK responses",
		Message: fmt.Sprintf("lease hit an empty stock pool %d times in 24h", n),
	}, nil
}

// notify posts one alert to the configured webhook. Failures are logged,
// never propagated.
func (s *Service) notify(a *model.Alert) {
	if s.cfg.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(a)
	if err != nil {
		return
	}
	resp, err := s.httpClient.Post(s.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[recovery] alert webhook: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[recovery] alert webhook returned %d", resp.StatusCode)
	}
}
