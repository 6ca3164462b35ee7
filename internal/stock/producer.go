package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/store"
	"github.com/rotor-ads/rotor/internal/suffix"
)

// ProducerConfig holds the replenishment tunables.
type ProducerConfig struct {
	MinProduce          int // floor on produceCount, default 10
	StockConcurrency    int // per-campaign worker bound, default 5
	CampaignConcurrency int // batch sweep outer bound, default 3
}

func (c *ProducerConfig) fill() {
	if c.MinProduce <= 0 {
		c.MinProduce = 10
	}
	if c.StockConcurrency <= 0 {
		c.StockConcurrency = 5
	}
	if c.CampaignConcurrency <= 0 {
		c.CampaignConcurrency = 3
	}
}

// ReplenishResult summarizes one single-campaign replenish.
type ReplenishResult struct {
	Skipped   bool `json:"skipped"`
	Watermark int  `json:"watermark"`
	Available int  `json:"available"`
	Requested int  `json:"requested"`
	Produced  int  `json:"produced"`
	Failed    int  `json:"failed"`
}

// SweepResult summarizes one all-campaign batch sweep.
type SweepResult struct {
	Campaigns int               `json:"campaigns"`
	Produced  int               `json:"produced"`
	Skipped   int               `json:"skipped"`
	Failures  map[string]string `json:"failures,omitempty"` // campaignID -> error
}

// ProgressFunc receives sweep progress for streaming to clients.
type ProgressFunc func(current, total int, message string)

// Producer replenishes suffix stock per campaign and across all campaigns.
type Producer struct {
	store     *store.Store
	generator *suffix.Generator
	watermark *Watermarker
	audit     *AuditWriter
	cfg       ProducerConfig

	// one replenish per campaign at a time; concurrent requests for the
	// same campaign become skips
	inflight *xsync.Map[string, struct{}]
}

func NewProducer(st *store.Store, gen *suffix.Generator, wm *Watermarker, audit *AuditWriter, cfg ProducerConfig) *Producer {
	cfg.fill()
	return &Producer{
		store:     st,
		generator: gen,
		watermark: wm,
		audit:     audit,
		cfg:       cfg,
		inflight:  xsync.NewMap[string, struct{}](),
	}
}

// Replenish tops up one campaign to its watermark. force produces even when
// the pool is already at or above the watermark.
func (p *Producer) Replenish(ctx context.Context, userID, campaignID string, force bool) (*ReplenishResult, error) {
	key := userID + "\x00" + campaignID
	if _, loaded := p.inflight.LoadOrStore(key, struct{}{}); loaded {
		return &ReplenishResult{Skipped: true}, nil
	}
	defer p.inflight.Delete(key)

	wm := p.watermark.For(userID, campaignID)
	available, err := p.store.Stock.CountAvailable(userID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("stock: count available: %w", err)
	}

	res := &ReplenishResult{Watermark: wm, Available: available}
	if available >= wm && !force {
		res.Skipped = true
		return res, nil
	}

	produceCount := wm - available
	if produceCount < p.cfg.MinProduce {
		produceCount = p.cfg.MinProduce
	}
	res.Requested = produceCount

	campaign, err := p.store.Campaigns.Find(userID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("stock: campaign %s: %w", campaignID, err)
	}
	link, err := p.store.Campaigns.EffectiveLink(userID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("stock: effective link for %s: %w", campaignID, err)
	}

	req := suffix.Request{
		UserID:          userID,
		CampaignID:      campaignID,
		AffiliateLinkID: link.ID,
		AffiliateURL:    link.TargetURL,
		Country:         campaign.Country,
		TargetDomain:    campaign.FinalURL,
	}

	produced := p.produceBatch(ctx, req, produceCount)
	res.Produced = len(produced)
	res.Failed = produceCount - len(produced)

	if len(produced) > 0 {
		if err := p.store.Stock.InsertBatch(produced); err != nil {
			return nil, fmt.Errorf("stock: insert batch: %w", err)
		}
	}

	p.audit.Emit(userID, campaignID, AuditProduced, res)
	log.Printf("[stock] campaign %s: produced %d/%d (watermark %d, available %d)",
		campaignID, res.Produced, produceCount, wm, available)
	return res, nil
}

// produceBatch fans out count generator calls under the per-campaign worker
// bound and filters failures and intra-batch duplicates.
func (p *Producer) produceBatch(ctx context.Context, req suffix.Request, count int) []*model.StockItem {
	sem := make(chan struct{}, p.cfg.StockConcurrency)
	results := make(chan *suffix.Produced, count)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- nil
				return
			}
			out, err := p.generator.Produce(ctx, req)
			if err != nil {
				if !errors.Is(err, suffix.ErrNoProxyAvailable) {
					log.Printf("[stock] campaign %s: produce: %v", req.CampaignID, err)
				}
				results <- nil
				return
			}
			results <- out
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	var items []*model.StockItem
	for out := range results {
		if out == nil {
			continue
		}
		if seen[out.SuffixHash] {
			continue
		}
		seen[out.SuffixHash] = true
		items = append(items, &model.StockItem{
			UserID:          req.UserID,
			CampaignID:      req.CampaignID,
			Suffix:          out.Suffix,
			SuffixHash:      out.SuffixHash,
			ExitIP:          out.ExitIP,
			ExitCountry:     out.ExitCountry,
			AffiliateLinkID: req.AffiliateLinkID,
		})
	}
	return items
}

// Sweep replenishes every producible campaign under the outer concurrency
// bound. Per-campaign failures are collected, never abort the sweep, and
// yield one aggregate alert.
func (p *Producer) Sweep(ctx context.Context, progress ProgressFunc) (*SweepResult, error) {
	campaigns, err := p.store.Campaigns.ListProducible()
	if err != nil {
		return nil, fmt.Errorf("stock: list producible: %w", err)
	}

	res := &SweepResult{Campaigns: len(campaigns), Failures: make(map[string]string)}
	if len(campaigns) == 0 {
		return res, nil
	}

	sem := make(chan struct{}, p.cfg.CampaignConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	for _, c := range campaigns {
		wg.Add(1)
		go func(c store.ProducibleCampaign) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			r, err := p.Replenish(ctx, c.UserID, c.CampaignID, false)

			mu.Lock()
			defer mu.Unlock()
			done++
			switch {
			case err != nil:
				res.Failures[c.CampaignID] = err.Error()
			case r.Skipped:
				res.Skipped++
			default:
				res.Produced += r.Produced
			}
			if progress != nil {
				progress(done, len(campaigns), "campaign "+c.CampaignID)
			}
		}(c)
	}
	wg.Wait()

	if len(res.Failures) > 0 {
		p.emitSweepAlert(res)
	}
	log.Printf("[stock] sweep: %d campaigns, %d produced, %d skipped, %d failed",
		res.Campaigns, res.Produced, res.Skipped, len(res.Failures))
	return res, nil
}

func (p *Producer) emitSweepAlert(res *SweepResult) {
	meta, _ := json.Marshal(res.Failures)
	alert := &model.Alert{
		Type:         model.AlertSystemHealth,
		Level:        model.AlertWarning,
		Title:        "stock sweep finished with failures",
		Message:      fmt.Sprintf("%d of %d campaigns failed to replenish", len(res.Failures), res.Campaigns),
		MetadataJSON: string(meta),
	}
	if err := p.store.Alerts.Insert(alert); err != nil {
		log.Printf("[stock] sweep alert: %v", err)
	}
}
