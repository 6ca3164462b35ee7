package stock

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/proxysel"
	"github.com/rotor-ads/rotor/internal/store"
	"github.com/rotor-ads/rotor/internal/suffix"
	"github.com/rotor-ads/rotor/internal/testutil"
	"github.com/rotor-ads/rotor/internal/tracker"
)

// ── helpers ──

func seedCampaign(t *testing.T, st *store.Store, userID, campaignID string) {
	t.Helper()
	if err := st.Campaigns.Insert(&model.Campaign{
		UserID:     userID,
		CampaignID: campaignID,
		Name:       "camp " + campaignID,
		Country:    "DE",
		FinalURL:   "shop.example.com",
		Active:     true,
	}); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	if err := st.Campaigns.InsertLink(&model.AffiliateLink{
		UserID:     userID,
		CampaignID: campaignID,
		TargetURL:  "https://aff.example.net/go",
		Enabled:    true,
		Priority:   1,
	}); err != nil {
		t.Fatalf("seed link: %v", err)
	}
}

func consumeItems(t *testing.T, st *store.Store, userID, campaignID string, n int) {
	t.Helper()
	var items []*model.StockItem
	for i := 0; i < n; i++ {
		items = append(items, &model.StockItem{
			UserID: userID, CampaignID: campaignID,
			Suffix: "gclid=x", SuffixHash: "h",
		})
	}
	if err := st.Stock.InsertBatch(items); err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		err := st.WithTx(func(tx *sql.Tx) error {
			_, err := st.Stock.MarkConsumedTx(tx, it.ID)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

// mockProducer wires a generator that always emits synthetic suffixes
// (no providers seeded, mock mode on).
func mockProducer(t *testing.T, st *store.Store, cfg ProducerConfig) (*Producer, *AuditWriter) {
	t.Helper()
	sel := proxysel.NewSelector(st, &testutil.StubOutboundBuilder{})
	gen := suffix.NewGenerator(sel, tracker.New(), nil, true)
	wm := NewWatermarker(st, WatermarkConfig{})
	audit := NewAuditWriter(AuditWriterConfig{Repo: st.Audit, FlushInterval: 10 * time.Millisecond})
	audit.Start()
	t.Cleanup(audit.Stop)
	return NewProducer(st, gen, wm, audit, cfg), audit
}

// ── watermark ──

func TestWatermarkDefaultsAndClamp(t *testing.T) {
	st := testutil.OpenStore(t)
	w := NewWatermarker(st, WatermarkConfig{})

	// No consumption yet: default for new campaigns.
	if got := w.For("u1", "fresh"); got != 5 {
		t.Errorf("fresh campaign watermark = %d, want 5", got)
	}

	// 48 consumed in the window: ceil(48/24*2) = 4.
	consumeItems(t, st, "u1", "mid", 48)
	if got := w.For("u1", "mid"); got != 4 {
		t.Errorf("mid watermark = %d, want 4", got)
	}

	// 1 consumed: ceil(1/24*2) = 1, clamped up to 3.
	consumeItems(t, st, "u1", "slow", 1)
	if got := w.For("u1", "slow"); got != 3 {
		t.Errorf("slow watermark = %d, want 3 (floor)", got)
	}

	// 500 consumed: well past the ceiling of 20.
	consumeItems(t, st, "u1", "hot", 500)
	if got := w.For("u1", "hot"); got != 20 {
		t.Errorf("hot watermark = %d, want 20 (ceiling)", got)
	}
}

func TestWatermarkCacheReuse(t *testing.T) {
	st := testutil.OpenStore(t)
	w := NewWatermarker(st, WatermarkConfig{CacheTTL: time.Hour})

	if got := w.For("u1", "c1"); got != 5 {
		t.Fatalf("first = %d", got)
	}
	consumeItems(t, st, "u1", "c1", 240)
	// Still cached.
	if got := w.For("u1", "c1"); got != 5 {
		t.Errorf("cached = %d, want 5", got)
	}
	w.Invalidate("u1", "c1")
	if got := w.For("u1", "c1"); got != 20 {
		t.Errorf("recomputed = %d, want 20", got)
	}
}

// ── replenish ──

func TestReplenishSkipsWhenStocked(t *testing.T) {
	st := testutil.OpenStore(t)
	seedCampaign(t, st, "u1", "c1")

	var items []*model.StockItem
	for i := 0; i < 6; i++ {
		items = append(items, &model.StockItem{UserID: "u1", CampaignID: "c1", Suffix: "gclid=x", SuffixHash: "h"})
	}
	if err := st.Stock.InsertBatch(items); err != nil {
		t.Fatal(err)
	}

	p, _ := mockProducer(t, st, ProducerConfig{})
	res, err := p.Replenish(context.Background(), "u1", "c1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Errorf("result = %+v, want skipped (available 6 >= watermark 5)", res)
	}
}

func TestReplenishProducesToWatermark(t *testing.T) {
	st := testutil.OpenStore(t)
	seedCampaign(t, st, "u1", "c1")

	p, _ := mockProducer(t, st, ProducerConfig{})
	res, err := p.Replenish(context.Background(), "u1", "c1", false)
	if err != nil {
		t.Fatal(err)
	}
	// Empty pool, watermark 5: produceCount = max(5, 10) = 10.
	if res.Requested != 10 || res.Produced != 10 {
		t.Errorf("result = %+v, want 10 produced", res)
	}
	n, err := st.Stock.CountAvailable("u1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("available = %d, want 10", n)
	}
}

func TestReplenishForceProducesWhenStocked(t *testing.T) {
	st := testutil.OpenStore(t)
	seedCampaign(t, st, "u1", "c1")

	p, _ := mockProducer(t, st, ProducerConfig{})
	if _, err := p.Replenish(context.Background(), "u1", "c1", false); err != nil {
		t.Fatal(err)
	}
	res, err := p.Replenish(context.Background(), "u1", "c1", true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.Produced == 0 {
		t.Errorf("forced result = %+v", res)
	}
}

// ── sweep ──

func TestSweepCoversProducibleCampaigns(t *testing.T) {
	st := testutil.OpenStore(t)
	seedCampaign(t, st, "u1", "c1")
	seedCampaign(t, st, "u1", "c2")

	// Inactive campaign must not be swept.
	if err := st.Campaigns.Insert(&model.Campaign{
		UserID: "u1", CampaignID: "c3", Country: "DE", FinalURL: "x.com", Active: false,
	}); err != nil {
		t.Fatal(err)
	}

	p, _ := mockProducer(t, st, ProducerConfig{})
	var events int
	res, err := p.Sweep(context.Background(), func(cur, total int, _ string) {
		events++
		if total != 2 {
			t.Errorf("progress total = %d, want 2", total)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Campaigns != 2 || res.Produced != 20 {
		t.Errorf("sweep = %+v", res)
	}
	if events != 2 {
		t.Errorf("progress events = %d, want 2", events)
	}
}

// ── audit writer ──

func TestAuditWriterFlushesOnStop(t *testing.T) {
	st := testutil.OpenStore(t)
	w := NewAuditWriter(AuditWriterConfig{Repo: st.Audit, FlushInterval: time.Hour})
	w.Start()
	w.Emit("u1", "c1", AuditProduced, map[string]int{"produced": 3})
	w.Emit("u1", "c1", AuditNoStock, nil)
	w.Stop()

	n, err := st.Audit.CountAction(AuditProduced, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("produced records = %d, want 1", n)
	}
	n, err = st.Audit.CountAction(AuditNoStock, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("no_stock records = %d, want 1", n)
	}
}
