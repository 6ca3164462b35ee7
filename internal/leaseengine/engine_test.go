package leaseengine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotor-ads/rotor/internal/config"
	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/stock"
	"github.com/rotor-ads/rotor/internal/store"
	"github.com/rotor-ads/rotor/internal/testutil"
)

// ── helpers ──

type fixture struct {
	st        *store.Store
	engine    *Engine
	audit     *stock.AuditWriter
	mu        sync.Mutex
	triggered []string
}

func newFixture(t *testing.T, policy config.LeasePolicy) *fixture {
	t.Helper()
	st := testutil.OpenStore(t)
	audit := stock.NewAuditWriter(stock.AuditWriterConfig{Repo: st.Audit, FlushInterval: 10 * time.Millisecond})
	audit.Start()
	t.Cleanup(audit.Stop)

	f := &fixture{st: st, audit: audit}
	f.engine = New(st, audit, policy, func(userID, campaignID string) {
		f.mu.Lock()
		f.triggered = append(f.triggered, campaignID)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) seedCampaign(t *testing.T, campaignID string) {
	t.Helper()
	if err := f.st.Campaigns.Insert(&model.Campaign{
		UserID: "u1", CampaignID: campaignID, Name: "camp",
		Country: "DE", FinalURL: "shop.example.com", Active: true,
	}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedState(t *testing.T, campaignID string, applied int64, observedAt time.Time) {
	t.Helper()
	if err := f.st.ClickStates.Insert(&model.ClickState{
		UserID: "u1", CampaignID: campaignID,
		LastAppliedClicks: applied, LastObservedClicks: applied,
		LastObservedAtNs: observedAt.UnixNano(),
	}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedStock(t *testing.T, campaignID, suffix string) *model.StockItem {
	t.Helper()
	item := &model.StockItem{
		UserID: "u1", CampaignID: campaignID,
		Suffix: suffix, SuffixHash: "h-" + suffix,
	}
	if err := f.st.Stock.InsertBatch([]*model.StockItem{item}); err != nil {
		t.Fatal(err)
	}
	return item
}

func (f *fixture) appliedClicks(t *testing.T, campaignID string) int64 {
	t.Helper()
	state, err := f.st.ClickStates.Get("u1", campaignID)
	if err != nil {
		t.Fatal(err)
	}
	return state.LastAppliedClicks
}

func (f *fixture) stockStatus(t *testing.T, id string) model.StockStatus {
	t.Helper()
	item, err := f.st.Stock.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return item.Status
}

func leaseReq(campaignID string, nowClicks int64, key string) LeaseRequest {
	return LeaseRequest{
		CampaignID:       campaignID,
		NowClicks:        nowClicks,
		ObservedAt:       time.Now(),
		WindowStartEpoch: time.Now().Unix() - 60,
		IdempotencyKey:   key,
	}
}

// ── lease: combined policy ──

func TestLeaseApplyHappyPath(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	f.seedCampaign(t, "c1")
	f.seedState(t, "c1", 100, time.Now())
	item := f.seedStock(t, "c1", "gclid=x")

	res, err := f.engine.Lease("u1", leaseReq("c1", 101, "K2"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionApply || res.FinalURLSuffix != "gclid=x" || res.LeaseID == "" {
		t.Fatalf("result = %+v", res)
	}
	if got := f.appliedClicks(t, "c1"); got != 101 {
		t.Errorf("lastApplied = %d, want 101", got)
	}
	if got := f.stockStatus(t, item.ID); got != model.StockConsumed {
		t.Errorf("stock status = %s, want consumed", got)
	}

	// Legacy ack replays idempotently against the already-consumed lease.
	ack, err := f.engine.Ack("u1", AckRequest{LeaseID: res.LeaseID, CampaignID: "c1", Applied: true})
	if err != nil {
		t.Fatal(err)
	}
	if !ack.OK || ack.PreviousStatus != string(model.LeaseConsumed) {
		t.Errorf("ack = %+v", ack)
	}
}

func TestLeaseNoopWhenNoNewClicks(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	f.seedCampaign(t, "c1")
	f.seedState(t, "c1", 100, time.Now())
	f.seedStock(t, "c1", "gclid=x")

	for i := 0; i < 2; i++ {
		res, err := f.engine.Lease("u1", leaseReq("c1", 100, "K1"))
		if err != nil {
			t.Fatal(err)
		}
		if res.Action != ActionNoop {
			t.Fatalf("call %d: action = %s, want NOOP", i, res.Action)
		}
	}
	n, err := f.st.Stock.CountAvailable("u1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("available = %d, want 1 (stock untouched)", n)
	}
}

func TestLeaseIdempotentReplay(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	f.seedCampaign(t, "c1")
	f.seedState(t, "c1", 100, time.Now())
	f.seedStock(t, "c1", "gclid=a")
	f.seedStock(t, "c1", "gclid=b")

	first, err := f.engine.Lease("u1", leaseReq("c1", 101, "K1"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.Lease("u1", leaseReq("c1", 101, "K1"))
	if err != nil {
		t.Fatal(err)
	}
	if first.LeaseID != second.LeaseID {
		t.Errorf("lease ids differ: %s vs %s", first.LeaseID, second.LeaseID)
	}
	if second.FinalURLSuffix != first.FinalURLSuffix {
		t.Errorf("suffix changed on replay: %q vs %q", first.FinalURLSuffix, second.FinalURLSuffix)
	}
	n, _ := f.st.Stock.CountAvailable("u1", "c1")
	if n != 1 {
		t.Errorf("available = %d, want 1 (only one item consumed)", n)
	}
}

func TestLeaseNoStockTriggersReplenish(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	f.seedCampaign(t, "c1")
	f.seedState(t, "c1", 100, time.Now())

	_, err := f.engine.Lease("u1", leaseReq("c1", 101, "K1"))
	if !errors.Is(err, ErrNoStock) {
		t.Fatalf("err = %v, want ErrNoStock", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.triggered)
		f.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replenish trigger never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLeasePendingImport(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)

	_, err := f.engine.Lease("u1", leaseReq("unknown", 5, "K1"))
	if !errors.Is(err, ErrPendingImport) {
		t.Fatalf("err = %v, want ErrPendingImport", err)
	}
}

func TestLeaseCreatesCampaignFromMeta(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)

	req := leaseReq("c9", 5, "K1")
	req.Meta = &Meta{CampaignName: "new camp", Country: "fr", FinalURL: "x.example.com", CID: "123"}
	_, err := f.engine.Lease("u1", req)
	if !errors.Is(err, ErrNoStock) {
		t.Fatalf("err = %v, want ErrNoStock after lazy create", err)
	}

	c, err := f.st.Campaigns.Find("u1", "c9")
	if err != nil {
		t.Fatal(err)
	}
	if c.Country != "FR" || c.Name != "new camp" || !c.Active {
		t.Errorf("campaign = %+v", c)
	}
}

func TestLeaseUpdatesChangedMeta(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	f.seedCampaign(t, "c1")
	f.seedStock(t, "c1", "gclid=x")

	req := leaseReq("c1", 1, "K1")
	req.Meta = &Meta{CampaignName: "renamed", Country: "DE", FinalURL: "shop.example.com"}
	if _, err := f.engine.Lease("u1", req); err != nil {
		t.Fatal(err)
	}
	c, _ := f.st.Campaigns.Find("u1", "c1")
	if c.Name != "renamed" {
		t.Errorf("name = %q, want renamed", c.Name)
	}
}

func TestLeaseDailyReset(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	f.seedCampaign(t, "c1")
	// Yesterday's counters ended at 100; today's report starts low again.
	f.seedState(t, "c1", 100, time.Now().Add(-48*time.Hour))
	item := f.seedStock(t, "c1", "gclid=y")

	res, err := f.engine.Lease("u1", leaseReq("c1", 5, "K1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionApply {
		t.Fatalf("action = %s, want APPLY after daily reset", res.Action)
	}
	if got := f.appliedClicks(t, "c1"); got != 5 {
		t.Errorf("lastApplied = %d, want 5", got)
	}
	if got := f.stockStatus(t, item.ID); got != model.StockConsumed {
		t.Errorf("stock status = %s", got)
	}
}

func TestLeaseSameDayLowerObservationIsNoop(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	f.seedCampaign(t, "c1")
	f.seedState(t, "c1", 100, time.Now())
	f.seedStock(t, "c1", "gclid=y")

	res, err := f.engine.Lease("u1", leaseReq("c1", 5, "K1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionNoop {
		t.Fatalf("action = %s, want NOOP (same-day lower count must not reset)", res.Action)
	}
	if got := f.appliedClicks(t, "c1"); got != 100 {
		t.Errorf("lastApplied = %d, want 100", got)
	}
}

func TestLeaseValidation(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	cases := []LeaseRequest{
		{NowClicks: 1, WindowStartEpoch: 1, IdempotencyKey: "k"},
		{CampaignID: "c", NowClicks: -1, WindowStartEpoch: 1, IdempotencyKey: "k"},
		{CampaignID: "c", NowClicks: 1, IdempotencyKey: "k"},
		{CampaignID: "c", NowClicks: 1, WindowStartEpoch: 1},
	}
	for i, req := range cases {
		if _, err := f.engine.Lease("u1", req); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: err = %v, want ErrValidation", i, err)
		}
	}
}

// ── deferred policy ──

func TestDeferredLeaseAndAckFailRecyclesStock(t *testing.T) {
	f := newFixture(t, config.LeasePolicyDeferred)
	f.seedCampaign(t, "c1")
	f.seedState(t, "c1", 100, time.Now())
	item := f.seedStock(t, "c1", "gclid=z")

	res, err := f.engine.Lease("u1", leaseReq("c1", 101, "K3"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionApply {
		t.Fatalf("action = %s", res.Action)
	}
	if got := f.stockStatus(t, item.ID); got != model.StockLeased {
		t.Errorf("stock status = %s, want leased", got)
	}
	// Counter bumps only on ack under the deferred policy.
	if got := f.appliedClicks(t, "c1"); got != 100 {
		t.Errorf("lastApplied = %d, want 100 before ack", got)
	}

	// A second lease while one is pending must not allocate.
	second, err := f.engine.Lease("u1", leaseReq("c1", 102, "K4"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Action != ActionNoop {
		t.Errorf("second action = %s, want NOOP while pending", second.Action)
	}

	ack, err := f.engine.Ack("u1", AckRequest{
		LeaseID: res.LeaseID, CampaignID: "c1", Applied: false, ErrorMessage: "write denied",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}
	if got := f.stockStatus(t, item.ID); got != model.StockAvailable {
		t.Errorf("stock status = %s, want available again", got)
	}
	if got := f.appliedClicks(t, "c1"); got != 100 {
		t.Errorf("lastApplied = %d, want unchanged 100", got)
	}

	lease, err := f.st.Leases.Find(res.LeaseID, "u1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if lease.Status != model.LeaseFailed || lease.ErrorMessage != "write denied" {
		t.Errorf("lease = %+v", lease)
	}
}

func TestDeferredAckAppliedBumpsCounter(t *testing.T) {
	f := newFixture(t, config.LeasePolicyDeferred)
	f.seedCampaign(t, "c1")
	f.seedState(t, "c1", 100, time.Now())
	item := f.seedStock(t, "c1", "gclid=z")

	res, err := f.engine.Lease("u1", leaseReq("c1", 101, "K1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Ack("u1", AckRequest{LeaseID: res.LeaseID, CampaignID: "c1", Applied: true}); err != nil {
		t.Fatal(err)
	}
	if got := f.appliedClicks(t, "c1"); got != 101 {
		t.Errorf("lastApplied = %d, want 101", got)
	}
	if got := f.stockStatus(t, item.ID); got != model.StockConsumed {
		t.Errorf("stock status = %s, want consumed", got)
	}
}

// ── ack edge cases ──

func TestAckUnknownLease(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	_, err := f.engine.Ack("u1", AckRequest{LeaseID: "nope", CampaignID: "c1", Applied: true})
	if !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("err = %v, want ErrLeaseNotFound", err)
	}
}

// ── batch ──

func TestLeaseBatchIndependentResults(t *testing.T) {
	f := newFixture(t, config.LeasePolicyCombined)
	f.seedCampaign(t, "c1")
	f.seedState(t, "c1", 0, time.Now())
	f.seedStock(t, "c1", "gclid=a")

	reqs := []LeaseRequest{
		leaseReq("c1", 1, "K1"),
		leaseReq("missing", 1, "K2"),
		{CampaignID: "c1"}, // invalid
	}
	results := f.engine.LeaseBatch("u1", reqs)
	if len(results) != 3 {
		t.Fatalf("len = %d", len(results))
	}
	if results[0].Result == nil || results[0].Result.Action != ActionApply {
		t.Errorf("result[0] = %+v", results[0])
	}
	if results[1].Code != "PENDING_IMPORT" {
		t.Errorf("result[1] = %+v", results[1])
	}
	if results[2].Code != "VALIDATION_ERROR" {
		t.Errorf("result[2] = %+v", results[2])
	}
}
