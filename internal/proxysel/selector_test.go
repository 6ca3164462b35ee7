package proxysel

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/sagernet/sing-box/adapter"

	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/store"
	"github.com/rotor-ads/rotor/internal/testutil"
)

// ── helpers ──

func seedProviders(t *testing.T, st *store.Store, names ...string) []*model.ProxyProvider {
	t.Helper()
	var out []*model.ProxyProvider
	for i, name := range names {
		p := &model.ProxyProvider{
			Name:     name,
			Host:     "proxy." + name + ".test",
			Port:     1080,
			Priority: i + 1,
			Username: "user-{country}",
			Password: "pw",
			Enabled:  true,
		}
		if err := st.Proxies.Upsert(p); err != nil {
			t.Fatalf("seed provider %s: %v", name, err)
		}
		out = append(out, p)
	}
	return out
}

func newTestSelector(t *testing.T, st *store.Store, ips map[string]string, probeOK bool) *Selector {
	t.Helper()
	sel := NewSelector(st, &testutil.StubOutboundBuilder{})
	calls := 0
	sel.resolveIP = func(_ context.Context, _ adapter.Outbound) (string, error) {
		// Providers are visited in priority order; hand out IPs in that order.
		calls++
		key := []string{"first", "second", "third", "fourth"}[min(calls-1, 3)]
		ip, ok := ips[key]
		if !ok {
			return "", errors.New("ip check failed")
		}
		return ip, nil
	}
	sel.probe = func(_ context.Context, _ adapter.Outbound) bool { return probeOK }
	return sel
}

// ── username templating ──

func TestExpandUsername(t *testing.T) {
	got := ExpandUsername("cust-{COUNTRY}-geo-{country}", "de")
	if got != "cust-DE-geo-de" {
		t.Errorf("got %q", got)
	}

	got = ExpandUsername("u-{random:8}-s{session:6}", "US")
	if !regexp.MustCompile(`^u-[a-z0-9]{8}-s\d{6}$`).MatchString(got) {
		t.Errorf("got %q", got)
	}

	// Uppercase token must be substituted first so a country value cannot be
	// re-replaced by the lowercase pass.
	got = ExpandUsername("{COUNTRY}{country}", "gb")
	if got != "GBgb" {
		t.Errorf("got %q", got)
	}

	if a, b := ExpandUsername("{random:12}", ""), ExpandUsername("{random:12}", ""); a == b {
		t.Errorf("two expansions produced identical randoms: %q", a)
	}
}

// ── iterator ──

func TestIteratorPriorityOrderAndDedup(t *testing.T) {
	st := testutil.OpenStore(t)
	seedProviders(t, st, "alpha", "beta")

	// alpha's exit IP is already in the 24h ledger; beta's is fresh.
	now := store.NowNs()
	if err := st.Proxies.InsertUsage(&model.ExitIPUsage{
		UserID: "u1", CampaignID: "c1", ExitIP: "198.51.100.1",
		UsedAtNs: now, ExpiresAtNs: now + UsageTTL.Nanoseconds(),
	}); err != nil {
		t.Fatal(err)
	}

	sel := newTestSelector(t, st, map[string]string{
		"first":  "198.51.100.1",
		"second": "198.51.100.2",
	}, false)

	it, err := sel.NewIterator("u1", "DE", "c1")
	if err != nil {
		t.Fatal(err)
	}
	got, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	defer got.Close()

	if got.Provider.Name != "beta" {
		t.Errorf("selected %s, want beta (alpha's ip is deduped)", got.Provider.Name)
	}
	if got.ExitIP != "198.51.100.2" || got.Unknown {
		t.Errorf("selection = %+v", got)
	}
	if !strings.Contains(got.Username, "de") {
		t.Errorf("username %q not templated", got.Username)
	}
}

func TestIteratorExpiredUsageDoesNotBlock(t *testing.T) {
	st := testutil.OpenStore(t)
	seedProviders(t, st, "alpha")

	now := store.NowNs()
	if err := st.Proxies.InsertUsage(&model.ExitIPUsage{
		UserID: "u1", CampaignID: "c1", ExitIP: "198.51.100.1",
		UsedAtNs: now - 2*UsageTTL.Nanoseconds(), ExpiresAtNs: now - UsageTTL.Nanoseconds(),
	}); err != nil {
		t.Fatal(err)
	}

	sel := newTestSelector(t, st, map[string]string{"first": "198.51.100.1"}, false)
	it, _ := sel.NewIterator("u1", "DE", "c1")
	got, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	got.Close()
}

func TestIteratorConnectivityFallback(t *testing.T) {
	st := testutil.OpenStore(t)
	seedProviders(t, st, "alpha")

	// IP check always fails, connectivity passes.
	sel := newTestSelector(t, st, map[string]string{}, true)
	it, _ := sel.NewIterator("u1", "DE", "c1")

	got, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	defer got.Close()
	if !got.Unknown || got.ExitIP != ExitIPUnknown {
		t.Errorf("selection = %+v, want unknown fallback", got)
	}

	// Unknown exit IPs must never reach the ledger.
	if err := sel.RecordUse("u1", "c1", got, "DE"); err != nil {
		t.Fatalf("record: %v", err)
	}
	used, err := st.Proxies.IsExitIPUsed("u1", "c1", ExitIPUnknown, store.NowNs())
	if err != nil {
		t.Fatal(err)
	}
	if used {
		t.Error("unknown marker was recorded in the dedup ledger")
	}
}

func TestIteratorExhausted(t *testing.T) {
	st := testutil.OpenStore(t)
	seedProviders(t, st, "alpha", "beta")

	sel := newTestSelector(t, st, map[string]string{}, false)
	it, _ := sel.NewIterator("u1", "DE", "c1")

	if _, err := it.Next(context.Background()); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("err = %v, want ErrNoProxyAvailable", err)
	}
}

func TestIteratorResetTried(t *testing.T) {
	st := testutil.OpenStore(t)
	seedProviders(t, st, "alpha")

	sel := newTestSelector(t, st, map[string]string{
		"first":  "198.51.100.1",
		"second": "198.51.100.2",
	}, false)
	it, _ := sel.NewIterator("u1", "DE", "c1")

	first, err := it.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first.Close()

	it.ResetTried()
	second, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("after reset: %v", err)
	}
	second.Close()
}

func TestRecordUseWritesLedger(t *testing.T) {
	st := testutil.OpenStore(t)
	providers := seedProviders(t, st, "alpha")

	sel := NewSelector(st, &testutil.StubOutboundBuilder{})
	s := &Selection{Provider: providers[0], ExitIP: "198.51.100.9"}
	if err := sel.RecordUse("u1", "c1", s, "DE"); err != nil {
		t.Fatal(err)
	}
	used, err := st.Proxies.IsExitIPUsed("u1", "c1", "198.51.100.9", store.NowNs())
	if err != nil {
		t.Fatal(err)
	}
	if !used {
		t.Error("usage row not visible in dedup window")
	}
}
