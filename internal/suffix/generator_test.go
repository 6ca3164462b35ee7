package suffix

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rotor-ads/rotor/internal/proxysel"
	"github.com/rotor-ads/rotor/internal/testutil"
	"github.com/rotor-ads/rotor/internal/tracker"
)

func TestDeriveSuffix(t *testing.T) {
	cases := []struct {
		url, want string
	}{
		{"https://shop.example.com/p?gclid=abc&src=x", "gclid=abc&src=x"},
		{"https://shop.example.com/p?gclid=abc#frag", "gclid=abc"},
		{"https://shop.example.com/p#frag", ""},
		{"https://shop.example.com/p", ""},
		{"https://shop.example.com/p?", ""},
	}
	for _, tc := range cases {
		if got := DeriveSuffix(tc.url); got != tc.want {
			t.Errorf("DeriveSuffix(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestHashSuffix(t *testing.T) {
	a := HashSuffix("gclid=abc")
	if a != HashSuffix("gclid=abc") {
		t.Error("hash not stable")
	}
	if a == HashSuffix("gclid=abd") {
		t.Error("distinct suffixes collide")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
}

func TestSyntheticSuffixShape(t *testing.T) {
	g := NewGenerator(nil, nil, nil, false)
	s := g.syntheticSuffix("203.0.113.9")
	if !strings.HasPrefix(s, "gclid=Rt") {
		t.Errorf("suffix %q missing synthetic gclid", s)
	}
	if !strings.Contains(s, "rtip=203.0.113.9") {
		t.Errorf("suffix %q missing exit metadata", s)
	}

	s = g.syntheticSuffix(proxysel.ExitIPUnknown)
	if strings.Contains(s, "rtip=") {
		t.Errorf("unknown exit ip leaked into suffix %q", s)
	}
}

func TestProduceNoProxies(t *testing.T) {
	st := testutil.OpenStore(t)
	sel := proxysel.NewSelector(st, &testutil.StubOutboundBuilder{})

	req := Request{UserID: "u1", CampaignID: "c1", AffiliateURL: "https://aff.test/x", Country: "DE"}

	g := NewGenerator(sel, tracker.New(), nil, false)
	if _, err := g.Produce(context.Background(), req); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("err = %v, want ErrNoProxyAvailable", err)
	}

	mock := NewGenerator(sel, tracker.New(), nil, true)
	out, err := mock.Produce(context.Background(), req)
	if err != nil {
		t.Fatalf("mock produce: %v", err)
	}
	if !out.Mock || out.Suffix == "" || out.SuffixHash == "" {
		t.Errorf("mock produced = %+v", out)
	}
}
