package proxysel

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sagernet/sing-box/adapter"
	"github.com/sagernet/sing/common"

	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/outbound"
	"github.com/rotor-ads/rotor/internal/store"
)

// UsageTTL is how long an exit IP stays in the dedup ledger.
const UsageTTL = 24 * time.Hour

// ExitIPUnknown marks a proxy admitted through the connectivity fallback.
// It must never be written to the dedup ledger.
const ExitIPUnknown = "unknown"

// ErrNoProxyAvailable is returned when the provider list is exhausted in
// both the IP-check and the connectivity fallback phases.
var ErrNoProxyAvailable = errors.New("no proxy available")

// Selection is one usable proxy: a started outbound plus the exit identity
// resolved for it. Close releases the outbound.
type Selection struct {
	Provider *model.ProxyProvider
	Outbound adapter.Outbound
	Username string
	ExitIP   string
	Unknown  bool // connectivity fallback; exit IP not resolved
}

func (s *Selection) Close() {
	if s.Outbound != nil {
		_ = common.Close(s.Outbound)
	}
}

// Selector builds per-request proxy iterators over the provider table.
type Selector struct {
	store   *store.Store
	builder outbound.Builder

	// injectable for tests
	resolveIP func(ctx context.Context, ob adapter.Outbound) (string, error)
	probe     func(ctx context.Context, ob adapter.Outbound) bool
}

func NewSelector(st *store.Store, builder outbound.Builder) *Selector {
	return &Selector{
		store:     st,
		builder:   builder,
		resolveIP: resolveExitIP,
		probe:     probeConnectivity,
	}
}

// Iterator walks the user's providers by priority ascending. Each Next
// yields the next provider whose exit IP clears the 24h dedup window;
// once the list is exhausted, a second pass admits any provider that still
// has connectivity, marked Unknown.
type Iterator struct {
	sel        *Selector
	userID     string
	campaignID string
	country    string

	providers []*model.ProxyProvider
	tried     map[string]bool
	fallback  bool
}

// NewIterator loads the enabled providers for userID. countryCode feeds
// username templating; campaignID scopes the dedup window.
func (s *Selector) NewIterator(userID, countryCode, campaignID string) (*Iterator, error) {
	providers, err := s.store.Proxies.ListEnabledForUser(userID)
	if err != nil {
		return nil, err
	}
	return &Iterator{
		sel:        s,
		userID:     userID,
		campaignID: campaignID,
		country:    countryCode,
		providers:  providers,
		tried:      make(map[string]bool),
	}, nil
}

// ResetTried clears the tried set so the next call starts over from the
// highest-priority provider. Click execution resets per item to force a
// fresh pick.
func (it *Iterator) ResetTried() {
	it.tried = make(map[string]bool)
	it.fallback = false
}

// Next returns the next usable proxy or ErrNoProxyAvailable. The caller
// owns the returned Selection and must Close it.
func (it *Iterator) Next(ctx context.Context) (*Selection, error) {
	if !it.fallback {
		sel, err := it.nextWithExitIP(ctx)
		if err == nil {
			return sel, nil
		}
		if !errors.Is(err, ErrNoProxyAvailable) {
			return nil, err
		}
		// IP-check phase exhausted; retry the full list on connectivity only.
		it.fallback = true
		it.tried = make(map[string]bool)
	}
	return it.nextWithConnectivity(ctx)
}

func (it *Iterator) nextWithExitIP(ctx context.Context) (*Selection, error) {
	for _, p := range it.providers {
		if it.tried[p.ID] {
			continue
		}
		it.tried[p.ID] = true

		sel, err := it.sel.open(ctx, p, it.country)
		if err != nil {
			log.Printf("[proxysel] provider %s: open failed: %v", p.Name, err)
			continue
		}

		exitIP, err := it.sel.resolveIP(ctx, sel.Outbound)
		if err != nil {
			log.Printf("[proxysel] provider %s: ip check failed: %v", p.Name, err)
			sel.Close()
			continue
		}

		used, err := it.sel.store.Proxies.IsExitIPUsed(it.userID, it.campaignID, exitIP, store.NowNs())
		if err != nil {
			sel.Close()
			return nil, err
		}
		if used {
			log.Printf("[proxysel] provider %s: exit ip %s reused within 24h, skipping", p.Name, exitIP)
			sel.Close()
			continue
		}

		sel.ExitIP = exitIP
		return sel, nil
	}
	return nil, ErrNoProxyAvailable
}

func (it *Iterator) nextWithConnectivity(ctx context.Context) (*Selection, error) {
	for _, p := range it.providers {
		if it.tried[p.ID] {
			continue
		}
		it.tried[p.ID] = true

		sel, err := it.sel.open(ctx, p, it.country)
		if err != nil {
			continue
		}
		if !it.sel.probe(ctx, sel.Outbound) {
			sel.Close()
			continue
		}
		sel.ExitIP = ExitIPUnknown
		sel.Unknown = true
		log.Printf("[proxysel] provider %s admitted via connectivity fallback", p.Name)
		return sel, nil
	}
	return nil, ErrNoProxyAvailable
}

// open expands the credential templates and builds a started SOCKS5 outbound.
func (s *Selector) open(ctx context.Context, p *model.ProxyProvider, country string) (*Selection, error) {
	username := ExpandUsername(p.Username, country)
	opts := outbound.SOCKSOptions("rotor-"+p.ID, p.Host, p.Port, username, p.Password)
	ob, err := s.builder.Build(opts)
	if err != nil {
		return nil, err
	}
	return &Selection{Provider: p, Outbound: ob, Username: username}, nil
}

// RecordUse writes the dedup ledger row after a successful downstream use.
// Fallback selections carry the unknown marker and are never recorded.
func (s *Selector) RecordUse(userID, campaignID string, sel *Selection, country string) error {
	if sel.Unknown || sel.ExitIP == "" || sel.ExitIP == ExitIPUnknown {
		return nil
	}
	now := store.NowNs()
	return s.store.Proxies.InsertUsage(&model.ExitIPUsage{
		UserID:      userID,
		CampaignID:  campaignID,
		ExitIP:      sel.ExitIP,
		Country:     country,
		UsedAtNs:    now,
		ExpiresAtNs: now + UsageTTL.Nanoseconds(),
	})
}
