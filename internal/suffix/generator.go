// Package suffix produces tracking suffixes by chasing an affiliate URL
// through its redirect chain over a rotating proxy.
package suffix

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/rotor-ads/rotor/internal/proxysel"
	"github.com/rotor-ads/rotor/internal/tracker"
)

// ErrNoProxyAvailable is returned when every proxy fails to produce a
// suffix and mock mode is off.
var ErrNoProxyAvailable = errors.New("NO_PROXY_AVAILABLE")

const (
	traceReferer        = "https://t.co"
	traceMaxRedirects   = 15
	traceRequestTimeout = 25 * time.Second
	traceTotalTimeout   = 90 * time.Second
	traceRetryCount     = 1
)

// Request identifies one suffix to produce.
type Request struct {
	UserID          string
	CampaignID      string
	AffiliateLinkID string
	AffiliateURL    string
	Country         string
	TargetDomain    string
}

// Produced is one generated suffix plus the exit identity that produced it.
type Produced struct {
	Suffix      string
	SuffixHash  string
	FinalURL    string
	ExitIP      string
	ExitCountry string
	Mock        bool
}

// TraceLimits bounds one redirect chase. Zero fields fall back to the
// package defaults.
type TraceLimits struct {
	MaxRedirects   int
	RequestTimeout time.Duration
	TotalTimeout   time.Duration
}

func (l *TraceLimits) fill() {
	if l.MaxRedirects <= 0 {
		l.MaxRedirects = traceMaxRedirects
	}
	if l.RequestTimeout <= 0 {
		l.RequestTimeout = traceRequestTimeout
	}
	if l.TotalTimeout <= 0 {
		l.TotalTimeout = traceTotalTimeout
	}
}

// Generator wires the proxy selector, the redirect tracker, and geo lookup.
type Generator struct {
	selector *proxysel.Selector
	tracker  *tracker.Tracker
	country  func(ip string) string // geoip lookup, nil-safe via noop

	// Trace overrides the default redirect-chase bounds when set.
	Trace TraceLimits

	allowMock bool
}

func NewGenerator(selector *proxysel.Selector, tr *tracker.Tracker, countryOf func(string) string, allowMock bool) *Generator {
	if countryOf == nil {
		countryOf = func(string) string { return "" }
	}
	return &Generator{selector: selector, tracker: tr, country: countryOf, allowMock: allowMock}
}

// Produce walks the proxy list until one trace succeeds. On success it
// derives the suffix from the final URL, records the exit IP in the dedup
// ledger, and returns. When every proxy fails it either emits a synthetic
// suffix (mock mode) or ErrNoProxyAvailable.
func (g *Generator) Produce(ctx context.Context, req Request) (*Produced, error) {
	it, err := g.selector.NewIterator(req.UserID, req.Country, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("suffix: proxy iterator: %w", err)
	}

	limits := g.Trace
	limits.fill()

	for {
		sel, err := it.Next(ctx)
		if errors.Is(err, proxysel.ErrNoProxyAvailable) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("suffix: proxy selection: %w", err)
		}

		res := g.tracker.Trace(ctx, tracker.Request{
			URL:            req.AffiliateURL,
			Outbound:       sel.Outbound,
			TargetDomain:   req.TargetDomain,
			InitialReferer: traceReferer,
			MaxRedirects:   limits.MaxRedirects,
			RequestTimeout: limits.RequestTimeout,
			TotalTimeout:   limits.TotalTimeout,
			RetryCount:     traceRetryCount,
		})
		if !res.Success {
			log.Printf("[suffix] campaign %s: trace via %s failed: %s",
				req.CampaignID, sel.Provider.Name, res.ErrorMessage)
			sel.Close()
			continue
		}

		suffix := DeriveSuffix(res.FinalURL)
		if suffix == "" {
			suffix = g.syntheticSuffix(sel.ExitIP)
		}

		exitCountry := g.country(sel.ExitIP)
		if exitCountry != "" && req.Country != "" && !strings.EqualFold(exitCountry, req.Country) {
			log.Printf("[suffix] campaign %s: exit ip %s resolves to %s, campaign wants %s",
				req.CampaignID, sel.ExitIP, exitCountry, req.Country)
		}

		if err := g.selector.RecordUse(req.UserID, req.CampaignID, sel, exitCountry); err != nil {
			log.Printf("[suffix] campaign %s: record exit ip: %v", req.CampaignID, err)
		}
		sel.Close()

		return &Produced{
			Suffix:      suffix,
			SuffixHash:  HashSuffix(suffix),
			FinalURL:    res.FinalURL,
			ExitIP:      sel.ExitIP,
			ExitCountry: exitCountry,
		}, nil
	}

	if g.allowMock {
		suffix := g.syntheticSuffix("")
		log.Printf("[suffix] campaign %s: all proxies failed, emitting mock suffix", req.CampaignID)
		return &Produced{Suffix: suffix, SuffixHash: HashSuffix(suffix), Mock: true}, nil
	}
	return nil, ErrNoProxyAvailable
}

// DeriveSuffix returns the query part of a final URL: everything after the
// first '?' and before a trailing '#fragment'. Empty when the URL carries no
// query.
func DeriveSuffix(finalURL string) string {
	i := strings.Index(finalURL, "?")
	if i < 0 {
		return ""
	}
	s := finalURL[i+1:]
	if j := strings.Index(s, "#"); j >= 0 {
		s = s[:j]
	}
	return s
}

// HashSuffix returns a stable content hash used for duplicate suppression
// inside one produced batch.
func HashSuffix(suffix string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(suffix))
}

// syntheticSuffix builds a minimal query with a generated gclid and the
// proxy-exit metadata when the landing URL carried no query of its own.
func (g *Generator) syntheticSuffix(exitIP string) string {
	gclid := syntheticGclid()
	s := "gclid=" + gclid
	if exitIP != "" && exitIP != proxysel.ExitIPUnknown {
		s += "&rtip=" + strings.ReplaceAll(exitIP, ":", ".")
	}
	return s
}

// syntheticGclid produces a value shaped like a real gclid: url-safe,
// 20 chars, prefixed so synthetic values are recognizable in reports.
func syntheticGclid() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	id := uuid.NewString()
	b := make([]byte, 20)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return "Rt" + string(b) + id[:8]
}
