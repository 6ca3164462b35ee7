// Package tracker follows a URL through HTTP 3xx, meta-refresh, and
// JavaScript redirects over a single proxy outbound. One trace is strictly
// sequential; concurrency lives in the callers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sagernet/sing-box/adapter"

	"github.com/rotor-ads/rotor/internal/netutil"
)

// Stable error tokens surfaced to callers and stored on lease/stock rows.
const (
	ErrTotalTimeout     = "TOTAL_TIMEOUT"
	ErrTimeout          = "TIMEOUT"
	ErrProxyUnavailable = "PROXY_UNAVAILABLE"
	ErrTrackFailed      = "REDIRECT_TRACK_FAILED"
)

// maxBodyBytes caps how much of a response body is read when scanning for
// in-page redirects.
const maxBodyBytes = 512 << 10

// Request describes one trace.
type Request struct {
	URL            string
	Outbound       adapter.Outbound // nil dials direct
	TargetDomain   string           // early-stop when a hop lands on this root domain
	InitialReferer string
	UserAgent      string
	MaxRedirects   int
	RequestTimeout time.Duration
	TotalTimeout   time.Duration
	RetryCount     int
}

// Step records one hop of the chain.
type Step struct {
	URL          string        `json:"url"`
	StatusCode   int           `json:"statusCode"`
	RedirectType string        `json:"redirectType,omitempty"` // http | meta_refresh | js
	Duration     time.Duration `json:"duration"`
}

// DomainValidation reports whether the final URL landed on the expected
// root domain.
type DomainValidation struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Matched  bool   `json:"matched"`
}

// Result is the outcome of one trace. ErrorMessage carries a stable token,
// optionally followed by ": detail".
type Result struct {
	Success          bool
	FinalURL         string
	FinalStatusCode  int
	RedirectCount    int
	Chain            []string
	Steps            []Step
	Duration         time.Duration
	DomainValidation *DomainValidation
	ErrorMessage     string
	EarlyStop        bool
}

// Tracker traces redirect chains. The zero value is not usable; use New.
type Tracker struct{}

func New() *Tracker {
	return &Tracker{}
}

// Trace follows req.URL until a terminal response, the redirect cap, the wall
// timeout, or an early stop on the target domain.
func (t *Tracker) Trace(ctx context.Context, req Request) *Result {
	start := time.Now()
	res := &Result{Chain: []string{req.URL}}

	finish := func() *Result {
		res.Duration = time.Since(start)
		res.RedirectCount = len(res.Chain) - 1
		if req.TargetDomain != "" && res.FinalURL != "" {
			res.DomainValidation = &DomainValidation{
				Expected: netutil.ExtractDomain(req.TargetDomain),
				Actual:   netutil.ExtractDomain(res.FinalURL),
				Matched:  netutil.SameRootDomain(res.FinalURL, req.TargetDomain),
			}
		}
		return res
	}

	transport := netutil.TransportFor(req.Outbound)
	defer transport.CloseIdleConnections()

	current := req.URL
	referer := req.InitialReferer

	for step := 1; step <= req.MaxRedirects+1; step++ {
		if req.TotalTimeout > 0 && time.Since(start) > req.TotalTimeout {
			res.ErrorMessage = ErrTotalTimeout
			res.FinalURL = current
			return finish()
		}

		// Hops after the first stop as soon as they land on the target
		// domain; the last fetch is skipped.
		if step > 1 && req.TargetDomain != "" && netutil.SameRootDomain(current, req.TargetDomain) {
			res.Success = true
			res.EarlyStop = true
			res.FinalURL = current
			return finish()
		}

		stepStart := time.Now()
		resp, body, err := t.fetch(ctx, transport, current, referer, req)
		if err != nil {
			res.FinalURL = current
			res.ErrorMessage = classifyError(err)
			res.Steps = append(res.Steps, Step{URL: current, Duration: time.Since(stepStart)})
			return finish()
		}

		st := Step{URL: current, StatusCode: resp.StatusCode, Duration: time.Since(stepStart)}

		switch {
		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			next, err := resolveLocation(current, resp.Header.Get("Location"))
			if err != nil {
				res.FinalURL = current
				res.FinalStatusCode = resp.StatusCode
				res.ErrorMessage = fmt.Sprintf("%s: %v", ErrTrackFailed, err)
				res.Steps = append(res.Steps, st)
				return finish()
			}
			st.RedirectType = "http"
			res.Steps = append(res.Steps, st)
			res.Chain = append(res.Chain, next)
			referer = current
			current = next
			continue

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if isHTML(resp, body) {
				if next, kind := FindInPageRedirect(current, body); next != "" {
					st.RedirectType = kind
					res.Steps = append(res.Steps, st)
					res.Chain = append(res.Chain, next)
					referer = current
					current = next
					continue
				}
			}
			res.Success = true
			res.FinalURL = current
			res.FinalStatusCode = resp.StatusCode
			res.Steps = append(res.Steps, st)
			return finish()

		default:
			res.FinalURL = current
			res.FinalStatusCode = resp.StatusCode
			res.ErrorMessage = fmt.Sprintf("%s: status %d: %s", ErrTrackFailed, resp.StatusCode, bodySnippet(body))
			res.Steps = append(res.Steps, st)
			return finish()
		}
	}

	res.FinalURL = current
	res.ErrorMessage = fmt.Sprintf("%s: redirect limit %d exceeded", ErrTrackFailed, req.MaxRedirects)
	return finish()
}

// fetch performs one manual-redirect GET with retry on transient network
// failures. Backoff is linear, 100ms per attempt.
func (t *Tracker) fetch(ctx context.Context, transport *http.Transport, rawURL, referer string, req Request) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= req.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		resp, body, err := t.doOnce(ctx, transport, rawURL, referer, req)
		if err == nil {
			return resp, body, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return nil, nil, lastErr
}

func (t *Tracker) doOnce(ctx context.Context, transport *http.Transport, rawURL, referer string, req Request) (*http.Response, []byte, error) {
	timeout := req.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	if referer != "" {
		httpReq.Header.Set("Referer", referer)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := transport.RoundTrip(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp, body, nil
}

// resolveLocation resolves a Location header against the current URL.
// Protocol-relative and relative values are supported; non-http(s) schemes
// are rejected.
func resolveLocation(current, location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", errors.New("empty Location header")
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parse current url: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse Location: %w", err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported redirect scheme %q", resolved.Scheme)
	}
	return resolved.String(), nil
}

func isHTML(resp *http.Response, body []byte) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return true
	}
	if ct != "" {
		return false
	}
	head := strings.ToLower(string(body[:min(len(body), 256)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

func bodySnippet(body []byte) string {
	const n = 500
	if len(body) > n {
		body = body[:n]
	}
	return strings.TrimSpace(string(body))
}

// classifyError maps a transport error to a stable token.
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case isConnectFailure(err):
		return fmt.Sprintf("%s: %v", ErrProxyUnavailable, err)
	default:
		return fmt.Sprintf("%s: %v", ErrTrackFailed, err)
	}
}

// isRetryable reports whether the error class is worth one more attempt:
// timeouts, resets, and name-resolution failures.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected EOF")
}

// isConnectFailure recognizes failures to even reach the upstream, as opposed
// to failures mid-exchange.
func isConnectFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "socks")
}
