package proxysel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/sagernet/sing-box/adapter"

	"github.com/rotor-ads/rotor/internal/netutil"
)

// ipCheckServices report the caller's public IP as a plain-text body.
var ipCheckServices = []string{
	"https://api.ipify.org",
	"https://checkip.amazonaws.com",
	"https://icanhazip.com",
}

// connectivityURLs are lightweight probe targets for the fallback phase.
var connectivityURLs = []string{
	"https://www.google.com/generate_204",
	"https://www.gstatic.com/generate_204",
	"http://cp.cloudflare.com/generate_204",
}

const (
	ipCheckTimeout      = 10 * time.Second
	connectivityTimeout = 10 * time.Second
)

// resolveExitIP queries the IP-reporting services through the outbound in
// parallel and returns the first successful answer. The exit IP is the
// proxy's effective identity for deduplication.
func resolveExitIP(ctx context.Context, outbound adapter.Outbound) (string, error) {
	transport := netutil.TransportFor(outbound)
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, ipCheckTimeout)
	defer cancel()

	type answer struct {
		ip  string
		err error
	}
	results := make(chan answer, len(ipCheckServices))
	for _, svc := range ipCheckServices {
		go func(url string) {
			ip, err := fetchIP(ctx, transport, url)
			results <- answer{ip: ip, err: err}
		}(svc)
	}

	var errs []error
	for range ipCheckServices {
		select {
		case a := <-results:
			if a.err == nil {
				return a.ip, nil
			}
			errs = append(errs, a.err)
		case <-ctx.Done():
			return "", fmt.Errorf("ip check: %w", ctx.Err())
		}
	}
	return "", fmt.Errorf("ip check: all services failed: %w", errors.Join(errs...))
}

func fetchIP(ctx context.Context, transport *http.Transport, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := transport.RoundTrip(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	addr, err := netip.ParseAddr(string(bytes.TrimSpace(body)))
	if err != nil {
		return "", fmt.Errorf("%s: %w", url, err)
	}
	return addr.String(), nil
}

// probeConnectivity performs a small GET through the outbound against the
// fixed URL set. Any successful response counts.
func probeConnectivity(ctx context.Context, outbound adapter.Outbound) bool {
	transport := netutil.TransportFor(outbound)
	defer transport.CloseIdleConnections()

	for _, url := range connectivityURLs {
		reqCtx, cancel := context.WithTimeout(ctx, connectivityTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			continue
		}
		resp, err := transport.RoundTrip(req)
		cancel()
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return true
		}
	}
	return false
}
