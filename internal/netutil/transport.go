package netutil

import (
	"context"
	"net"
	"net/http"

	"github.com/sagernet/sing-box/adapter"
	M "github.com/sagernet/sing/common/metadata"
)

// TransportFor returns an http.Transport that dials through the given
// outbound. A nil outbound yields a direct transport, used by tests and the
// proxyless paths.
func TransportFor(outbound adapter.Outbound) *http.Transport {
	t := &http.Transport{
		DisableKeepAlives: true,
		ForceAttemptHTTP2: true,
	}
	if outbound != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return outbound.DialContext(ctx, network, M.ParseSocksaddr(addr))
		}
	}
	return t
}
