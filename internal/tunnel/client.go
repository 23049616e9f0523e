package tunnel

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// authedClient pairs an HTTP client dialing through the gateway with
// the bearer token baked into its outer-layer CONNECT handshake, plus
// that token's expiry.
type authedClient struct {
	httpClient *http.Client
	token      string
	expiresAt  time.Time
}

func (ac *authedClient) freshEnough(now time.Time) bool {
	return now.Before(ac.expiresAt.Add(-refreshSkew))
}

// Client is the attested tunnel client of spec §4.7. It holds the
// currently-authenticated HTTP client behind an atomic.Pointer — the
// same swap-on-refresh shape as Rust's ArcSwap<Option<RunRestClient>>
// the spec describes — so readers never block behind a refresh and a
// refresh never blocks behind a reader. Concurrent refreshes are
// expected and tolerated: whichever goroutine's Store happens last
// wins, and the token it replaced is simply discarded.
type Client struct {
	current  atomic.Pointer[authedClient]
	proxyURL *url.URL
	userPK   string
	tokens   TokenSource
	innerTLS *tls.Config
}

// NewClient builds a tunnel client that reaches gatewayAddr over an
// HTTPS CONNECT tunnel, authenticates as userPK via tokens, and
// terminates its inner TLS handshake per innerTLS (see
// ProvisioningTLSConfig / RunTLSConfig).
func NewClient(gatewayAddr, userPK string, tokens TokenSource, innerTLS *tls.Config) *Client {
	return &Client{
		proxyURL: &url.URL{Scheme: "https", Host: gatewayAddr},
		userPK:   userPK,
		tokens:   tokens,
		innerTLS: innerTLS,
	}
}

// Do sends req through the tunnel, refreshing the bearer token first
// if the cached one has gone stale.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ac, err := c.authedClient()
	if err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	return ac.httpClient.Do(req)
}

// authedClient returns the cached client if its token is still fresh,
// otherwise fetches a new token and atomically swaps in a new client —
// necessarily dropping the old client's connection pool, since the
// bearer token rides on the proxy CONNECT handshake itself (via
// ProxyConnectHeader) rather than on each individual request, per spec
// §4.7's token-lifecycle paragraph.
func (c *Client) authedClient() (*authedClient, error) {
	now := time.Now()
	if ac := c.current.Load(); ac != nil && ac.freshEnough(now) {
		return ac, nil
	}

	token, expiresAt, err := c.tokens.FetchToken(c.userPK)
	if err != nil {
		if ac := c.current.Load(); ac != nil {
			// A failed refresh degrades to "keep using the stale client
			// and let the gateway reject it once truly expired" rather
			// than failing every in-flight caller outright.
			return ac, nil
		}
		return nil, fmt.Errorf("fetch token: %w", err)
	}

	transport := &http.Transport{
		Proxy:              http.ProxyURL(c.proxyURL),
		ProxyConnectHeader: http.Header{"Proxy-Authorization": []string{"Bearer " + token}},
		TLSClientConfig:    c.innerTLS,
	}
	fresh := &authedClient{
		httpClient: &http.Client{Transport: transport},
		token:      token,
		expiresAt:  expiresAt,
	}
	c.current.Store(fresh)
	return fresh, nil
}

// Close releases the currently cached client's idle connections.
func (c *Client) Close() {
	if ac := c.current.Load(); ac != nil {
		ac.httpClient.CloseIdleConnections()
	}
}
