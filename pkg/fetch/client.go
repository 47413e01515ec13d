package fetch

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
)

type proxyKey struct{}

// withProxy attaches a per-request proxy to ctx for the transport's Proxy func.
func withProxy(ctx context.Context, proxy *url.URL) context.Context {
	return context.WithValue(ctx, proxyKey{}, proxy)
}

// requestProxy prefers a proxy set on the request context and falls back to
// the environment. Userinfo in the proxy URL becomes Proxy-Authorization.
func requestProxy(req *http.Request) (*url.URL, error) {
	if p, ok := req.Context().Value(proxyKey{}).(*url.URL); ok && p != nil {
		return p, nil
	}
	return http.ProxyFromEnvironment(req)
}

// NewTransport creates the pooled transport shared by all agents of a handler.
func NewTransport(cfg config.HTTPClientConfig, maxPerHost int, factory ContextFactory, resolver *CachingResolver, log *logrus.Entry) *http.Transport {
	log.Debug("Initializing HTTP transport...")

	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}
	dial := dialer.DialContext
	if resolver != nil {
		dial = resolver.DialContext(dialer)
	}

	transport := &http.Transport{
		Proxy:                  requestProxy,
		DialContext:            dial,
		TLSClientConfig:        factory.TLSConfig(""), // ServerName is filled per connection
		ForceAttemptHTTP2:      false,                 // HTTP/1.1 unless force_attempt_http2 is set
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:        maxPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}
	return transport
}

// NewClient wraps transport in a client that never follows redirects;
// redirects are handled by the middleware layer.
func NewClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
