package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/signal"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// Handler owns the connection pool for HTTP(S) downloads and hands each
// request to a fresh Agent. The client is created on first use and again
// after Close.
type Handler struct {
	dlCfg    config.DownloaderConfig
	httpCfg  config.HTTPClientConfig
	factory  ContextFactory
	resolver *CachingResolver
	slots    *HostSemaphorePool
	signals  signal.Bus
	log      *logrus.Entry

	mu        sync.Mutex
	client    *http.Client
	transport *http.Transport
}

// HandlerOption customizes a Handler at construction
type HandlerOption func(*Handler)

// WithContextFactory replaces the TLS context factory chosen from the config.
func WithContextFactory(f ContextFactory) HandlerOption {
	return func(h *Handler) { h.factory = f }
}

// WithResolver makes the handler dial through r instead of the resolver built from the dns config.
func WithResolver(r *CachingResolver) HandlerOption {
	return func(h *Handler) { h.resolver = r }
}

// NewHandler creates a handler from validated configuration. The TLS context
// factory and per-host slot pool are built here, once.
func NewHandler(appCfg *config.AppConfig, signals signal.Bus, log *logrus.Entry, opts ...HandlerOption) (*Handler, error) {
	if appCfg == nil {
		return nil, fmt.Errorf("%w: http handler requires a configuration", utils.ErrNotConfigured)
	}
	if signals == nil {
		signals = signal.Nop{}
	}
	log = log.WithField("component", "http_handler")

	h := &Handler{
		dlCfg:   appCfg.Downloader,
		httpCfg: appCfg.HTTPClientSettings,
		signals: signals,
		log:     log,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.factory == nil {
		h.factory = NewContextFactory(appCfg.Downloader, log)
	}
	if h.resolver == nil {
		if size := config.GetEffectiveDNSCacheSize(appCfg.DNS); size > 0 {
			h.resolver = NewCachingResolver(NewDNSCache(size), appCfg.DNS.Timeout, log)
		}
	}
	h.slots = NewHostSemaphorePool(appCfg.Downloader.ConcurrentRequestsPerDomain, appCfg.Downloader.SemaphoreAcquireTimeout, log)
	return h, nil
}

// getClient returns the live client, creating it when absent.
func (h *Handler) getClient() *http.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		h.transport = NewTransport(h.httpCfg, h.slots.Limit(), h.factory, h.resolver, h.log)
		h.client = NewClient(h.transport)
		h.log.Debug("HTTP client created")
	}
	return h.client
}

// Fetch downloads req, waiting for a free slot on the request's host first.
func (h *Handler) Fetch(ctx context.Context, req *models.Request) (*models.Response, error) {
	release, err := h.slots.Acquire(ctx, req.Host())
	if err != nil {
		return nil, err
	}
	defer release()

	agent := NewAgent(h.getClient(), h.signals, AgentOptions{
		MaxSize:        h.dlCfg.DownloadMaxSize,
		WarnSize:       h.dlCfg.DownloadWarnSize,
		FailOnDataLoss: config.GetEffectiveFailOnDataLoss(h.dlCfg),
		Timeout:        h.dlCfg.DownloadTimeout,
	}, h.log)
	return agent.Fetch(ctx, req)
}

// Slots exposes the per-host pool, e.g. to run its eviction loop.
func (h *Handler) Slots() *HostSemaphorePool {
	return h.slots
}

// Close releases pooled connections. Safe to call repeatedly or before any fetch.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.transport != nil {
		h.transport.CloseIdleConnections()
		h.log.Debug("HTTP client closed")
	}
	h.transport = nil
	h.client = nil
	return nil
}
