// Package downloader joins the middleware chain and the HTTP handler into the
// single download entry point the media pipeline consumes.
package downloader

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
	"github.com/Sriram-PR/fetchpipe/pkg/fetch"
	"github.com/Sriram-PR/fetchpipe/pkg/middleware"
	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/signal"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// MaxResubmits bounds how many times a Request result (redirect, retry) is
// fed back into the chain for one call to Download.
const MaxResubmits = 20

// Fetcher performs a single download, e.g. *fetch.Handler.
type Fetcher interface {
	Fetch(ctx context.Context, req *models.Request) (*models.Response, error)
}

// Downloader runs requests through the middleware chain around a Fetcher.
type Downloader struct {
	chain   *middleware.Manager
	fetcher Fetcher
	signals signal.Bus
	closer  func() error
	log     *logrus.Entry
}

// New wires an existing chain and fetcher together.
func New(chain *middleware.Manager, fetcher Fetcher, signals signal.Bus, log *logrus.Entry) *Downloader {
	if signals == nil {
		signals = signal.Nop{}
	}
	return &Downloader{
		chain:   chain,
		fetcher: fetcher,
		signals: signals,
		closer:  func() error { return nil },
		log:     log.WithField("component", "downloader"),
	}
}

// FromConfig builds the HTTP handler and the built-in middleware chain from
// cfg. robots.txt files are fetched through the bare handler. reg may be nil.
func FromConfig(cfg *config.AppConfig, signals signal.Bus, reg prometheus.Registerer, log *logrus.Entry) (*Downloader, error) {
	handler, err := fetch.NewHandler(cfg, signals, log)
	if err != nil {
		return nil, err
	}
	chain, err := middleware.FromConfig(cfg, handler.Fetch, reg, log)
	if err != nil {
		_ = handler.Close()
		return nil, err
	}
	d := New(chain, handler, signals, log)
	d.closer = handler.Close
	return d, nil
}

// Download returns the final response for req, following Request results
// from the chain until a response arrives or MaxResubmits is exceeded.
func (d *Downloader) Download(ctx context.Context, req *models.Request) (*models.Response, error) {
	current := req
	for hops := 0; ; hops++ {
		if hops > MaxResubmits {
			return nil, fmt.Errorf("%w: gave up on %s after %d resubmissions", utils.ErrResubmitLimit, req.URL, MaxResubmits)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := d.chain.Download(ctx, d.fetch, current)
		if err != nil {
			return nil, err
		}
		if res.Response != nil {
			return res.Response, nil
		}
		d.log.WithFields(logrus.Fields{"from": current.URL, "to": res.Request.URL}).Debug("Resubmitting request")
		current = res.Request
	}
}

// fetch is the innermost step of the chain.
func (d *Downloader) fetch(ctx context.Context, req *models.Request) (*models.Response, error) {
	d.signals.Send(ctx, signal.Event{Signal: signal.RequestReachedDownloader, Request: req})
	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	d.signals.Send(ctx, signal.Event{Signal: signal.ResponseDownloaded, Request: req, Response: resp})
	return resp, nil
}

// RunMaintenance evicts idle per-host download slots until ctx is done.
// It returns at once when the fetcher has no slot pool.
func (d *Downloader) RunMaintenance(ctx context.Context, interval time.Duration) {
	if h, ok := d.fetcher.(interface{ Slots() *fetch.HostSemaphorePool }); ok {
		h.Slots().RunEviction(ctx, interval)
	}
}

// Close releases the handler's connections when the Downloader built it.
func (d *Downloader) Close() error {
	return d.closer()
}
