// Package media implements the deduplicating media pipeline: at most one
// download per request fingerprint, with the result shared by every
// request for the same resource.
package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
	"github.com/Sriram-PR/fetchpipe/pkg/fingerprint"
	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// Downloader fetches a request through the full download chain.
type Downloader interface {
	Download(ctx context.Context, req *models.Request) (*models.Response, error)
}

// Hooks are the pipeline-specific steps. I is the item type, T the per-request result.
type Hooks[I, T any] interface {
	// GetMediaRequests returns the requests to fetch for item
	GetMediaRequests(item I) []*models.Request
	// MediaToDownload may return a result without downloading (ok=true)
	MediaToDownload(ctx context.Context, req *models.Request, item I) (result T, ok bool, err error)
	// MediaDownloaded turns a downloaded response into a result
	MediaDownloaded(ctx context.Context, resp *models.Response, req *models.Request, item I) (T, error)
	// MediaFailed sees every download or MediaDownloaded error and returns the error to record
	MediaFailed(ctx context.Context, err error, req *models.Request) error
	// ItemCompleted receives the per-request outcomes in request order
	ItemCompleted(results []Outcome[T], item I) I
}

// Outcome is the settled result of one media request.
type Outcome[T any] struct {
	OK    bool
	Value T
	Err   error
}

// Options configures a Pipeline
type Options struct {
	Name             string        // Used in logs
	AllowRedirects   bool          // Let the redirect middleware follow 3xx for media requests
	DeferDelay       time.Duration // Cache-hit yield and waiter delivery delay
	LogFailedResults bool
}

// OptionsFromConfig maps the media config section to Options
func OptionsFromConfig(name string, cfg config.MediaConfig) Options {
	return Options{
		Name:             name,
		AllowRedirects:   cfg.AllowRedirects,
		DeferDelay:       config.GetEffectiveDeferDelay(cfg),
		LogFailedResults: config.GetEffectiveLogFailedResults(cfg),
	}
}

// Stats are cumulative pipeline counters
type Stats struct {
	Downloads int64 // Fingerprints fetched (or resolved by MediaToDownload)
	CacheHits int64 // Requests served from a completed fingerprint
	Waits     int64 // Requests that joined an in-flight fingerprint
}

type settled[T any] struct {
	value   T
	failure *utils.Failure
}

// Pipeline coordinates media requests. Each fingerprint moves from unseen to
// downloading to downloaded exactly once; downloaded results stay for the
// life of the Pipeline.
type Pipeline[I, T any] struct {
	hooks      Hooks[I, T]
	dl         Downloader
	fp         fingerprint.Fingerprinter
	opts       Options
	statusList []int // handle_httpstatus_list when redirects are allowed
	log        *logrus.Entry

	mu          sync.Mutex
	downloading map[string]struct{}
	downloaded  map[string]settled[T]
	waiting     map[string][]chan settled[T]

	downloads atomic.Int64
	cacheHits atomic.Int64
	waits     atomic.Int64
}

// New creates a pipeline. fp may be nil to use fingerprint.Default.
func New[I, T any](hooks Hooks[I, T], dl Downloader, fp fingerprint.Fingerprinter, opts Options, log *logrus.Entry) (*Pipeline[I, T], error) {
	if hooks == nil || dl == nil {
		return nil, fmt.Errorf("%w: media pipeline needs hooks and a downloader", utils.ErrNotConfigured)
	}
	if fp == nil {
		fp = fingerprint.Default
	}
	if opts.Name == "" {
		opts.Name = "MediaPipeline"
	}
	p := &Pipeline[I, T]{
		hooks:       hooks,
		dl:          dl,
		fp:          fp,
		opts:        opts,
		log:         log.WithField("component", opts.Name),
		downloading: make(map[string]struct{}),
		downloaded:  make(map[string]settled[T]),
		waiting:     make(map[string][]chan settled[T]),
	}
	if opts.AllowRedirects {
		for code := 100; code < 600; code++ {
			if code < 300 || code >= 400 {
				p.statusList = append(p.statusList, code)
			}
		}
	}
	return p, nil
}

// ProcessItem fetches all media requests of item concurrently and returns
// what ItemCompleted makes of the outcomes. A failed request never cancels
// its siblings.
func (p *Pipeline[I, T]) ProcessItem(ctx context.Context, item I) I {
	reqs := p.hooks.GetMediaRequests(item)
	results := make([]Outcome[T], len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			v, err := p.Process(ctx, req, item)
			results[i] = Outcome[T]{OK: err == nil, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if p.opts.LogFailedResults {
		for i, r := range results {
			if r.OK || utils.IsQuiet(r.Err) {
				continue
			}
			p.log.WithFields(logrus.Fields{
				"url":      reqs[i].URL,
				"category": utils.CategorizeError(r.Err),
			}).Errorf("%s found errors processing item: %v", p.opts.Name, r.Err)
		}
	}
	return p.hooks.ItemCompleted(results, item)
}

// Process returns the result for req, downloading it only if no request with
// the same fingerprint has been seen. The request's Callback and Errback are
// removed; Errback, if set, is called with the failure for this caller.
func (p *Pipeline[I, T]) Process(ctx context.Context, req *models.Request, item I) (T, error) {
	key := fingerprint.Key(p.fp, req)
	eb := req.Errback
	req.Callback = nil
	req.Errback = nil

	p.mu.Lock()
	if res, ok := p.downloaded[key]; ok {
		p.mu.Unlock()
		p.cacheHits.Add(1)
		if err := p.sleep(ctx); err != nil {
			var zero T
			return zero, err
		}
		return p.deliver(res, req, eb)
	}

	slot := make(chan settled[T], 1)
	p.waiting[key] = append(p.waiting[key], slot)
	if _, inFlight := p.downloading[key]; inFlight {
		p.mu.Unlock()
		p.waits.Add(1)
		return p.await(ctx, slot, req, eb)
	}
	p.downloading[key] = struct{}{}
	p.mu.Unlock()

	p.downloads.Add(1)
	p.complete(key, p.download(ctx, req, item))
	return p.await(ctx, slot, req, eb)
}

// download produces the terminal result for a new fingerprint.
func (p *Pipeline[I, T]) download(ctx context.Context, req *models.Request, item I) settled[T] {
	reqLog := p.log.WithField("url", req.URL)

	v, ok, err := p.hooks.MediaToDownload(ctx, req, item)
	if err != nil {
		reqLog.Errorf("Error checking media before download: %v", err)
		return settled[T]{failure: utils.NewFailure(err)}
	}
	if ok {
		return settled[T]{value: v}
	}

	p.modifyRequest(req)
	resp, err := p.dl.Download(ctx, req)
	if err == nil {
		v, err = p.hooks.MediaDownloaded(ctx, resp, req, item)
		if err == nil {
			return settled[T]{value: v}
		}
	}
	if recorded := p.hooks.MediaFailed(ctx, err, req); recorded != nil {
		err = recorded
	}
	return settled[T]{failure: utils.NewFailure(err)}
}

// modifyRequest lets non-2xx media responses reach MediaDownloaded. 3xx
// responses are left to the redirect middleware when redirects are allowed.
func (p *Pipeline[I, T]) modifyRequest(req *models.Request) {
	meta := req.EnsureMeta()
	if p.statusList != nil {
		meta.Set(models.MetaHandleHTTPStatusList, p.statusList)
		return
	}
	meta.Set(models.MetaHandleHTTPStatusAll, true)
}

// complete caches res for key and schedules delivery to every waiter.
func (p *Pipeline[I, T]) complete(key string, res settled[T]) {
	res.failure = res.failure.Minimize()

	p.mu.Lock()
	delete(p.downloading, key)
	p.downloaded[key] = res
	waiters := p.waiting[key]
	delete(p.waiting, key)
	p.mu.Unlock()

	for _, slot := range waiters {
		time.AfterFunc(p.opts.DeferDelay, func() { slot <- res })
	}
}

func (p *Pipeline[I, T]) await(ctx context.Context, slot <-chan settled[T], req *models.Request, eb func(*models.Request, error)) (T, error) {
	select {
	case res := <-slot:
		return p.deliver(res, req, eb)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *Pipeline[I, T]) deliver(res settled[T], req *models.Request, eb func(*models.Request, error)) (T, error) {
	if res.failure != nil {
		if eb != nil {
			eb(req, res.failure)
		}
		var zero T
		return zero, res.failure
	}
	return res.value, nil
}

func (p *Pipeline[I, T]) sleep(ctx context.Context) error {
	if p.opts.DeferDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.opts.DeferDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline[I, T]) Stats() Stats {
	return Stats{
		Downloads: p.downloads.Load(),
		CacheHits: p.cacheHits.Load(),
		Waits:     p.waits.Load(),
	}
}

// Downloaded reports whether a result for req's fingerprint is cached.
func (p *Pipeline[I, T]) Downloaded(req *models.Request) bool {
	key := fingerprint.Key(p.fp, req)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.downloaded[key]
	return ok
}
