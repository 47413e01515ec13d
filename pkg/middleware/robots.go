package middleware

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/Sriram-PR/fetchpipe/pkg/models"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// RobotsTxt rejects requests disallowed by the target host's robots.txt.
// Each host's file is fetched once; concurrent first requests for a host
// share that fetch. Hosts whose file could not be fetched are allowed.
type RobotsTxt struct {
	fetch     FetchFunc
	userAgent string

	group   singleflight.Group
	cacheMu sync.Mutex
	cache   map[string]*robotstxt.RobotsData // host -> parsed data (nil = allow all)

	log *logrus.Entry
}

// NewRobotsTxt checks requests against robots.txt files downloaded with fetch.
func NewRobotsTxt(fetch FetchFunc, userAgent string, log *logrus.Entry) (*RobotsTxt, error) {
	if fetch == nil {
		return nil, fmt.Errorf("%w: robots.txt middleware needs a fetch function", utils.ErrNotConfigured)
	}
	return &RobotsTxt{
		fetch:     fetch,
		userAgent: userAgent,
		cache:     make(map[string]*robotstxt.RobotsData),
		log:       log.WithField("component", "robotstxt"),
	}, nil
}

func (r *RobotsTxt) ProcessRequest(ctx context.Context, req *models.Request) (Result, error) {
	if dont, _ := req.EnsureMeta().GetBool(models.MetaDontObeyRobotsTxt); dont {
		return Result{}, nil
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Result{}, nil
	}
	if u.Path == "/robots.txt" {
		return Result{}, nil
	}

	data := r.robotsFor(ctx, u)
	if data == nil {
		return Result{}, nil
	}
	agent := r.userAgent
	if ua := req.Headers.Get("User-Agent"); ua != "" {
		agent = ua
	}
	if !data.TestAgent(u.RequestURI(), agent) {
		r.log.WithField("url", req.URL).Debug("Forbidden by robots.txt")
		return Result{}, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, req.URL)
	}
	return Result{}, nil
}

// robotsFor returns the cached or freshly fetched rules for u's host.
func (r *RobotsTxt) robotsFor(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	host := u.Host

	r.cacheMu.Lock()
	data, found := r.cache[host]
	r.cacheMu.Unlock()
	if found {
		return data
	}

	v, _, _ := r.group.Do(host, func() (any, error) {
		data := r.download(ctx, u)
		if ctx.Err() != nil {
			// Cancelled mid-fetch; the next request for this host retries
			return data, nil
		}
		r.cacheMu.Lock()
		r.cache[host] = data
		r.cacheMu.Unlock()
		return data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (r *RobotsTxt) download(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	robotsURL := (&url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}).String()
	robotsLog := r.log.WithField("robots_url", robotsURL)
	robotsLog.Info("Fetching robots.txt...")

	req := models.NewRequest(robotsURL)
	req.Meta.Set(models.MetaDontObeyRobotsTxt, true)
	if r.userAgent != "" {
		req.Headers.Set("User-Agent", r.userAgent)
	}

	resp, err := r.fetch(ctx, req)
	if err != nil {
		robotsLog.Errorf("Fetching robots.txt failed: %v", err)
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.Status, resp.Body)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		return nil
	}
	robotsLog.WithField("status", resp.Status).Info("Successfully fetched and parsed robots.txt")
	return data
}

// Hosts returns the number of hosts with cached rules.
func (r *RobotsTxt) Hosts() int {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return len(r.cache)
}
