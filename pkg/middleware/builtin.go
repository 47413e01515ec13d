package middleware

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// FromConfig builds a Manager with the built-in middlewares enabled by cfg,
// outermost first: robots.txt, throttle, download timeout, default headers,
// retry, redirect, stats. A middleware whose constructor reports
// utils.ErrNotConfigured is skipped. robotsFetch downloads robots.txt files;
// reg receives the stats metrics and may be nil when stats are disabled.
func FromConfig(cfg *config.AppConfig, robotsFetch FetchFunc, reg prometheus.Registerer, log *logrus.Entry) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: middleware requires a configuration", utils.ErrNotConfigured)
	}
	m := NewManager(log)
	mw := cfg.Middleware

	type entry struct {
		name  string
		build func() (any, error)
	}
	entries := []entry{
		{"robotstxt", func() (any, error) {
			if !mw.RobotsObey {
				return nil, fmt.Errorf("%w: robots_obey is off", utils.ErrNotConfigured)
			}
			return NewRobotsTxt(robotsFetch, mw.UserAgent, log)
		}},
		{"throttle", func() (any, error) { return NewThrottle(mw.DownloadDelay, log) }},
		{"download_timeout", func() (any, error) { return NewDownloadTimeout(cfg.Downloader.DownloadTimeout) }},
		{"default_headers", func() (any, error) { return NewDefaultHeaders(mw.UserAgent, mw.DefaultHeaders) }},
		{"retry", func() (any, error) {
			if !config.GetEffectiveRetryEnabled(mw) {
				return nil, fmt.Errorf("%w: retry disabled", utils.ErrNotConfigured)
			}
			return NewRetry(RetryOptions{
				MaxTimes:     mw.RetryTimes,
				HTTPCodes:    mw.RetryHTTPCodes,
				InitialDelay: mw.InitialRetryDelay,
				MaxDelay:     mw.MaxRetryDelay,
			}, log)
		}},
		{"redirect", func() (any, error) {
			if !config.GetEffectiveRedirectEnabled(mw) {
				return nil, fmt.Errorf("%w: redirect disabled", utils.ErrNotConfigured)
			}
			return NewRedirect(mw.RedirectMaxTimes, log)
		}},
		{"stats", func() (any, error) {
			if !mw.StatsEnabled || reg == nil {
				return nil, fmt.Errorf("%w: stats disabled", utils.ErrNotConfigured)
			}
			return NewStats(reg), nil
		}},
	}

	for _, e := range entries {
		built, err := e.build()
		if errors.Is(err, utils.ErrNotConfigured) {
			m.log.Debugf("Middleware %s not enabled: %v", e.name, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("building middleware %s: %w", e.name, err)
		}
		if err := m.Register(e.name, built); err != nil {
			return nil, err
		}
	}
	m.log.Infof("Enabled downloader middlewares: %v", m.Names())
	return m, nil
}
