package config

import (
	"fmt"
	"time"

	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

const (
	DefaultConcurrentRequestsPerDomain = 8
	DefaultDownloadMaxSize             = 1024 * 1024 * 1024 // 1 GiB
	DefaultDownloadWarnSize            = 32 * 1024 * 1024   // 32 MiB
	DefaultDownloadTimeout             = 180 * time.Second
	DefaultDeferDelay                  = 100 * time.Millisecond
	DefaultTLSMethod                   = "TLS"
	DefaultTLSCiphers                  = "DEFAULT"
)

// DefaultRetryHTTPCodes are the response statuses the retry middleware retries on
var DefaultRetryHTTPCodes = []int{500, 502, 503, 504, 522, 524, 408, 429}

var validTLSMethods = map[string]bool{
	"TLS":     true,
	"TLSv1.0": true,
	"TLSv1.1": true,
	"TLSv1.2": true,
	"TLSv1.3": true,
}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	dlWarnings, err := c.Downloader.Validate()
	warnings = append(warnings, dlWarnings...)
	if err != nil {
		return warnings, err
	}

	c.validateHTTPClientSettings()

	// DNS
	if c.DNS.CacheSize < 0 {
		warnings = append(warnings, "dns.cache_size cannot be negative, disabling the DNS cache")
		c.DNS.CacheSize = 0
	} else if c.DNS.CacheSize == 0 && (c.DNS.CacheEnabled == nil || *c.DNS.CacheEnabled) {
		c.DNS.CacheSize = 10000
	}
	if c.DNS.Timeout <= 0 {
		c.DNS.Timeout = 60 * time.Second
	}

	warnings = append(warnings, c.Middleware.validate()...)
	warnings = append(warnings, c.Media.validate()...)

	return warnings, nil
}

// Validate checks downloader settings and applies defaults.
// An unknown TLS method is the only fatal error.
func (c *DownloaderConfig) Validate() (warnings []string, err error) {
	if c.ConcurrentRequestsPerDomain <= 0 {
		warnings = append(warnings, fmt.Sprintf(
			"concurrent_requests_per_domain should be > 0, defaulting to %d", DefaultConcurrentRequestsPerDomain))
		c.ConcurrentRequestsPerDomain = DefaultConcurrentRequestsPerDomain
	}

	if c.DownloadMaxSize < 0 {
		warnings = append(warnings, "download_maxsize cannot be negative, setting to 0 (unlimited)")
		c.DownloadMaxSize = 0
	} else if c.DownloadMaxSize == 0 {
		c.DownloadMaxSize = DefaultDownloadMaxSize
	}

	if c.DownloadWarnSize < 0 {
		warnings = append(warnings, "download_warnsize cannot be negative, setting to 0 (disabled)")
		c.DownloadWarnSize = 0
	} else if c.DownloadWarnSize == 0 {
		c.DownloadWarnSize = DefaultDownloadWarnSize
	}

	if c.DownloadMaxSize > 0 && c.DownloadWarnSize > c.DownloadMaxSize {
		warnings = append(warnings, fmt.Sprintf(
			"download_warnsize (%d) > download_maxsize (%d), warn size will never trigger",
			c.DownloadWarnSize, c.DownloadMaxSize))
	}

	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}

	if c.TLSMethod == "" {
		c.TLSMethod = DefaultTLSMethod
	}
	if !validTLSMethods[c.TLSMethod] {
		return warnings, fmt.Errorf("%w: unknown tls_method '%s'", utils.ErrConfigValidation, c.TLSMethod)
	}
	if c.TLSCiphers == "" {
		c.TLSCiphers = DefaultTLSCiphers
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}
	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = c.Downloader.ConcurrentRequestsPerDomain
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (m *MiddlewareConfig) validate() (warnings []string) {
	if m.RetryTimes < 0 {
		warnings = append(warnings, "retry_times cannot be negative, setting to 0")
		m.RetryTimes = 0
	} else if m.RetryTimes == 0 {
		m.RetryTimes = 2 // Use retry_enabled: false to turn retries off
	}
	if len(m.RetryHTTPCodes) == 0 {
		m.RetryHTTPCodes = append([]int(nil), DefaultRetryHTTPCodes...)
	}
	if m.InitialRetryDelay <= 0 {
		m.InitialRetryDelay = 1 * time.Second
	}
	if m.MaxRetryDelay <= 0 {
		m.MaxRetryDelay = 30 * time.Second
	}
	if m.InitialRetryDelay > m.MaxRetryDelay {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			m.InitialRetryDelay, m.MaxRetryDelay))
		m.InitialRetryDelay = m.MaxRetryDelay
	}
	if m.RedirectMaxTimes <= 0 {
		m.RedirectMaxTimes = 20
	}
	if m.DownloadDelay < 0 {
		warnings = append(warnings, "download_delay cannot be negative, disabling throttling")
		m.DownloadDelay = 0
	}
	return warnings
}

func (m *MediaConfig) validate() (warnings []string) {
	if m.StoreDir == "" {
		warnings = append(warnings, "media.store_dir is empty, defaulting to './media'")
		m.StoreDir = "./media"
	}
	if m.StateDir == "" {
		m.StateDir = "./media_state"
	}
	if m.DeferDelay != nil && *m.DeferDelay < 0 {
		warnings = append(warnings, "media.defer_delay cannot be negative, setting to 0")
		zero := time.Duration(0)
		m.DeferDelay = &zero
	}
	if m.ExpiresDays < 0 {
		warnings = append(warnings, "media.expires_days cannot be negative, setting to 0 (never re-download)")
		m.ExpiresDays = 0
	} else if m.ExpiresDays == 0 {
		m.ExpiresDays = 90
	}
	return warnings
}
