package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/fetchpipe/pkg/utils"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	Downloader         DownloaderConfig `yaml:"downloader"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	DNS                DNSConfig        `yaml:"dns,omitempty"`
	Middleware         MiddlewareConfig `yaml:"middleware,omitempty"`
	Media              MediaConfig      `yaml:"media,omitempty"`
}

// DownloaderConfig holds the download handler defaults. Requests may override
// the size and timeout values through their meta bag.
type DownloaderConfig struct {
	ConcurrentRequestsPerDomain int           `yaml:"concurrent_requests_per_domain"`
	DownloadMaxSize             int64         `yaml:"download_maxsize"`                    // 0 = unlimited
	DownloadWarnSize            int64         `yaml:"download_warnsize"`                   // 0 = never warn
	DownloadTimeout             time.Duration `yaml:"download_timeout"`                    // Per-request deadline
	TLSMethod                   string        `yaml:"tls_method,omitempty"`                // "TLS", "TLSv1.0" ... "TLSv1.3"
	TLSCiphers                  string        `yaml:"tls_ciphers,omitempty"`               // ':'-separated suite names or "DEFAULT"
	TLSVerify                   bool          `yaml:"tls_verify,omitempty"`                // Use the browser-like (verifying) context
	FailOnDataLoss              *bool         `yaml:"fail_on_dataloss,omitempty"`          // nil = default (true)
	SemaphoreAcquireTimeout     time.Duration `yaml:"semaphore_acquire_timeout,omitempty"` // Max wait for a per-host slot
}

// HTTPClientConfig holds settings for the shared HTTP transport
type HTTPClientConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// DNSConfig configures the caching resolver used by the transport dialer
type DNSConfig struct {
	CacheEnabled *bool         `yaml:"cache_enabled,omitempty"`
	CacheSize    int           `yaml:"cache_size,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// MiddlewareConfig configures the built-in downloader middlewares
type MiddlewareConfig struct {
	UserAgent         string            `yaml:"user_agent,omitempty"`
	DefaultHeaders    map[string]string `yaml:"default_headers,omitempty"`
	RobotsObey        bool              `yaml:"robots_obey,omitempty"`
	RetryEnabled      *bool             `yaml:"retry_enabled,omitempty"`
	RetryTimes        int               `yaml:"retry_times,omitempty"`
	RetryHTTPCodes    []int             `yaml:"retry_http_codes,omitempty"`
	InitialRetryDelay time.Duration     `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay     time.Duration     `yaml:"max_retry_delay,omitempty"`
	RedirectEnabled   *bool             `yaml:"redirect_enabled,omitempty"`
	RedirectMaxTimes  int               `yaml:"redirect_max_times,omitempty"`
	DownloadDelay     time.Duration     `yaml:"download_delay,omitempty"` // Per-host politeness delay (0 = off)
	StatsEnabled      bool              `yaml:"stats_enabled,omitempty"`
}

// MediaConfig configures the dedup media pipeline
type MediaConfig struct {
	AllowRedirects   bool           `yaml:"allow_redirects,omitempty"`
	StoreDir         string         `yaml:"store_dir,omitempty"`          // Where downloaded files are written
	StateDir         string         `yaml:"state_dir,omitempty"`          // Where the media state DB lives
	DeferDelay       *time.Duration `yaml:"defer_delay,omitempty"`        // Cache-hit yield and waiter delivery delay
	LogFailedResults *bool          `yaml:"log_failed_results,omitempty"` // nil = default (true)
	ExpiresDays      int            `yaml:"expires_days,omitempty"`       // Age after which stored files are fetched again
}

// Load reads a YAML configuration file, validates it and applies defaults.
// Returns the config and any validation warnings.
func Load(path string) (*AppConfig, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading config file '%s': %w", utils.ErrConfigValidation, path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: parsing config file '%s': %w", utils.ErrConfigValidation, path, err)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return &cfg, warnings, nil
}

// GetEffectiveFailOnDataLoss determines the effective fail-on-dataloss setting
func GetEffectiveFailOnDataLoss(dl DownloaderConfig) bool {
	if dl.FailOnDataLoss != nil {
		return *dl.FailOnDataLoss
	}
	return true
}

// GetEffectiveDNSCacheSize returns the resolver cache capacity, 0 when caching is disabled
func GetEffectiveDNSCacheSize(dns DNSConfig) int {
	if dns.CacheEnabled != nil && !*dns.CacheEnabled {
		return 0
	}
	return dns.CacheSize
}

// GetEffectiveRetryEnabled determines whether the retry middleware is installed
func GetEffectiveRetryEnabled(mw MiddlewareConfig) bool {
	if mw.RetryEnabled != nil {
		return *mw.RetryEnabled
	}
	return true
}

// GetEffectiveRedirectEnabled determines whether the redirect middleware is installed
func GetEffectiveRedirectEnabled(mw MiddlewareConfig) bool {
	if mw.RedirectEnabled != nil {
		return *mw.RedirectEnabled
	}
	return true
}

// GetEffectiveLogFailedResults determines whether per-item media failures are logged
func GetEffectiveLogFailedResults(m MediaConfig) bool {
	if m.LogFailedResults != nil {
		return *m.LogFailedResults
	}
	return true
}

// GetEffectiveDeferDelay returns the media pipeline scheduling delay
func GetEffectiveDeferDelay(m MediaConfig) time.Duration {
	if m.DeferDelay != nil {
		return *m.DeferDelay
	}
	return DefaultDeferDelay
}
