package models

import (
	"sync"
	"time"
)

// Meta keys understood by the built-in components.
const (
	MetaDownloadTimeout      = "download_timeout"
	MetaDownloadMaxSize      = "download_maxsize"
	MetaDownloadWarnSize     = "download_warnsize"
	MetaDownloadLatency      = "download_latency"
	MetaFailOnDataLoss       = "download_fail_on_dataloss"
	MetaProxy                = "proxy"
	MetaHandleHTTPStatusAll  = "handle_httpstatus_all"
	MetaHandleHTTPStatusList = "handle_httpstatus_list"
	MetaDontRetry            = "dont_retry"
	MetaDontObeyRobotsTxt    = "dont_obey_robotstxt"
	MetaRequestID            = "request_id"
	MetaRetryTimes           = "retry_times"
	MetaRedirectTimes        = "redirect_times"
	MetaRedirectURLs         = "redirect_urls"
)

// Meta is the per-request metadata bag. It is safe for concurrent use, though
// the pipeline only ever annotates it from one stage at a time.
type Meta struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMeta returns an empty bag.
func NewMeta() *Meta {
	return &Meta{values: make(map[string]any)}
}

// Clone returns an independent shallow copy. Cloning a nil Meta yields an empty bag.
func (m *Meta) Clone() *Meta {
	c := NewMeta()
	if m == nil {
		return c
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.values {
		c.values[k] = v
	}
	return c
}

func (m *Meta) Set(key string, value any) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

func (m *Meta) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Meta) Delete(key string) {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
}

// GetDuration reads a time.Duration. Numeric values are taken as seconds.
func (m *Meta) GetDuration(key string) (time.Duration, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case int:
		return time.Duration(d) * time.Second, true
	case int64:
		return time.Duration(d) * time.Second, true
	case float64:
		return time.Duration(d * float64(time.Second)), true
	}
	return 0, false
}

func (m *Meta) GetInt64(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// GetInt returns the value as an int, or 0 when absent.
func (m *Meta) GetInt(key string) int {
	n, _ := m.GetInt64(key)
	return int(n)
}

func (m *Meta) GetBool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (m *Meta) GetString(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

// GetIntSlice reads an []int value, such as handle_httpstatus_list.
func (m *Meta) GetIntSlice(key string) []int {
	v, _ := m.Get(key)
	s, _ := v.([]int)
	return s
}
