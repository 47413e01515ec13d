package fetch

import (
	"container/list"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DNSCache is a bounded hostname -> addresses cache. When full, inserting a
// new host evicts the oldest inserted one. A capacity of 0 disables caching.
type DNSCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = oldest
	entries  map[string]*list.Element
}

type dnsEntry struct {
	host  string
	addrs []string
}

func NewDNSCache(capacity int) *DNSCache {
	if capacity < 0 {
		capacity = 0
	}
	return &DNSCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *DNSCache) Get(host string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[host]
	if !ok {
		return nil, false
	}
	return el.Value.(*dnsEntry).addrs, true
}

func (c *DNSCache) Put(host string, addrs []string) {
	if c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[host]; ok {
		el.Value.(*dnsEntry).addrs = addrs
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dnsEntry).host)
	}
	c.entries[host] = c.order.PushBack(&dnsEntry{host: host, addrs: addrs})
}

func (c *DNSCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// lookupFunc matches net.Resolver.LookupHost.
type lookupFunc func(ctx context.Context, host string) ([]string, error)

// CachingResolver resolves hostnames through a DNSCache. Failed lookups are not cached.
type CachingResolver struct {
	cache   *DNSCache
	lookup  lookupFunc
	timeout time.Duration
	log     *logrus.Entry
}

// NewCachingResolver wraps the system resolver. cache may be shared between resolvers.
func NewCachingResolver(cache *DNSCache, timeout time.Duration, log *logrus.Entry) *CachingResolver {
	return &CachingResolver{
		cache:   cache,
		lookup:  net.DefaultResolver.LookupHost,
		timeout: timeout,
		log:     log,
	}
}

// LookupHost returns the addresses for host. IP literals are returned as is.
func (r *CachingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	if addrs, ok := r.cache.Get(host); ok {
		return addrs, nil
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	r.cache.Put(host, addrs)
	r.log.WithFields(logrus.Fields{"host": host, "addrs": addrs}).Debug("Resolved host")
	return addrs, nil
}

// DialContext returns a dial function that resolves through r and tries each
// address in turn with dialer.
func (r *CachingResolver) DialContext(dialer *net.Dialer) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		addrs, err := r.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var errs []error
		for _, addr := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(addr, port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		return nil, errors.Join(errs...)
	}
}
