// Package dnscache provides a caching DNS resolver for crawl engines.
package dnscache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options configures a Cache.
type Options struct {
	// Size is the maximum number of cached hosts.
	Size int
	TTL  time.Duration
	// Upstream defaults to net.DefaultResolver.
	Upstream Resolver
	Dialer   *net.Dialer
	Logger   *slog.Logger
}

// Cache resolves through Upstream and keeps answers for TTL.
type Cache struct {
	upstream Resolver
	dialer   *net.Dialer
	ttl      time.Duration
	cache    *ristretto.Cache[string, []string]
	logger   *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache. Close releases its background goroutines.
func New(opts Options) (*Cache, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("dnscache: size must be positive, got %d", opts.Size)
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("dnscache: ttl must be positive, got %s", opts.TTL)
	}
	if opts.Upstream == nil {
		opts.Upstream = net.DefaultResolver
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []string]{
		NumCounters: int64(opts.Size) * 10,
		MaxCost:     int64(opts.Size),
		BufferItems: 64,
		// Each entry costs 1, so MaxCost is an entry count.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dnscache: %w", err)
	}

	return &Cache{
		upstream: opts.Upstream,
		dialer:   opts.Dialer,
		ttl:      opts.TTL,
		cache:    cache,
		logger:   opts.Logger,
	}, nil
}

// LookupHost implements Resolver. Failed lookups are not cached.
func (c *Cache) LookupHost(ctx context.Context, host string) ([]string, error) {
	if addrs, ok := c.cache.Get(host); ok {
		c.hits.Add(1)
		return addrs, nil
	}
	c.misses.Add(1)

	addrs, err := c.upstream.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(host, addrs, 1, c.ttl)
	c.logger.Debug("Resolved host", "host", host, "addrs", len(addrs))
	return addrs, nil
}

// DialContext dials addr using cached resolution. Addresses are tried in
// order until one connects.
func (c *Cache) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if net.ParseIP(host) != nil {
		return c.dialer.DialContext(ctx, network, addr)
	}

	ips, err := c.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, ip := range ips {
		conn, err := c.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("dnscache: no addresses for %s", host)
	}
	return nil, errors.Join(errs...)
}

// Wait blocks until pending cache writes are applied.
func (c *Cache) Wait() {
	c.cache.Wait()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Close stops the cache.
func (c *Cache) Close() {
	c.cache.Close()
}
