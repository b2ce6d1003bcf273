// Package netutil holds the cached resolver shared by SSH dials and AI
// provider HTTP clients.
package netutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// DefaultRefreshInterval is how often cached lookups are refreshed.
const DefaultRefreshInterval = 5 * time.Minute

var (
	defaultResolver     *Resolver
	defaultResolverOnce sync.Once
)

// Resolver wraps dnscache.Resolver with a dialer that uses it.
type Resolver struct {
	cache  *dnscache.Resolver
	dialer *net.Dialer
}

// NewResolver creates an empty resolver cache.
func NewResolver() *Resolver {
	return &Resolver{
		cache: &dnscache.Resolver{},
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// Default returns the process-wide resolver.
func Default() *Resolver {
	defaultResolverOnce.Do(func() {
		defaultResolver = NewResolver()
	})
	return defaultResolver
}

// RunRefresh refreshes the cache every interval until ctx is done. Entries
// not used since the previous refresh are dropped.
func (r *Resolver) RunRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	log.Info().Dur("interval", interval).Msg("DNS cache refresh started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cache.Refresh(true)
			log.Debug().Msg("DNS cache refreshed")
		}
	}
}

// DialContext resolves host through the cache and dials each address in
// turn until one connects.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return r.dialer.DialContext(ctx, network, address)
	}

	ips, err := r.cache.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var errs []error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
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

// NewHTTPClient returns an HTTP client whose transport dials through r.
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = r.DialContext
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
