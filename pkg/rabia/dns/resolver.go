// Package dns implements the minimal UDP DNS resolver client described
// in spec.md section 4.6: A-record resolution with a TTL cache,
// first-success-wins across multiple configured servers.
package dns

import (
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/atomic"

	"github.com/jabolina/rabia/pkg/rabia/definition"
	"github.com/jabolina/rabia/pkg/rabia/result"
)

// Error taxonomy per spec.md section 4.6.
const (
	ReasonInvalidIPAddress = "invalid-ip-address"
	ReasonServerError      = "server-error"
	ReasonRequestTimeout   = "request-timeout"
	ReasonUnknownDomain    = "unknown-domain"
	ReasonUnknownError     = "unknown-error"
)

func dnsCause(reason, message string) *result.Cause {
	return result.NewCause(result.KindDNS, reason+": "+message)
}

type cacheEntry struct {
	ip net.IP
	// deadline is the zero Time for entries that never expire (only
	// the seeded "localhost" entry today).
	deadline time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// Resolver resolves domain names to IPv4 addresses, caching successful
// lookups until their TTL deadline. Failed lookups are never cached.
type Resolver struct {
	mu      sync.RWMutex
	cache   map[string]cacheEntry
	servers []string
	timeout time.Duration

	scheduler *result.Scheduler
	log       definition.Logger
}

// NewResolver builds a Resolver against the given UDP DNS servers
// (host:port). "localhost" is pre-seeded as loopback with an unbounded
// TTL, per spec.md section 4.6.
func NewResolver(servers []string, sched *result.Scheduler, log definition.Logger) *Resolver {
	r := &Resolver{
		cache:     make(map[string]cacheEntry),
		servers:   servers,
		timeout:   2 * time.Second,
		scheduler: sched,
		log:       log,
	}
	r.cache["localhost"] = cacheEntry{ip: net.IPv4(127, 0, 0, 1)}
	return r
}

// Resolve looks up domain, consulting the TTL cache first and falling
// back to parallel UDP queries against every configured server,
// resolving with whichever replies first (spec.md section 4.6).
func (r *Resolver) Resolve(domain string) *result.Future[net.IP] {
	if ip, ok := r.fromCache(domain); ok {
		return result.Completed(ip)
	}

	out := result.NewFuture[net.IP]()
	if len(r.servers) == 0 {
		out.Fail(dnsCause(ReasonUnknownError, "no dns servers configured"))
		return out
	}

	remaining := atomic.NewInt32(int32(len(r.servers)))
	for _, server := range r.servers {
		server := server
		r.scheduler.Spawn(func() {
			ip, ttl, err := r.queryOne(domain, server)
			if err != nil {
				r.log.Debugf("dns: query to %s for %s failed: %v", server, domain, err)
				if remaining.Dec() == 0 {
					// All servers failed; the individual causes are
					// already logged above, so the aggregate failure
					// is reported uniformly as UnknownDomain.
					out.Fail(dnsCause(ReasonUnknownDomain, domain))
				}
				return
			}
			// Future.Complete is idempotent, so whichever server
			// answers first wins without any extra coordination. The
			// entry is cached before completing, so a caller that sees
			// the result also finds it in the cache.
			r.store(domain, ip, ttl)
			out.Complete(ip)
		})
	}
	return out
}

func (r *Resolver) fromCache(domain string) (net.IP, bool) {
	r.mu.RLock()
	entry, ok := r.cache[domain]
	r.mu.RUnlock()
	if !ok || entry.expired(time.Now()) {
		return nil, false
	}
	return entry.ip, true
}

// store caches a successful lookup and schedules its eviction at the
// TTL deadline (spec.md section 8, invariant 6).
func (r *Resolver) store(domain string, ip net.IP, ttl time.Duration) {
	deadline := time.Now().Add(ttl)
	r.mu.Lock()
	r.cache[domain] = cacheEntry{ip: ip, deadline: deadline}
	r.mu.Unlock()

	result.Async(r.scheduler, ttl, func() struct{} {
		r.mu.Lock()
		if entry, ok := r.cache[domain]; ok && entry.deadline.Equal(deadline) {
			delete(r.cache, domain)
		}
		r.mu.Unlock()
		return struct{}{}
	})
}

func (r *Resolver) queryOne(domain, server string) (net.IP, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Net: "udp", Timeout: r.timeout}
	reply, _, err := client.Exchange(msg, server)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, 0, dnsCause(ReasonRequestTimeout, server)
		}
		return nil, 0, dnsCause(ReasonServerError, err.Error())
	}

	if reply.Rcode == dns.RcodeNameError {
		return nil, 0, dnsCause(ReasonUnknownDomain, domain)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, 0, dnsCause(ReasonServerError, dns.RcodeToString[reply.Rcode])
	}

	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			if a.A == nil {
				return nil, 0, dnsCause(ReasonInvalidIPAddress, domain)
			}
			return a.A, time.Duration(a.Hdr.Ttl) * time.Second, nil
		}
	}
	return nil, 0, dnsCause(ReasonUnknownDomain, domain)
}
