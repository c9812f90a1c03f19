package api

import (
	"net"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	clientBucketIdleTTL = 10 * time.Minute
	maxClientBuckets    = 10_000
)

type rateLimiter interface {
	Allow(client string) bool
}

// clientLimiter keeps one token bucket per client address. Buckets idle for
// longer than clientBucketIdleTTL are forgotten.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *ttlcache.Cache[string, *rate.Limiter]
}

func newClientLimiter(ratePerSecond float64, burst int) *clientLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}

	return &clientLimiter{
		limit: rate.Limit(ratePerSecond),
		burst: burst,
		buckets: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](clientBucketIdleTTL),
			ttlcache.WithCapacity[string, *rate.Limiter](maxClientBuckets),
		),
	}
}

func (l *clientLimiter) Allow(client string) bool {
	if l == nil || l.buckets == nil {
		return true
	}
	item := l.buckets.Get(client)
	if item == nil {
		item, _ = l.buckets.GetOrSet(client, rate.NewLimiter(l.limit, l.burst))
	}
	return item.Value().Allow()
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rateLimitMiddleware(limiter rateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.Allow(clientAddress(r)) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusTooManyRequests, "Too many requests", "rate limit exceeded, please retry shortly")
	})
}
