package httpx

import (
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/splax/localvercel/pkg/crypto"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter admits requests against a per-key budget of limit requests per
// window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// ratePolicy is the budget shared by a group of routes and how requests are
// attributed to a caller.
type ratePolicy struct {
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

var (
	writePolicy  = ratePolicy{limit: rateLimitUserWrite, window: rateWindowDefault, key: actorRateKey}
	readPolicy   = ratePolicy{limit: rateLimitUserRead, window: rateWindowDefault, key: actorRateKey}
	streamPolicy = ratePolicy{limit: rateLimitStream, window: rateWindowRealtime, key: actorRateKey}

	// GitHub delivers from a shared address pool, so each project gets its own
	// budget and the source address only a loose ceiling.
	webhookPolicy       = ratePolicy{limit: rateLimitWebhook, window: rateWindowDefault, key: webhookRateKey}
	webhookSourcePolicy = ratePolicy{limit: rateLimitWebhookSource, window: rateWindowDefault, key: ipRateKey}
)

// limited rejects requests over p's budget with 429 before calling next.
func (r *Router) limited(route string, p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if p.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := p.key(req)
		if key == "" {
			key = ipRateKey(req)
		}
		decision := r.limiter.Allow(key, p.limit, p.window)
		r.applyRateHeaders(w, p.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, rateMetricKey(key))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func actorRateKey(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.ActorID != "" {
		return "actor:" + info.ActorID
	}
	return ""
}

// webhookRateKey attributes a delivery to the project its path secret names.
// Only a digest prefix enters the key so the secret never reaches redis.
func webhookRateKey(req *http.Request) string {
	secret := req.PathValue("webhookSecret")
	if secret == "" {
		return ""
	}
	return "project:" + crypto.HashToken(secret)[:16]
}

func ipRateKey(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateMetricKey(key string) string {
	kind, _, ok := strings.Cut(key, ":")
	if !ok || kind == "" {
		return "unknown"
	}
	return kind
}

type bucketKey struct {
	key    string
	limit  int
	window time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// memoryRateLimiter keeps one token bucket per key and budget. A bucket holds
// limit tokens and refills fully over window.
type memoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweepLoop()
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		buckets: make(map[bucketKey]*bucket),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	k := bucketKey{key: key, limit: limit, window: window}
	b, ok := rl.buckets[k]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
		rl.buckets[k] = b
	}
	b.lastSeen = now
	allowed := b.lim.AllowN(now, 1)
	tokens := math.Max(b.lim.TokensAt(now), 0)
	refill := time.Duration((float64(limit) - tokens) / float64(limit) * float64(window))
	return rateDecision{
		allowed:   allowed,
		count:     limit - int(math.Floor(tokens)),
		windowEnd: now.Add(refill),
	}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup drops buckets idle long enough to have refilled.
func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if now.Sub(b.lastSeen) > k.window {
			delete(rl.buckets, k)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}
