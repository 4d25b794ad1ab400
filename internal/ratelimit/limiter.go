package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sendhub/internal/batch"
	"sendhub/internal/modules"
	"sendhub/internal/observability"
)

// Bucket is one token bucket in an acquisition chain.
type Bucket struct {
	// Key names the bucket inside Redis and in Acquire results.
	Key string
	// Rate is the refill rate in tokens per second.
	Rate float64
	// Burst caps the bucket; zero means BurstFor(Rate).
	Burst float64
}

// BurstFor is the default bucket capacity for a refill rate: two seconds of
// traffic, floored so tiny configured rates still absorb startup spikes.
func BurstFor(rate float64) float64 {
	burst := 2 * rate
	if burst < 1000 {
		return 1000
	}
	return burst
}

// Acquisition reports the outcome of a chain acquire.
type Acquisition struct {
	Allowed bool
	// BlockedBy is the key of the first bucket that lacked a token.
	BlockedBy string
	// WaitMs estimates when that bucket will have a token again.
	WaitMs int64
}

// acquireScript walks the chain in two passes: first refill everything and
// check availability, then consume one token from each bucket only when all
// of them have one. Partial consumption would starve sibling chains.
//
// KEYS: bucket keys in chain order.
// ARGV: now-ms, then (rate, burst) per bucket.
// Reply: {1} on success, {0, blockedIndex, waitMs} on shortage.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local n = #KEYS
local tokens = {}
for i = 1, n do
  local rate = tonumber(ARGV[i*2])
  local burst = tonumber(ARGV[i*2+1])
  local state = redis.call('HMGET', KEYS[i], 'tokens', 'ts')
  local t = tonumber(state[1])
  local ts = tonumber(state[2])
  if t == nil then
    t = burst
    ts = now
  end
  local elapsed = (now - ts) / 1000.0
  if elapsed > 0 then
    t = t + elapsed * rate
    if t > burst then t = burst end
  end
  if t < 1 then
    local wait = math.ceil((1 - t) / rate * 1000)
    return {0, i, wait}
  end
  tokens[i] = t
end
for i = 1, n do
  local rate = tonumber(ARGV[i*2])
  redis.call('HMSET', KEYS[i], 'tokens', tokens[i] - 1, 'ts', now)
  local ttl = math.ceil((tonumber(ARGV[i*2+1]) / rate + 2) * 1000)
  redis.call('PEXPIRE', KEYS[i], ttl)
end
return {1}
`)

// Limiter acquires tokens across layered buckets backed by Redis. A Redis
// failure fails OPEN: rate limiting protects downstream providers, and a
// limiter outage should degrade to unthrottled sends rather than a stalled
// pipeline. Correctness-critical state never lives here.
type Limiter struct {
	rdb    redis.Scripter
	logger *zap.Logger
}

func NewLimiter(rdb redis.Scripter, logger *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, logger: logger}
}

// TryAcquire makes a single non-blocking attempt against the chain.
func (l *Limiter) TryAcquire(ctx context.Context, chain []Bucket) Acquisition {
	if len(chain) == 0 {
		return Acquisition{Allowed: true}
	}

	keys := make([]string, len(chain))
	argv := make([]interface{}, 0, len(chain)*2+1)
	argv = append(argv, time.Now().UnixMilli())
	for i, b := range chain {
		keys[i] = b.Key
		burst := b.Burst
		if burst <= 0 {
			burst = BurstFor(b.Rate)
		}
		argv = append(argv, b.Rate, burst)
	}

	vals, err := acquireScript.Run(ctx, l.rdb, keys, argv...).Int64Slice()
	if err != nil {
		l.logger.Warn("rate limiter store unavailable, failing open", zap.Error(err))
		return Acquisition{Allowed: true}
	}
	if len(vals) >= 1 && vals[0] == 1 {
		return Acquisition{Allowed: true}
	}
	if len(vals) == 3 {
		blocked := chain[vals[1]-1].Key
		observability.RateLimitBlockedTotal.WithLabelValues(blocked).Inc()
		return Acquisition{BlockedBy: blocked, WaitMs: vals[2]}
	}
	return Acquisition{Allowed: true}
}

// Acquire blocks until a token is available on every bucket or the timeout
// elapses. A timeout reports the chain's first bucket, the system layer, with
// no wait estimate: the caller exhausted its patience across the whole chain,
// not against whichever bucket happened to block last.
func (l *Limiter) Acquire(ctx context.Context, chain []Bucket, timeout time.Duration) Acquisition {
	deadline := time.Now().Add(timeout)
	for {
		acq := l.TryAcquire(ctx, chain)
		if acq.Allowed {
			return acq
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Acquisition{BlockedBy: chain[0].Key}
		}

		wait := time.Duration(acq.WaitMs) * time.Millisecond
		if wait > remaining {
			wait = remaining
		}
		// Small jitter keeps concurrent chunk processors from waking in
		// lockstep against the same bucket.
		wait += time.Duration(rand.Intn(10)) * time.Millisecond

		select {
		case <-ctx.Done():
			return Acquisition{BlockedBy: chain[0].Key}
		case <-time.After(wait):
		}
	}
}

// Rates carries the platform-level refill rates from configuration.
type Rates struct {
	System  float64
	Managed map[string]float64
}

// ChainFor builds the bucket chain for one send. Managed configs share the
// platform's provider credentials, so they throttle against a shared
// per-provider bucket; BYOK configs only consume the system and their own
// per-config bucket.
func ChainFor(cfg batch.EmbeddedSendConfig, rates Rates) []Bucket {
	chain := []Bucket{{Key: "rl:system:bucket", Rate: rates.System}}

	if cfg.Managed {
		service := cfg.Service
		rate, ok := rates.Managed[service]
		if !ok {
			rate = float64(modules.LimitsFor(service).RequestsPerSecond)
		}
		chain = append(chain, Bucket{Key: "rl:managed:" + service + ":bucket", Rate: rate})
	}

	chain = append(chain, Bucket{
		Key:  "rl:cfg:" + cfg.ID + ":bucket",
		Rate: ResolveRate(cfg),
	})
	return chain
}

// ResolveRate picks the per-config refill rate: the explicit override wins,
// then the deprecated field, then the provider's documented limit.
func ResolveRate(cfg batch.EmbeddedSendConfig) float64 {
	if cfg.RateLimit.RequestsPerSecond != nil && *cfg.RateLimit.RequestsPerSecond > 0 {
		return float64(*cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.PerSecond != nil && *cfg.RateLimit.PerSecond > 0 {
		return float64(*cfg.RateLimit.PerSecond)
	}
	return float64(modules.LimitsFor(cfg.Service).RequestsPerSecond)
}
