package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sendhub/internal/batch"
)

func intPtr(n int) *int { return &n }

// scriptedResult serves every script evaluation with a canned reply, standing
// in for Redis in chain-walk tests.
type scriptedResult struct {
	val interface{}
	err error
}

func (s scriptedResult) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(s.val, s.err)
}

func (s scriptedResult) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(s.val, s.err)
}

func (s scriptedResult) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(s.val, s.err)
}

func (s scriptedResult) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(s.val, s.err)
}

func (s scriptedResult) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (s scriptedResult) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func twoBucketChain() []Bucket {
	return []Bucket{
		{Key: "rl:system:bucket", Rate: 1000},
		{Key: "rl:cfg:c1:bucket", Rate: 10},
	}
}

func TestTryAcquireReportsBlockedBucket(t *testing.T) {
	// Script reply {0, 2, 40}: the second bucket is short, 40ms to a token.
	l := NewLimiter(scriptedResult{val: []interface{}{int64(0), int64(2), int64(40)}}, zap.NewNop())

	acq := l.TryAcquire(context.Background(), twoBucketChain())
	if acq.Allowed {
		t.Fatal("expected the acquire to be blocked")
	}
	if acq.BlockedBy != "rl:cfg:c1:bucket" {
		t.Errorf("blocked by %q, want the config bucket", acq.BlockedBy)
	}
	if acq.WaitMs != 40 {
		t.Errorf("wait = %dms, want 40", acq.WaitMs)
	}
}

func TestTryAcquireFailsOpenOnStoreError(t *testing.T) {
	l := NewLimiter(scriptedResult{err: errors.New("redis down")}, zap.NewNop())

	acq := l.TryAcquire(context.Background(), twoBucketChain())
	if !acq.Allowed {
		t.Error("limiter store failure must fail open")
	}
}

func TestAcquireTimeoutReportsSystemBucket(t *testing.T) {
	// Every attempt blocks on the config bucket; the timeout result still
	// names the system bucket with no wait estimate.
	l := NewLimiter(scriptedResult{val: []interface{}{int64(0), int64(2), int64(5)}}, zap.NewNop())

	acq := l.Acquire(context.Background(), twoBucketChain(), 30*time.Millisecond)
	if acq.Allowed {
		t.Fatal("expected the acquire to time out")
	}
	if acq.BlockedBy != "rl:system:bucket" {
		t.Errorf("blocked by %q, want the system bucket", acq.BlockedBy)
	}
	if acq.WaitMs != 0 {
		t.Errorf("wait = %dms, want 0 on timeout", acq.WaitMs)
	}
}

func TestAcquireReturnsOnceAllowed(t *testing.T) {
	l := NewLimiter(scriptedResult{val: []interface{}{int64(1)}}, zap.NewNop())

	acq := l.Acquire(context.Background(), twoBucketChain(), time.Second)
	if !acq.Allowed {
		t.Error("available tokens should satisfy Acquire immediately")
	}
}

func TestResolveRate(t *testing.T) {
	tests := []struct {
		name string
		cfg  batch.EmbeddedSendConfig
		want float64
	}{
		{
			name: "explicit requestsPerSecond wins",
			cfg: batch.EmbeddedSendConfig{
				Service:   "ses",
				RateLimit: batch.RateLimit{RequestsPerSecond: intPtr(7), PerSecond: intPtr(3)},
			},
			want: 7,
		},
		{
			name: "deprecated perSecond honored when new field absent",
			cfg: batch.EmbeddedSendConfig{
				Service:   "ses",
				RateLimit: batch.RateLimit{PerSecond: intPtr(3)},
			},
			want: 3,
		},
		{
			name: "provider default when no override",
			cfg:  batch.EmbeddedSendConfig{Service: "ses"},
			want: 14,
		},
		{
			name: "telnyx default",
			cfg:  batch.EmbeddedSendConfig{Service: "telnyx"},
			want: 15,
		},
		{
			name: "unknown service falls back to generic default",
			cfg:  batch.EmbeddedSendConfig{Service: "nope"},
			want: 10,
		},
		{
			name: "zero override ignored",
			cfg: batch.EmbeddedSendConfig{
				Service:   "resend",
				RateLimit: batch.RateLimit{RequestsPerSecond: intPtr(0)},
			},
			want: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveRate(tt.cfg); got != tt.want {
				t.Errorf("ResolveRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChainFor(t *testing.T) {
	rates := Rates{
		System:  1000,
		Managed: map[string]float64{"ses": 14, "resend": 100, "telnyx": 15},
	}

	t.Run("managed config gets three buckets", func(t *testing.T) {
		cfg := batch.EmbeddedSendConfig{ID: "cfg-1", Service: "ses", Managed: true}
		chain := ChainFor(cfg, rates)
		if len(chain) != 3 {
			t.Fatalf("expected 3 buckets, got %d", len(chain))
		}
		if chain[0].Key != "rl:system:bucket" {
			t.Errorf("first bucket = %q", chain[0].Key)
		}
		if chain[1].Key != "rl:managed:ses:bucket" || chain[1].Rate != 14 {
			t.Errorf("managed bucket = %q rate %v", chain[1].Key, chain[1].Rate)
		}
		if chain[2].Key != "rl:cfg:cfg-1:bucket" {
			t.Errorf("config bucket = %q", chain[2].Key)
		}
	})

	t.Run("byok config skips the managed layer", func(t *testing.T) {
		cfg := batch.EmbeddedSendConfig{ID: "cfg-2", Service: "resend"}
		chain := ChainFor(cfg, rates)
		if len(chain) != 2 {
			t.Fatalf("expected 2 buckets, got %d", len(chain))
		}
		if chain[0].Key != "rl:system:bucket" || chain[1].Key != "rl:cfg:cfg-2:bucket" {
			t.Errorf("unexpected chain %q, %q", chain[0].Key, chain[1].Key)
		}
	})

	t.Run("managed service without configured rate uses provider default", func(t *testing.T) {
		cfg := batch.EmbeddedSendConfig{ID: "cfg-3", Service: "mock", Managed: true}
		chain := ChainFor(cfg, rates)
		if chain[1].Rate != 100 {
			t.Errorf("managed mock rate = %v, want 100", chain[1].Rate)
		}
	})
}

func TestBurstFor(t *testing.T) {
	tests := []struct {
		rate float64
		want float64
	}{
		{rate: 1, want: 1000},
		{rate: 14, want: 1000},
		{rate: 500, want: 1000},
		{rate: 1000, want: 2000},
		{rate: 5000, want: 10000},
	}

	for _, tt := range tests {
		if got := BurstFor(tt.rate); got != tt.want {
			t.Errorf("BurstFor(%v) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}
