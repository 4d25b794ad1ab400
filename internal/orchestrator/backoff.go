package orchestrator

import (
	"math/rand"
	"time"
)

// Backoff computes exponential redelivery delays with jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

var (
	// ChunkBackoff paces chunk redeliveries; chunks are small so they can
	// come back quickly.
	ChunkBackoff = Backoff{Base: time.Second, Max: 30 * time.Second}
	// BatchBackoff paces batch job redeliveries, which re-run the whole
	// expansion and so should back off harder.
	BatchBackoff = Backoff{Base: 5 * time.Second, Max: 60 * time.Second}
)

// Delay returns min(base * 2^attempt, max) plus up to 10% jitter. Attempt is
// zero-based: the first redelivery gets roughly the base delay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}

	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}
