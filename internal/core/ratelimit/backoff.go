package ratelimit

import (
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultBackoffMean is the average pause after a server error.
const DefaultBackoffMean = 30 * time.Second

// Backoff draws randomized pauses from a normal distribution whose standard
// deviation is a fifth of its mean, so clients failing together retry apart.
type Backoff struct {
	mean time.Duration
	dist distuv.Normal
}

// NewBackoff builds a generator around mean. A nil src seeds a fresh PCG source.
func NewBackoff(mean time.Duration, src rand.Source) *Backoff {
	if mean <= 0 {
		mean = DefaultBackoffMean
	}
	if src == nil {
		src = rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())
	}

	secs := mean.Seconds()
	return &Backoff{
		mean: mean,
		dist: distuv.Normal{Mu: secs, Sigma: secs / 5, Src: src},
	}
}

// Mean returns the configured average pause.
func (b *Backoff) Mean() time.Duration {
	return b.mean
}

// Sample returns a strictly positive pause. Non-positive draws are discarded.
func (b *Backoff) Sample() time.Duration {
	for {
		d := time.Duration(b.dist.Rand() * float64(time.Second))
		if d > 0 {
			return d
		}
	}
}
