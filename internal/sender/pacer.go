package sender

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces consecutive sends within one batch by a randomized delay in
// [min, max]. Messaging platforms watch for machine-gun posting; a fixed
// cadence is as suspicious as a fast one, hence the jitter.
type Pacer struct {
	limiter *rate.Limiter
	jitter  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPacer(min, max time.Duration) *Pacer {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Pacer{
		// The limiter enforces the minimum spacing; jitter adds the rest.
		limiter: rate.NewLimiter(rate.Every(min), 1),
		jitter:  max - min,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until the next send is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if p.jitter <= 0 {
		return nil
	}

	p.mu.Lock()
	d := time.Duration(p.rng.Int63n(int64(p.jitter) + 1))
	p.mu.Unlock()
	if d == 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
