package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the per-variant REST token bucket. It is a property of the
// adapter, shared across every account on that venue, never a caller knob.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter allows roughly rps requests per second with the given burst.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// OrderSerializer spaces out order submissions for venues without a native
// batch endpoint (Upbit caps order calls at 8/s, so the gap is >=125 ms).
type OrderSerializer struct {
	mu     sync.Mutex
	minGap time.Duration
	last   time.Time
}

// NewOrderSerializer enforces a minimum gap between order calls. The gap
// applies to the first call too, keeping N calls at or under N/gap per second
// from a cold start.
func NewOrderSerializer(minGap time.Duration) *OrderSerializer {
	return &OrderSerializer{minGap: minGap, last: time.Now()}
}

// Do runs fn while holding the serializer, sleeping out the remaining gap
// first. The lock is held across fn so concurrent submitters queue up.
func (s *OrderSerializer) Do(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wait := s.minGap - time.Since(s.last); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	err := fn()
	s.last = time.Now()
	return err
}
