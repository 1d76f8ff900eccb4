package ai

import (
	"context"
	"time"
)

// RateLimiter is a token bucket guarding outbound model API calls.
// Extraction fan-out during batch ingestion can otherwise burst well
// past provider limits.
type RateLimiter struct {
	tokens  chan struct{}
	stopped chan struct{}
}

// NewRateLimiter allows 'limit' requests per 'window', with an initial
// burst of the full bucket.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	tokens := make(chan struct{}, limit)
	for i := 0; i < limit; i++ {
		tokens <- struct{}{}
	}

	rl := &RateLimiter{
		tokens:  tokens,
		stopped: make(chan struct{}),
	}
	go rl.refill(limit, window)
	return rl
}

// Wait blocks until a token is available or the context is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.stopped:
		return context.Canceled
	}
}

// Stop shuts down the refill goroutine and unblocks all waiters.
func (rl *RateLimiter) Stop() {
	close(rl.stopped)
}

func (rl *RateLimiter) refill(limit int, window time.Duration) {
	ticker := time.NewTicker(window / time.Duration(limit))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		case <-rl.stopped:
			return
		}
	}
}
