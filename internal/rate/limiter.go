// Package rate gates outbound provider calls so concurrent per-user syncs
// stay inside the Gmail API quota.
package rate

import (
	"context"
	"fmt"
	"time"
)

// Limiter blocks a caller until it may issue the next provider call.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Unlimited is a Limiter that never blocks. Handy in tests and for fakes.
type Unlimited struct{}

func (Unlimited) Wait(context.Context) error { return nil }

// TokenBucket releases a fixed number of tokens per second, with a burst
// capacity equal to one second's worth of tokens.
type TokenBucket struct {
	ticker *time.Ticker
	tokens chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

func NewTokenBucket(rps int) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	tb := &TokenBucket{
		ticker: time.NewTicker(time.Second / time.Duration(rps)),
		tokens: make(chan struct{}, rps),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	// the first call proceeds without waiting out a tick
	tb.tokens <- struct{}{}
	go tb.refill()
	return tb
}

func (t *TokenBucket) refill() {
	defer close(t.done)
	for {
		select {
		case <-t.quit:
			return
		case <-t.ticker.C:
			select {
			case t.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate wait cancelled: %w", ctx.Err())
	case <-t.tokens:
		return nil
	}
}

// Stop tears down the refill goroutine. Waiters already blocked in Wait are
// not released; stop the limiter only after its callers.
func (t *TokenBucket) Stop() {
	t.ticker.Stop()
	close(t.quit)
	<-t.done
}

var _ Limiter = (*TokenBucket)(nil)
var _ Limiter = Unlimited{}
