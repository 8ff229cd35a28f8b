package services

import (
	"context"
	"time"
)

// backoff doubles the wait after every failed attempt up to max.
type backoff struct {
	initial  time.Duration
	max      time.Duration
	current  time.Duration
	attempts int
}

func newBackoff(initial, limit time.Duration) *backoff {
	return &backoff{initial: initial, max: limit}
}

// Next returns the wait before the next attempt.
func (b *backoff) Next() time.Duration {
	b.attempts++
	if b.current == 0 {
		b.current = b.initial
	} else {
		b.current *= 2
	}
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

// Attempts counts failures since the last Reset.
func (b *backoff) Attempts() int {
	return b.attempts
}

func (b *backoff) Reset() {
	b.current = 0
	b.attempts = 0
}

// sleepContext waits for d and reports false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
