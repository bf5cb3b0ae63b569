package helpers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

// Backoff is limited exponential retry delay, safe for concurrent use.
// Zero value of next means no failure yet, first DelayBefore is 0.
//
//	for {
//		if b.Sleep(ctx) != nil { return }
//		b.Update(try() == nil)
//	}
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // default 1ms
}

// DelayBefore is the rest of current delay after last Update.
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	if since := atomic_clock.Since(&b.last); since < delay {
		return b.round(delay - since)
	}
	return 0
}

// Sleep waits DelayBefore or until ctx is done.
func (b *Backoff) Sleep(ctx context.Context) error {
	d := b.DelayBefore()
	if d == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns current delay and grows the following one, time passed is ignored.
// Poll sequence: Min, Min*K, Min*K*K... capped at Max.
func (b *Backoff) Next() time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	delay := b.limit(time.Duration(atomic.LoadInt64(&b.next)))
	b.Update(false)
	return delay
}

func (b *Backoff) Reset() { b.Update(true) }

func (b *Backoff) Update(success bool) {
	next := b.Min
	if !success {
		prev := time.Duration(atomic.LoadInt64(&b.next))
		next = b.limit(time.Duration(float32(prev) * b.K))
	}
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = time.Millisecond
	}
	return d / res * res
}
