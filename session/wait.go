package session

import (
	"context"
	"sync"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/juju/errors"
)

const (
	waitMinDelay = 10 * time.Millisecond
	waitMaxDelay = 1000 * time.Millisecond
)

// replyQueue holds answers for synchronous request/answer steps.
// Put and Notify wake all waiters, Close wakes them for good.
type replyQueue struct {
	mu     sync.Mutex
	items  []telegram.Telegram
	signal chan struct{}
	closed bool
	done   chan struct{}
}

func newReplyQueue() *replyQueue {
	return &replyQueue{
		signal: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (q *replyQueue) Put(t telegram.Telegram) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, t)
	q.broadcastLocked()
}

// Notify wakes waiters to re-check their condition.
func (q *replyQueue) Notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.broadcastLocked()
	}
}

func (q *replyQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

func (q *replyQueue) broadcastLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Await removes and returns first queued telegram of kind.
func (q *replyQueue) Await(ctx context.Context, kind telegram.Kind, timeout time.Duration) (telegram.Telegram, error) {
	var found telegram.Telegram
	err := q.wait(ctx, timeout, func() bool {
		for i, t := range q.items {
			if t.Kind() == kind {
				found = t
				q.items = append(q.items[:i], q.items[i+1:]...)
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, errors.Annotatef(err, "await %s", kind)
	}
	return found, nil
}

// WaitSignal waits until s is closed.
func (q *replyQueue) WaitSignal(ctx context.Context, s *helpers.Signal, timeout time.Duration) error {
	return q.wait(ctx, timeout, s.Done)
}

// wait polls ready under lock with capped exponential backoff,
// woken early by Put/Notify, Close and ctx.
func (q *replyQueue) wait(ctx context.Context, timeout time.Duration, ready func() bool) error {
	deadline := time.Now().Add(timeout)
	backoff := helpers.Backoff{Min: waitMinDelay, Max: waitMaxDelay, K: 2}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if ready() {
			q.mu.Unlock()
			return nil
		}
		signal := q.signal
		q.mu.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return ErrTimeout
		}
		delay := backoff.Next()
		if delay > remain {
			delay = remain
		}
		timer := time.NewTimer(delay)
		select {
		case <-signal:
		case <-q.done:
		case <-ctx.Done():
			timer.Stop()
			return errors.Trace(ctx.Err())
		case <-timer.C:
		}
		timer.Stop()
	}
}
