package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffNext(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 10 * time.Millisecond, Max: time.Second, K: 2}
	expect := []time.Duration{10, 20, 40, 80, 160, 320, 640, 1000, 1000}
	for i, e := range expect {
		assert.Equal(t, e*time.Millisecond, b.Next(), "step=%d", i)
	}
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestBackoffDelayBefore(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 50 * time.Millisecond, Max: 200 * time.Millisecond, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore())
	b.Update(false)
	d := b.DelayBefore()
	assert.True(t, d > 0 && d <= 100*time.Millisecond, "delay=%v", d)
	b.Reset()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, time.Duration(0), b.DelayBefore())
}

func TestBackoffSleep(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 20 * time.Millisecond, Max: time.Hour, K: 1000}
	assert.NoError(t, b.Sleep(context.Background()))
	b.Reset()
	begin := time.Now()
	assert.NoError(t, b.Sleep(context.Background()))
	assert.True(t, time.Since(begin) >= 10*time.Millisecond)

	b.Update(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, b.Sleep(ctx))
}
