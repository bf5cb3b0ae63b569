package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
)

type transportMock struct {
	t              testing.TB
	networkTimeout time.Duration
	outBuffer      int
	failEvents     int32 // atomic, SendEvent fails while positive
	outEvent       chan []byte
	outState       chan []byte
	closed         int32
}

func (tm *transportMock) Init(ctx context.Context, log *log2.Log, config Config, willPayload []byte) error {
	if tm.networkTimeout == 0 {
		tm.networkTimeout = DefaultNetworkTimeout
	}
	tm.outEvent = make(chan []byte, tm.outBuffer)
	tm.outState = make(chan []byte, tm.outBuffer)
	return nil
}

func (tm *transportMock) SendEvent(payload []byte) bool {
	if atomic.AddInt32(&tm.failEvents, -1) >= 0 {
		tm.t.Logf("mock network failure")
		return false
	}
	select {
	case tm.outEvent <- copyBytes(payload):
		tm.t.Logf("mock delivered event=%x", payload)
	case <-time.After(tm.networkTimeout):
		tm.t.Logf("mock network timeout")
		return false
	}
	return true
}

func (tm *transportMock) SendState(payload []byte) bool {
	select {
	case tm.outState <- copyBytes(payload):
		tm.t.Logf("mock delivered state=%x", payload)
	case <-time.After(tm.networkTimeout):
		tm.t.Logf("mock network timeout")
		return false
	}
	return true
}

func (tm *transportMock) Close() { atomic.StoreInt32(&tm.closed, 1) }

// split send/receive buffer identity for safe concurrent access
func copyBytes(b []byte) []byte {
	new := make([]byte, len(b))
	copy(new, b)
	return new
}
