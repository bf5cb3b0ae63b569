package helpers

// Random synchronisation util stash

import (
	"sync"
)

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

func WithLockError(l sync.Locker, f func() error) error {
	l.Lock()
	defer l.Unlock()
	return f()
}

type AtomicError struct {
	mu  sync.Mutex
	err error
	set bool
}

func (a *AtomicError) Load() (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err, a.set
}

// StoreOnce stores e only first time, returns same as Load() before modification.
func (a *AtomicError) StoreOnce(e error) (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	berr, bset := a.err, a.set
	if !bset {
		a.err, a.set = e, true
	}
	return berr, bset
}

// Signal is a one-shot broadcast: Close wakes every waiter on C, repeated Close is no-op.
type Signal struct {
	once sync.Once
	ch   chan struct{}
	mu   sync.Mutex
}

func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func (s *Signal) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		if s.ch == nil {
			s.ch = make(chan struct{})
		}
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *Signal) Done() bool {
	select {
	case <-s.C():
		return true
	default:
		return false
	}
}
