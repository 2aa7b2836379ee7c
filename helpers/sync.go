package helpers

import (
	"sync"
	"sync/atomic"
)

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

// AtomicString holds last value of a status string, e.g. current server host.
// Zero value is empty string.
type AtomicString struct{ v atomic.Value }

func (a *AtomicString) Load() string {
	s, _ := a.v.Load().(string)
	return s
}

func (a *AtomicString) Store(s string) { a.v.Store(s) }

// Swap stores s and reports whether value changed.
func (a *AtomicString) Swap(s string) (old string, changed bool) {
	old, _ = a.v.Swap(s).(string)
	return old, old != s
}
