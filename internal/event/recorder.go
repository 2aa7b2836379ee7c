package event

import (
	"fmt"
	"sync"
)

// Recorder is a Listener that remembers every change, for tests and debugging.
type Recorder struct {
	mu      sync.Mutex
	changes []string
	notify  chan struct{}
}

var _ Listener = &Recorder{}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) AddressChanged(a string) { r.add(fmt.Sprintf("address=%s", a)) }
func (r *Recorder) InControlChanged(v bool) { r.add(fmt.Sprintf("incontrol=%t", v)) }
func (r *Recorder) ConnectedChanged(v bool) { r.add(fmt.Sprintf("connected=%t", v)) }

// Changes returns copy of recorded changes, e.g. ["connected=true", "address=10.0.0.2"].
func (r *Recorder) Changes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes...)
}

// Count returns how many times exact change was recorded.
func (r *Recorder) Count(change string) int {
	n := 0
	for _, c := range r.Changes() {
		if c == change {
			n++
		}
	}
	return n
}

// Notify is signalled (non-blocking, coalesced) after each change.
func (r *Recorder) Notify() <-chan struct{} { return r.notify }

func (r *Recorder) add(s string) {
	r.mu.Lock()
	r.changes = append(r.changes, s)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
