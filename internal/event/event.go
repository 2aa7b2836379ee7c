// Package event fans out session state changes to collaborators (UI, coordination policy,
// MQTT mirror) without coupling them to network code.
package event

import (
	"fmt"
	"sync"
)

// Listener receives state changes. Calls are synchronous on the emitting goroutine,
// listener must not block for long. Emitter delivers changes in the order they happened,
// so listener must not synchronously cause new changes of the same emitter.
// Implementations must be comparable (usually pointers), registry deduplicates by identity.
type Listener interface {
	AddressChanged(address string) // "" means unknown
	InControlChanged(inControl bool)
	ConnectedChanged(connected bool)
}

// Funcs adapts plain functions to Listener, nil fields are skipped.
// Register as pointer: `reg.Register(&event.Funcs{...})`.
type Funcs struct {
	Address   func(string)
	InControl func(bool)
	Connected func(bool)
}

var _ Listener = &Funcs{}

func (f *Funcs) AddressChanged(a string) {
	if f.Address != nil {
		f.Address(a)
	}
}

func (f *Funcs) InControlChanged(v bool) {
	if f.InControl != nil {
		f.InControl(v)
	}
}

func (f *Funcs) ConnectedChanged(v bool) {
	if f.Connected != nil {
		f.Connected(v)
	}
}

// Registry is a set of listeners. Dispatch order is unspecified.
// Zero value is ready to use. Nil *Registry drops all events.
type Registry struct {
	mu sync.RWMutex
	m  map[Listener]struct{}
}

func NewRegistry() *Registry { return &Registry{} }

// Register adds l, returns false if it was already registered.
func (r *Registry) Register(l Listener) bool {
	if l == nil {
		panic("code error event.Register(nil)")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[Listener]struct{})
	}
	if _, ok := r.m[l]; ok {
		return false
	}
	r.m[l] = struct{}{}
	return true
}

// Unregister removes l, returns false if it was not registered.
func (r *Registry) Unregister(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[l]; !ok {
		return false
	}
	delete(r.m, l)
	return true
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

func (r *Registry) AddressChanged(a string) {
	for _, l := range r.snapshot() {
		l.AddressChanged(a)
	}
}

func (r *Registry) InControlChanged(v bool) {
	for _, l := range r.snapshot() {
		l.InControlChanged(v)
	}
}

func (r *Registry) ConnectedChanged(v bool) {
	for _, l := range r.snapshot() {
		l.ConnectedChanged(v)
	}
}

// snapshot copies listeners so callbacks may (un)register without deadlock.
func (r *Registry) snapshot() []Listener {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls := make([]Listener, 0, len(r.m))
	for l := range r.m {
		ls = append(ls, l)
	}
	return ls
}

type kind uint8

const (
	kindAddress kind = iota + 1
	kindInControl
	kindConnected
)

type change struct {
	kind kind
	s    string
	b    bool
}

// Batch collects changes while owner holds its lock,
// Fire delivers them in order after the lock is released.
// Batches of one owner are delivered in lock order when sequenced with owner's Sequencer.
type Batch struct {
	changes []change
	seq     *Sequencer
	ticket  uint64
}

func (b *Batch) Address(a string) { b.changes = append(b.changes, change{kind: kindAddress, s: a}) }
func (b *Batch) InControl(v bool) { b.changes = append(b.changes, change{kind: kindInControl, b: v}) }
func (b *Batch) Connected(v bool) { b.changes = append(b.changes, change{kind: kindConnected, b: v}) }
func (b *Batch) Len() int         { return len(b.changes) }

// Sequence takes delivery ticket from q. Must be called under the lock
// which guarded collecting changes. Empty batch takes no ticket.
func (b *Batch) Sequence(q *Sequencer) {
	if len(b.changes) == 0 {
		return
	}
	b.seq, b.ticket = q, q.Ticket()
}

func (b *Batch) Fire(l Listener) {
	if b.seq != nil {
		q := b.seq
		b.seq = nil
		q.Do(b.ticket, func() { b.Fire(l) })
		return
	}
	changes := b.changes
	b.changes = nil
	if l == nil {
		return
	}
	for _, c := range changes {
		switch c.kind {
		case kindAddress:
			l.AddressChanged(c.s)
		case kindInControl:
			l.InControlChanged(c.b)
		case kindConnected:
			l.ConnectedChanged(c.b)
		default:
			panic(fmt.Sprintf("code error event kind=%d", c.kind))
		}
	}
}

// Sequencer runs callbacks in ticket order, on caller goroutines.
// Tickets are taken under owner's lock, Do is called after unlock.
// A callback must not wait for a ticket of the same Sequencer.
// Zero value is ready to use.
type Sequencer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	next   uint64
	served uint64
}

func (q *Sequencer) Ticket() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.next
	q.next++
	return t
}

// Do waits until all earlier tickets are done, then calls f.
func (q *Sequencer) Do(ticket uint64, f func()) {
	q.mu.Lock()
	if q.cond == nil {
		q.cond = sync.NewCond(&q.mu)
	}
	for q.served != ticket {
		q.cond.Wait()
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.served++
		q.cond.Broadcast()
		q.mu.Unlock()
	}()
	f()
}
