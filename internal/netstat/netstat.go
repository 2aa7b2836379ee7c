// Package netstat measures uplink throughput while the uplink is actually active.
//
// Intervals longer than Interruption (process suspended, network down) are treated
// as gaps and contribute nothing, so idle time does not read as slow throughput.
package netstat

import (
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/nuru/hellogravity/helpers/atomic_clock"
)

const DefaultInterruption = time.Second

type Stats struct {
	mu           sync.Mutex
	interruption time.Duration
	now          func() int64 // unix nanoseconds
	last         int64
	totalBytes   int64
	activeNanos  int64

	// monotonic counters, include events that fell into gaps
	Events expvar.Int
	Bytes  expvar.Int
}

// New with interruption=0 uses DefaultInterruption.
func New(interruption time.Duration) *Stats {
	if interruption <= 0 {
		interruption = DefaultInterruption
	}
	return &Stats{
		interruption: interruption,
		now:          atomic_clock.Source,
	}
}

// SetClock replaces time source, for tests.
func (s *Stats) SetClock(now func() int64) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Record accounts one send event of n bytes.
func (s *Stats) Record(n int) {
	s.Events.Add(1)
	s.Bytes.Add(int64(n))

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	dt := now - s.last
	first := s.last == 0
	s.last = now
	if first || dt < 0 || time.Duration(dt) > s.interruption {
		return
	}
	s.totalBytes += int64(n)
	s.activeNanos += dt
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := Snapshot{
		TotalBytes: s.totalBytes,
		Active:     time.Duration(s.activeNanos),
	}
	if s.last != 0 {
		ss.LastEvent = time.Unix(0, s.last)
	}
	return ss
}

func (s *Stats) Reset() {
	s.mu.Lock()
	s.last, s.totalBytes, s.activeNanos = 0, 0, 0
	s.mu.Unlock()
}

type Snapshot struct {
	TotalBytes int64
	Active     time.Duration
	LastEvent  time.Time
}

// Throughput in bytes per second of active time.
func (ss Snapshot) Throughput() float64 {
	if ss.Active <= 0 {
		return 0
	}
	return float64(ss.TotalBytes) / ss.Active.Seconds()
}

// String example: "1.8 KB/s 0.11 MB 01:02"
func (ss Snapshot) String() string {
	secs := int64(ss.Active / time.Second)
	return fmt.Sprintf("%.1f KB/s %.2f MB %02d:%02d",
		ss.Throughput()/1024, float64(ss.TotalBytes)/(1024*1024), secs/60, secs%60)
}
