package netstat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t int64 }

func (fc *fakeClock) now() int64              { return fc.t }
func (fc *fakeClock) advance(d time.Duration) { fc.t += int64(d) }
func newFake(t *testing.T) (*Stats, *fakeClock) {
	fc := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixNano()}
	s := New(0)
	s.SetClock(fc.now)
	return s, fc
}

func TestRecordWithinThreshold(t *testing.T) {
	t.Parallel()

	s, fc := newFake(t)
	s.Record(100)
	fc.advance(500 * time.Millisecond)
	s.Record(100)

	ss := s.Snapshot()
	assert.Equal(t, int64(100), ss.TotalBytes)
	assert.Equal(t, 500*time.Millisecond, ss.Active)
	assert.InDelta(t, 200.0, ss.Throughput(), 0.001)
	assert.True(t, ss.Throughput() > 0)
	assert.Equal(t, int64(2), s.Events.Value())
	assert.Equal(t, int64(200), s.Bytes.Value())
}

func TestRecordGap(t *testing.T) {
	t.Parallel()

	s, fc := newFake(t)
	s.Record(100)
	fc.advance(2000 * time.Millisecond)
	s.Record(100)

	ss := s.Snapshot()
	assert.Equal(t, int64(0), ss.TotalBytes)
	assert.Equal(t, time.Duration(0), ss.Active)
	assert.Equal(t, 0.0, ss.Throughput())
	assert.Equal(t, time.Unix(0, fc.t), ss.LastEvent)

	// stream resumes after gap
	fc.advance(100 * time.Millisecond)
	s.Record(50)
	ss = s.Snapshot()
	assert.Equal(t, int64(50), ss.TotalBytes)
	assert.Equal(t, 100*time.Millisecond, ss.Active)
}

func TestRecordCustomInterruption(t *testing.T) {
	t.Parallel()

	fc := &fakeClock{t: 1}
	s := New(5 * time.Second)
	s.SetClock(fc.now)
	s.Record(10)
	fc.advance(3 * time.Second)
	s.Record(30)
	assert.Equal(t, int64(30), s.Snapshot().TotalBytes)

	s.Reset()
	assert.Equal(t, Snapshot{}, s.Snapshot())
}

func TestSnapshotString(t *testing.T) {
	t.Parallel()

	ss := Snapshot{TotalBytes: 36 * 20 * 65, Active: 65 * time.Second}
	assert.Equal(t, "0.7 KB/s 0.04 MB 01:05", ss.String())
	assert.Equal(t, "0.0 KB/s 0.00 MB 00:00", Snapshot{}.String())
}
