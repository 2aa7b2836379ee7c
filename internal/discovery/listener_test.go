package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nuru/hellogravity/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverLog struct {
	mu   sync.Mutex
	list []*Endpoint
	ch   chan struct{}
}

func newServerLog() *serverLog { return &serverLog{ch: make(chan struct{}, 16)} }

func (sl *serverLog) on(e *Endpoint) {
	sl.mu.Lock()
	sl.list = append(sl.list, e)
	sl.mu.Unlock()
	sl.ch <- struct{}{}
}

func (sl *serverLog) wait(t testing.TB) {
	select {
	case <-sl.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("OnServer not called")
	}
}

func (sl *serverLog) get() []*Endpoint {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return append([]*Endpoint(nil), sl.list...)
}

func startTestListener(t testing.TB, opt Options) *Listener {
	t.Helper()
	opt.Log = log2.NewTest(t, log2.LDebug)
	opt.Addr = "127.0.0.1:0"
	l := NewListener(opt)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	return l
}

func sendBeacon(t testing.TB, l *Listener, message string) {
	t.Helper()
	conn, err := net.Dial("udp4", l.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(message))
	require.NoError(t, err)
}

func waitFor(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBeaconAccepted(t *testing.T) {
	t.Parallel()

	sl := newServerLog()
	l := startTestListener(t, Options{OnServer: sl.on})
	assert.Equal(t, StateNoServer, l.Status().State)

	sendBeacon(t, l, DefaultMagic)
	sl.wait(t)
	server := l.Server()
	require.NotNil(t, server)
	assert.Equal(t, "127.0.0.1", server.String())
	assert.Equal(t, "", l.Error())
	assert.Equal(t, StateServer, l.Status().State)

	// same host again does not fire change
	sendBeacon(t, l, DefaultMagic)
	waitFor(t, func() bool { return l.Stat().Received.Value() == 2 })
	assert.Len(t, sl.get(), 1)
}

func TestBeaconMismatch(t *testing.T) {
	t.Parallel()

	sl := newServerLog()
	l := startTestListener(t, Options{OnServer: sl.on})

	sendBeacon(t, l, "PANTONE0")
	waitFor(t, func() bool { return l.Stat().Mismatched.Value() == 1 })
	assert.Equal(t, "PANTONE0!=PANTONE1", l.Error())
	assert.Nil(t, l.Server())
	assert.Len(t, sl.get(), 0)

	// mismatch does not drop known server
	sendBeacon(t, l, DefaultMagic)
	sl.wait(t)
	sendBeacon(t, l, "PANTONE2")
	waitFor(t, func() bool { return l.Stat().Mismatched.Value() == 2 })
	assert.Equal(t, "PANTONE2!=PANTONE1", l.Error())
	assert.NotNil(t, l.Server())
}

func TestBeaconTimeout(t *testing.T) {
	t.Parallel()

	sl := newServerLog()
	l := startTestListener(t, Options{
		OnServer: sl.on,
		Timeout:  100 * time.Millisecond,
		Tick:     10 * time.Millisecond,
	})

	sendBeacon(t, l, DefaultMagic)
	sl.wait(t)
	sl.wait(t)
	list := sl.get()
	require.Len(t, list, 2)
	assert.NotNil(t, list[0])
	assert.Nil(t, list[1])
	assert.Nil(t, l.Server())
	assert.Equal(t, ErrorTimeout, l.Error())

	// many ticks later still one transition
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), l.Stat().Timeouts.Value())
	assert.Len(t, sl.get(), 2)

	// beacon clears timeout
	sendBeacon(t, l, DefaultMagic)
	sl.wait(t)
	assert.Equal(t, "", l.Error())
}

func TestTimeoutWithoutServer(t *testing.T) {
	t.Parallel()

	sl := newServerLog()
	l := startTestListener(t, Options{
		OnServer: sl.on,
		Timeout:  50 * time.Millisecond,
		Tick:     10 * time.Millisecond,
	})
	waitFor(t, func() bool { return l.Error() == ErrorTimeout })
	assert.Len(t, sl.get(), 0)
}

func TestStop(t *testing.T) {
	t.Parallel()

	l := NewListener(Options{Log: log2.NewTest(t, log2.LDebug), Addr: "127.0.0.1:0"})
	assert.Equal(t, StateIdle, l.Status().State)
	require.NoError(t, l.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked")
	}
	assert.Equal(t, StateStopped, l.Status().State)
	l.Stop()
	assert.Error(t, l.Start(context.Background()))
}

func TestServerChangesOrdered(t *testing.T) {
	t.Parallel()

	sl := newServerLog()
	entered := make(chan struct{})
	var once sync.Once
	l := startTestListener(t, Options{
		OnServer: func(e *Endpoint) {
			if e == nil {
				// slow consumer of the first loss
				once.Do(func() {
					close(entered)
					time.Sleep(150 * time.Millisecond)
				})
			}
			sl.on(e)
		},
		Timeout: 100 * time.Millisecond,
		Tick:    10 * time.Millisecond,
	})

	sendBeacon(t, l, DefaultMagic)
	sl.wait(t)
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout not reported")
	}
	// server is back while loss is still being delivered
	sendBeacon(t, l, DefaultMagic)
	waitFor(t, func() bool { return l.Stat().Received.Value() == 2 })
	sl.wait(t)
	sl.wait(t)

	list := sl.get()
	require.True(t, len(list) >= 3, "changes=%v", list)
	assert.NotNil(t, list[0])
	assert.Nil(t, list[1])
	assert.NotNil(t, list[2])
}
