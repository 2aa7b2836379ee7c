// Package control keeps TCP control session with the lights server.
//
// Session lifecycle: Disconnected -> Connecting -> Connected -> (failure) Disconnected -> retry.
// Responsible for:
// - connect and handshake, learning own address as seen by server
// - heartbeat exchange, tracking who is controlling the lights
// - reconnect with delays from RetrySchedule
// - emitting address/in-control/connected changes
package control

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/helpers"
	"github.com/nuru/hellogravity/internal/event"
	"github.com/nuru/hellogravity/log2"
	"github.com/nuru/hellogravity/wire"
	"github.com/temoto/alive/v2"
)

const (
	DefaultPort              = 9000
	DefaultDialTimeout       = time.Second
	DefaultHeartbeatInterval = time.Second
)

var (
	ErrClosing    = errors.New("control session is closing")
	ErrSuperseded = errors.New("connect superseded")
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Sender delivers samples to host, implemented by uplink.Uplink.
type Sender interface {
	SendTo(host string, s *wire.Sample) bool
}

type Options struct {
	Log               *log2.Log
	Port              int
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	// Deadline for one heartbeat write+read. Zero means wait forever.
	// Handshake uses NetworkTimeout or DialTimeout when zero.
	NetworkTimeout time.Duration
	ReadLimit      int
	// nil means helpers.DefaultRetrySchedule
	Retry  helpers.RetrySchedule
	Events event.Listener
	Uplink Sender
}

type Stat struct {
	Connects   expvar.Int
	Heartbeats expvar.Int
	Failures   expvar.Int
	Retries    expvar.Int
	Recv       expvar.Int // bytes
	Send       expvar.Int // bytes
}

func (st *Stat) String() string {
	return fmt.Sprintf(`{"connects":%d,"heartbeats":%d,"failures":%d,"retries":%d,"recv":%d,"send":%d}`,
		st.Connects.Value(), st.Heartbeats.Value(), st.Failures.Value(), st.Retries.Value(),
		st.Recv.Value(), st.Send.Value())
}

type Snapshot struct {
	Host      string
	Self      string
	Status    Status
	InControl bool
	Retries   int
	Error     string
	State     *wire.ControlState
}

type Session struct {
	alive *alive.Alive
	opt   Options
	stat  Stat
	seq   event.Sequencer // listeners see changes in lock order

	mu         sync.Mutex // protects all below
	gen        uint64     // invalidates stale dials, heartbeats and retry timers
	status     Status
	host       string
	conn       net.Conn
	state      *wire.ControlState
	self       string
	inControl  bool
	connected  bool
	retries    int
	retryTimer *time.Timer
	hbStop     chan struct{}
	lastErr    string
}

func NewSession(opt Options) *Session {
	if opt.Port == 0 {
		opt.Port = DefaultPort
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = DefaultDialTimeout
	}
	if opt.HeartbeatInterval == 0 {
		opt.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opt.Retry == nil {
		opt.Retry = helpers.DefaultRetrySchedule
	}
	return &Session{
		alive: alive.NewAlive(),
		opt:   opt,
	}
}

// Connect establishes session with host, replacing any previous one.
// Already connected to same host is a no-op.
// On failure, retry is scheduled and error returned.
func (s *Session) Connect(ctx context.Context, host string) error {
	if host == "" {
		return errors.NotValidf("control connect host=empty")
	}
	if !s.alive.IsRunning() {
		return ErrClosing
	}
	var b event.Batch
	s.mu.Lock()
	if s.host == host && s.status == Connected {
		s.mu.Unlock()
		return nil
	}
	s.resetLocked(&b)
	s.host = host
	s.status = Connecting
	gen := s.gen
	b.Sequence(&s.seq)
	s.mu.Unlock()
	b.Fire(s.opt.Events)

	return s.dial(ctx, gen, host)
}

// Disconnect drops connection, cancels pending retry and forgets server. Idempotent.
func (s *Session) Disconnect() {
	var b event.Batch
	s.mu.Lock()
	if s.host != "" {
		s.opt.Log.Debugf("control disconnect host=%s", s.host)
	}
	s.resetLocked(&b)
	s.host = ""
	b.Sequence(&s.seq)
	s.mu.Unlock()
	b.Fire(s.opt.Events)
}

// Close disconnects and waits for background tasks. Session is unusable after Close.
func (s *Session) Close() error {
	s.alive.Stop()
	s.Disconnect()
	s.alive.Wait()
	return nil
}

// SendSensordata is fire and forget to current host, no-op without host.
func (s *Session) SendSensordata(sample *wire.Sample) bool {
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()
	if host == "" || s.opt.Uplink == nil {
		return false
	}
	return s.opt.Uplink.SendTo(host, sample)
}

func (s *Session) Stat() *Stat { return &s.stat }

func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Host:      s.host,
		Self:      s.self,
		Status:    s.status,
		InControl: s.inControl,
		Retries:   s.retries,
		Error:     s.lastErr,
		State:     s.state,
	}
}

func (s *Session) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Session) InControl() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inControl
}

func (s *Session) dial(ctx context.Context, gen uint64, host string) error {
	addr := net.JoinHostPort(host, strconv.Itoa(s.opt.Port))
	dialer := net.Dialer{Timeout: s.opt.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	var cs *wire.ControlState
	var self string
	var lr *wire.LineReader
	if err == nil {
		lr = wire.NewLineReader(helpers.NewStatReader(conn, &s.stat.Recv, 0), s.opt.ReadLimit)
		cs, self, err = s.handshake(conn, lr)
	}

	var b event.Batch
	s.mu.Lock()
	if gen != s.gen || !s.alive.IsRunning() {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		err = errors.Annotatef(err, "control connect addr=%s", addr)
		s.stat.Failures.Add(1)
		s.lastErr = err.Error()
		s.status = Disconnected
		s.setConnectedLocked(false, &b)
		delay := s.scheduleRetryLocked()
		b.Sequence(&s.seq)
		s.mu.Unlock()
		b.Fire(s.opt.Events)
		s.opt.Log.Errorf("%v retry in %v", err, delay)
		return err
	}

	s.stat.Connects.Add(1)
	s.conn = conn
	s.state = cs
	s.status = Connected
	s.retries = 0
	s.lastErr = ""
	s.setConnectedLocked(true, &b)
	s.setSelfLocked(self, &b)
	s.setInControlLocked(cs.InControl(self), &b)
	s.startHeartbeatLocked(gen, conn, lr)
	b.Sequence(&s.seq)
	s.mu.Unlock()
	b.Fire(s.opt.Events)
	s.opt.Log.Infof("control connected addr=%s self=%s state=%s", addr, self, cs)
	return nil
}

func (s *Session) handshake(conn net.Conn, lr *wire.LineReader) (*wire.ControlState, string, error) {
	timeout := s.opt.NetworkTimeout
	if timeout == 0 {
		timeout = s.opt.DialTimeout
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, "", errors.Annotate(err, "handshake")
	}
	line, err := lr.ReadLine()
	if err != nil {
		return nil, "", errors.Annotate(err, "handshake")
	}
	cs, self, err := wire.ParseHandshake(line)
	if err != nil {
		return nil, "", errors.Annotate(err, "handshake")
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, "", errors.Annotate(err, "handshake")
	}
	return cs, self, nil
}

// must be called with lock
func (s *Session) startHeartbeatLocked(gen uint64, conn net.Conn, lr *wire.LineReader) {
	if !s.alive.Add(1) {
		return
	}
	stop := make(chan struct{})
	s.hbStop = stop
	go s.heartbeatLoop(gen, conn, lr, stop)
}

func (s *Session) heartbeatLoop(gen uint64, conn net.Conn, lr *wire.LineReader, stop <-chan struct{}) {
	defer s.alive.Done()
	w := helpers.NewStatWriter(conn, &s.stat.Send, 0)
	ticker := time.NewTicker(s.opt.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-stop:
			return
		case <-s.alive.StopChan():
			return
		}

		cs, err := s.heartbeat(conn, w, lr)
		if err != nil {
			s.fail(gen, conn, err)
			return
		}
		s.update(gen, cs)
	}
}

func (s *Session) heartbeat(conn net.Conn, w io.Writer, lr *wire.LineReader) (*wire.ControlState, error) {
	if s.opt.NetworkTimeout != 0 {
		if err := conn.SetDeadline(time.Now().Add(s.opt.NetworkTimeout)); err != nil {
			return nil, errors.Annotate(err, "heartbeat deadline")
		}
	}
	if err := helpers.WriteAll(w, wire.HeartbeatLine); err != nil {
		return nil, errors.Annotate(err, "heartbeat write")
	}
	line, err := lr.ReadLine()
	if err != nil {
		return nil, errors.Annotate(err, "heartbeat read")
	}
	cs, err := wire.ParseControlState(line)
	if err != nil {
		return nil, errors.Annotate(err, "heartbeat")
	}
	return cs, nil
}

func (s *Session) update(gen uint64, cs *wire.ControlState) {
	var b event.Batch
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.stat.Heartbeats.Add(1)
	s.state = cs
	s.setInControlLocked(cs.InControl(s.self), &b)
	b.Sequence(&s.seq)
	s.mu.Unlock()
	b.Fire(s.opt.Events)
}

// fail tears down connection after heartbeat error, only if conn is still current.
func (s *Session) fail(gen uint64, conn net.Conn, err error) {
	var b event.Batch
	s.mu.Lock()
	if gen != s.gen || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.stat.Failures.Add(1)
	s.lastErr = err.Error()
	s.gen++
	s.teardownLocked(&b)
	delay := s.scheduleRetryLocked()
	host := s.host
	b.Sequence(&s.seq)
	s.mu.Unlock()
	b.Fire(s.opt.Events)
	s.opt.Log.Errorf("control host=%s err=%v retry in %v", host, err, delay)
}

// teardownLocked closes connection and clears session state, keeps host and self.
// must be called with lock
func (s *Session) teardownLocked(b *event.Batch) {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = nil
	s.status = Disconnected
	s.setConnectedLocked(false, b)
	s.setInControlLocked(false, b)
}

// resetLocked invalidates everything in flight and forgets self address.
// must be called with lock
func (s *Session) resetLocked(b *event.Batch) {
	s.gen++
	s.teardownLocked(b)
	s.retries = 0
	s.lastErr = ""
	s.setSelfLocked("", b)
}

// must be called with lock
func (s *Session) scheduleRetryLocked() time.Duration {
	delay := s.opt.Retry.Delay(s.retries)
	s.retries++
	s.stat.Retries.Add(1)
	gen, host := s.gen, s.host
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() { s.retry(gen, host) })
	return delay
}

func (s *Session) retry(gen uint64, host string) {
	if !s.alive.Add(1) {
		return
	}
	defer s.alive.Done()

	s.mu.Lock()
	if gen != s.gen || s.status != Disconnected || s.host != host {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	s.gen++
	next := s.gen
	s.status = Connecting
	retries := s.retries
	s.mu.Unlock()

	s.opt.Log.Debugf("control retry host=%s attempt=%d", host, retries)
	// dial logs and counts failure, schedules next retry
	_ = s.dial(context.Background(), next, host)
}

func (s *Session) setConnectedLocked(v bool, b *event.Batch) {
	if s.connected != v {
		s.connected = v
		b.Connected(v)
	}
}

func (s *Session) setSelfLocked(a string, b *event.Batch) {
	if s.self != a {
		s.self = a
		b.Address(a)
	}
}

func (s *Session) setInControlLocked(v bool, b *event.Batch) {
	if s.inControl != v {
		s.inControl = v
		b.InControl(v)
	}
}
