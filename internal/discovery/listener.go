// Package discovery finds the lights server by listening for its UDP broadcast beacons.
//
// Server periodically broadcasts magic string (protocol version) to DefaultPort.
// Sender address of an exact match becomes the server endpoint.
// Watchdog forgets the server when beacons stop for Timeout.
package discovery

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/helpers"
	"github.com/nuru/hellogravity/helpers/atomic_clock"
	"github.com/nuru/hellogravity/internal/event"
	"github.com/nuru/hellogravity/log2"
	"github.com/temoto/alive/v2"
)

const (
	DefaultPort    = 9002
	DefaultMagic   = "PANTONE1"
	DefaultTimeout = 20 * time.Second
	DefaultTick    = time.Second

	ErrorTimeout = "timeout"

	maxDatagram       = 512
	receiveErrorDelay = 100 * time.Millisecond
)

// Endpoint is immutable, replaced on change.
type Endpoint struct {
	Host         net.IP
	DiscoveredAt time.Time
}

func (e *Endpoint) String() string {
	if e == nil {
		return ""
	}
	return e.Host.String()
}

type Options struct {
	Log *log2.Log
	// Listen address, default ":<Port>"
	Addr    string
	Port    int
	Magic   string
	Timeout time.Duration
	Tick    time.Duration
	// Called from listener goroutines when server endpoint changes, nil means lost.
	// Must not block.
	OnServer func(*Endpoint)
}

type State int

const (
	StateIdle State = iota
	StateNoServer
	StateServer
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNoServer:
		return "listening"
	case StateServer:
		return "listening(server)"
	case StateStopped:
		return "stopped"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

type Stat struct {
	Received   expvar.Int
	Mismatched expvar.Int
	Timeouts   expvar.Int
}

type Status struct {
	State     State
	Server    *Endpoint
	SelfAddrs []net.IP
	Error     string
}

type Listener struct {
	alive *alive.Alive
	opt   Options
	last  atomic_clock.Clock // last accepted beacon
	stat  Stat
	seq   event.Sequencer // OnServer order

	mu       sync.Mutex
	conn     net.PacketConn
	started  bool
	server   *Endpoint
	err      string
	timedOut bool
	self     []net.IP
}

func NewListener(opt Options) *Listener {
	if opt.Port == 0 {
		opt.Port = DefaultPort
	}
	if opt.Addr == "" {
		opt.Addr = ":" + strconv.Itoa(opt.Port)
	}
	if opt.Magic == "" {
		opt.Magic = DefaultMagic
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.Tick == 0 {
		opt.Tick = DefaultTick
	}
	return &Listener{
		alive: alive.NewAlive(),
		opt:   opt,
	}
}

// Start binds discovery socket and runs receive loop and timeout watchdog.
// Listener is single use, Start after Stop is an error.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || !l.alive.IsRunning() {
		return errors.NotValidf("discovery listener already started")
	}

	lc := net.ListenConfig{Control: ReuseAddrControl}
	conn, err := lc.ListenPacket(ctx, "udp4", l.opt.Addr)
	if err != nil {
		return errors.Annotatef(err, "discovery listen addr=%s", l.opt.Addr)
	}
	self, err := LocalIPv4()
	if err != nil {
		l.opt.Log.Errorf("discovery local addresses err=%v", err)
	}
	l.conn = conn
	l.self = self
	l.started = true
	l.last.SetNow()
	l.opt.Log.Infof("discovery listening addr=%s magic=%s self=%v", conn.LocalAddr(), l.opt.Magic, self)

	if !l.alive.Add(2) {
		_ = conn.Close()
		return errors.NotValidf("discovery listener stopped")
	}
	go l.receiveLoop(conn)
	go l.watchdog()
	return nil
}

// Stop closes socket, blocked receive returns, loops exit. Safe to call many times.
func (l *Listener) Stop() {
	l.alive.Stop()
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	l.alive.Wait()
}

func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Server returns current endpoint or nil.
func (l *Listener) Server() *Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.server
}

func (l *Listener) Error() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Listener) Stat() *Stat { return &l.stat }

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Status{
		Server:    l.server,
		SelfAddrs: append([]net.IP(nil), l.self...),
		Error:     l.err,
	}
	switch {
	case !l.alive.IsRunning():
		s.State = StateStopped
	case !l.started:
		s.State = StateIdle
	case l.server != nil:
		s.State = StateServer
	default:
		s.State = StateNoServer
	}
	return s
}

func (l *Listener) receiveLoop(conn net.PacketConn) {
	defer l.alive.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if !l.alive.IsRunning() {
				// expected after Stop closed socket
				return
			}
			l.opt.Log.Errorf("discovery receive err=%v", err)
			if !helpers.SleepChan(receiveErrorDelay, l.alive.StopChan()) {
				return
			}
			continue
		}
		l.handleBeacon(buf[:n], from)
	}
}

func (l *Listener) handleBeacon(b []byte, from net.Addr) {
	l.stat.Received.Add(1)
	message := string(b)
	if message != l.opt.Magic {
		l.stat.Mismatched.Add(1)
		l.mu.Lock()
		l.err = fmt.Sprintf("%s!=%s", message, l.opt.Magic)
		l.mu.Unlock()
		l.opt.Log.Warningf("discovery protocol mismatch from=%s message=%q expected=%q", from, message, l.opt.Magic)
		return
	}
	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		l.opt.Log.Errorf("code error discovery from=%#v", from)
		return
	}

	var changed *Endpoint
	var ticket uint64
	l.mu.Lock()
	l.last.SetNow()
	l.err = ""
	l.timedOut = false
	if l.server == nil || !l.server.Host.Equal(udpAddr.IP) {
		l.server = &Endpoint{Host: udpAddr.IP, DiscoveredAt: time.Now()}
		changed = l.server
		ticket = l.seq.Ticket()
	}
	l.mu.Unlock()

	if changed != nil {
		l.opt.Log.Infof("discovery server=%s", changed)
		l.notify(ticket, changed)
	}
}

// notify calls OnServer in the order changes happened.
func (l *Listener) notify(ticket uint64, e *Endpoint) {
	l.seq.Do(ticket, func() {
		if l.opt.OnServer != nil {
			l.opt.OnServer(e)
		}
	})
}

func (l *Listener) watchdog() {
	defer l.alive.Done()
	ticker := time.NewTicker(l.opt.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.checkTimeout()
		case <-l.alive.StopChan():
			return
		}
	}
}

// checkTimeout is edge triggered: acts once per transition into timed out state.
func (l *Listener) checkTimeout() bool {
	l.mu.Lock()
	if l.timedOut || atomic_clock.Since(&l.last) < l.opt.Timeout {
		l.mu.Unlock()
		return false
	}
	l.timedOut = true
	l.err = ErrorTimeout
	lost := l.server
	l.server = nil
	var ticket uint64
	if lost != nil {
		ticket = l.seq.Ticket()
	}
	l.mu.Unlock()

	l.stat.Timeouts.Add(1)
	l.opt.Log.Infof("discovery timeout=%s server=%s", l.opt.Timeout, lost)
	if lost != nil {
		l.notify(ticket, nil)
	}
	return true
}

// LocalIPv4 lists non-loopback IPv4 addresses of this host.
func LocalIPv4() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, errors.Annotate(err, "interface addrs")
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			ips = append(ips, ip4)
		}
	}
	return ips, nil
}
