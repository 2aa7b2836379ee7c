// Package uplink sends sensor samples to the lights server over UDP.
// Fire and forget: callers never block on network, failures only increase counters.
package uplink

import (
	"expvar"
	"fmt"
	"net"
	"strconv"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/helpers"
	"github.com/nuru/hellogravity/internal/netstat"
	"github.com/nuru/hellogravity/log2"
	"github.com/nuru/hellogravity/wire"
	"github.com/temoto/alive/v2"
)

const (
	DefaultPort    = 9001
	DefaultWorkers = 2
	DefaultQueue   = 64
)

var ErrClosing = errors.New("uplink is closing")

type Options struct {
	Log     *log2.Log
	Port    int
	Workers int
	Queue   int
	// Successful sends are recorded here, default netstat.New(netstat.DefaultInterruption)
	Net *netstat.Stats
}

type Stat struct {
	Sent    expvar.Int
	Errors  expvar.Int
	Dropped expvar.Int // subset of Errors, queue was full
	Bytes   expvar.Int
}

// String format is sent/errors.
func (s *Stat) String() string {
	return fmt.Sprintf("%d/%d", s.Sent.Value(), s.Errors.Value())
}

type packet struct {
	host    string
	payload [wire.SampleSize]byte
}

type Uplink struct {
	alive  *alive.Alive
	opt    Options
	conn   *net.UDPConn
	queue  chan packet
	server helpers.AtomicString
	stat   Stat
}

func New(opt Options) (*Uplink, error) {
	u, err := newUplink(opt)
	if err != nil {
		return nil, err
	}
	if !u.alive.Add(u.opt.Workers) {
		return nil, ErrClosing
	}
	for i := 0; i < u.opt.Workers; i++ {
		go u.worker()
	}
	return u, nil
}

func newUplink(opt Options) (*Uplink, error) {
	if opt.Port == 0 {
		opt.Port = DefaultPort
	}
	if opt.Workers <= 0 {
		opt.Workers = DefaultWorkers
	}
	if opt.Queue <= 0 {
		opt.Queue = DefaultQueue
	}
	if opt.Net == nil {
		opt.Net = netstat.New(netstat.DefaultInterruption)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Annotate(err, "uplink socket")
	}
	u := &Uplink{
		alive: alive.NewAlive(),
		opt:   opt,
		conn:  conn,
		queue: make(chan packet, opt.Queue),
	}
	return u, nil
}

// Close stops workers, queued packets are discarded.
func (u *Uplink) Close() error {
	u.alive.Stop()
	err := u.conn.Close()
	u.alive.Wait()
	return err
}

func (u *Uplink) Stat() *Stat         { return &u.stat }
func (u *Uplink) Net() *netstat.Stats { return u.opt.Net }
func (u *Uplink) Server() string      { return u.server.Load() }
func (u *Uplink) LocalAddr() net.Addr { return u.conn.LocalAddr() }
func (u *Uplink) SetServer(host string) {
	if old, changed := u.server.Swap(host); changed {
		u.opt.Log.Debugf("uplink server %s -> %s", old, host)
	}
}

// Send enqueues sample for current server, see SetServer.
func (u *Uplink) Send(s *wire.Sample) bool { return u.SendTo(u.server.Load(), s) }

// SendTo enqueues sample for host and returns immediately.
// Empty host is a no-op. Returns false when packet was not queued.
func (u *Uplink) SendTo(host string, s *wire.Sample) bool {
	if host == "" {
		return false
	}
	if !u.alive.IsRunning() {
		u.stat.Errors.Add(1)
		return false
	}
	p := packet{host: host}
	s.AppendBinary(p.payload[:0])
	select {
	case u.queue <- p:
		return true
	default:
		u.stat.Errors.Add(1)
		u.stat.Dropped.Add(1)
		return false
	}
}

func (u *Uplink) worker() {
	defer u.alive.Done()
	// resolved address cache, one per worker
	var lastHost string
	var lastAddr *net.UDPAddr
	for {
		select {
		case p := <-u.queue:
			if p.host != lastHost {
				addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(p.host, strconv.Itoa(u.opt.Port)))
				if err != nil {
					u.stat.Errors.Add(1)
					u.opt.Log.Errorf("uplink resolve host=%s err=%v", p.host, err)
					continue
				}
				lastHost, lastAddr = p.host, addr
			}
			u.write(lastAddr, p.payload[:])

		case <-u.alive.StopChan():
			return
		}
	}
}

func (u *Uplink) write(addr *net.UDPAddr, b []byte) {
	n, err := u.conn.WriteToUDP(b, addr)
	if err != nil {
		u.stat.Errors.Add(1)
		if u.alive.IsRunning() {
			u.opt.Log.Debugf("uplink send addr=%s err=%v", addr, err)
		}
		return
	}
	u.stat.Sent.Add(1)
	u.stat.Bytes.Add(int64(n))
	u.opt.Net.Record(n)
}
