// Package mockserver implements server side of the lights protocols:
// discovery beacon broadcaster, TCP JSON line control server, UDP sample sink.
// Used by tests and `gravity mock-server`.
package mockserver

import (
	"context"
	"expvar"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/helpers"
	"github.com/nuru/hellogravity/internal/discovery"
	"github.com/nuru/hellogravity/log2"
	"github.com/nuru/hellogravity/wire"
	"github.com/temoto/alive/v2"
)

const (
	DefaultControlAddr    = ":9000"
	DefaultTelemetryAddr  = ":9001"
	DefaultBeaconAddr     = "255.255.255.255:9002"
	DefaultBeaconInterval = 5 * time.Second
)

var malformedLine = []byte("{\"connected\": [\n")

type SampleFunc = func(from net.Addr, s *wire.Sample)

type Options struct {
	Log *log2.Log
	// Empty address disables that part.
	ControlAddr    string
	TelemetryAddr  string
	BeaconAddr     string
	BeaconMagic    string
	BeaconInterval time.Duration
	// First connected client becomes controlling when nobody is.
	ControlFirst bool
	ReadLimit    int
	OnSample     SampleFunc
}

type Stat struct {
	Accepts expvar.Int
	Lines   expvar.Int
	Samples expvar.Int
	Invalid expvar.Int
	Beacons expvar.Int
}

type Server struct {
	alive *alive.Alive
	opt   Options
	log   *log2.Log
	stat  Stat

	mu          sync.Mutex
	control     net.Listener
	telemetry   net.PacketConn
	beacon      net.PacketConn
	clients     []string
	conns       map[net.Conn]string
	controlling string
	malformed   bool
	silent      bool
	last        *wire.Sample
}

func New(opt Options) *Server {
	if opt.BeaconMagic == "" {
		opt.BeaconMagic = discovery.DefaultMagic
	}
	if opt.BeaconInterval == 0 {
		opt.BeaconInterval = DefaultBeaconInterval
	}
	return &Server{
		alive: alive.NewAlive(),
		opt:   opt,
		log:   opt.Log,
		conns: make(map[net.Conn]string),
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]error, 0)

	if s.opt.ControlAddr != "" {
		var lc net.ListenConfig
		ll, err := lc.Listen(ctx, "tcp", s.opt.ControlAddr)
		if err == nil && s.alive.Add(1) {
			s.control = ll
			s.log.Debugf("mockserver control listen=%s", ll.Addr())
			go s.acceptLoop(ll)
		} else if err != nil {
			errs = append(errs, errors.Annotatef(err, "control listen=%s", s.opt.ControlAddr))
		}
	}
	if s.opt.TelemetryAddr != "" {
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(ctx, "udp", s.opt.TelemetryAddr)
		if err == nil && s.alive.Add(1) {
			s.telemetry = pc
			s.log.Debugf("mockserver telemetry listen=%s", pc.LocalAddr())
			go s.sinkLoop(pc)
		} else if err != nil {
			errs = append(errs, errors.Annotatef(err, "telemetry listen=%s", s.opt.TelemetryAddr))
		}
	}
	if s.opt.BeaconAddr != "" {
		err := s.startBeacon(ctx)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "beacon addr=%s", s.opt.BeaconAddr))
		}
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) Close() error {
	s.alive.Stop()
	s.mu.Lock()
	closers := make([]interface{ Close() error }, 0, 3+len(s.conns))
	for _, c := range []interface{ Close() error }{s.control, s.telemetry, s.beacon} {
		if c != nil {
			closers = append(closers, c)
		}
	}
	for c := range s.conns {
		closers = append(closers, c)
	}
	s.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
	s.alive.Wait()
	return nil
}

func (s *Server) Stat() *Stat { return &s.stat }

func (s *Server) ControlAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control == nil {
		return nil
	}
	return s.control.Addr()
}

func (s *Server) TelemetryAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.telemetry == nil {
		return nil
	}
	return s.telemetry.LocalAddr()
}

// Clients returns addresses of connected control clients in connect order.
func (s *Server) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clients...)
}

func (s *Server) State() wire.ControlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Server) SetControlling(addr string) {
	s.mu.Lock()
	s.controlling = addr
	s.mu.Unlock()
}

// SetMalformed makes server answer heartbeats with invalid JSON.
func (s *Server) SetMalformed(v bool) {
	s.mu.Lock()
	s.malformed = v
	s.mu.Unlock()
}

// SetSilent makes server read heartbeats without answering.
func (s *Server) SetSilent(v bool) {
	s.mu.Lock()
	s.silent = v
	s.mu.Unlock()
}

// CloseClients drops all control connections, returns count.
func (s *Server) CloseClients() int {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// LastSample returns copy of last valid telemetry sample.
func (s *Server) LastSample() (wire.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return wire.Sample{}, false
	}
	return *s.last, true
}

func (s *Server) stateLocked() wire.ControlState {
	return wire.ControlState{
		Connected:   append([]string{}, s.clients...),
		Controlling: s.controlling,
	}
}

func (s *Server) acceptLoop(ll net.Listener) {
	defer s.alive.Done()
	for {
		conn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "accept listen=%s", ll.Addr()))
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		s.stat.Accepts.Add(1)
		go s.processConn(conn)
	}
}

func (s *Server) processConn(conn net.Conn) {
	defer s.alive.Done()
	addr := conn.RemoteAddr().String()
	s.log.Debugf("mockserver client connected addr=%s", addr)

	s.mu.Lock()
	if !s.alive.IsRunning() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = addr
	s.clients = append(s.clients, addr)
	if s.opt.ControlFirst && s.controlling == "" {
		s.controlling = addr
	}
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		for i, c := range s.clients {
			if c == addr {
				s.clients = append(s.clients[:i], s.clients[i+1:]...)
				break
			}
		}
		if s.controlling == addr {
			s.controlling = ""
		}
		s.mu.Unlock()
		s.log.Debugf("mockserver client disconnected addr=%s", addr)
	}()

	// handshake
	if err := s.reply(conn); err != nil {
		return
	}
	lr := wire.NewLineReader(conn, s.opt.ReadLimit)
	for {
		line, err := lr.ReadLine()
		if err != nil {
			if s.alive.IsRunning() {
				s.log.Debugf("mockserver read addr=%s err=%v", addr, err)
			}
			return
		}
		s.stat.Lines.Add(1)
		s.log.Debugf("mockserver addr=%s line=%s", addr, line)
		if err := s.reply(conn); err != nil {
			return
		}
	}
}

func (s *Server) reply(conn net.Conn) error {
	s.mu.Lock()
	silent, malformed := s.silent, s.malformed
	state := s.stateLocked()
	s.mu.Unlock()
	if silent {
		return nil
	}
	var b []byte
	if malformed {
		b = malformedLine
	} else {
		var err error
		if b, err = state.MarshalLine(); err != nil {
			return err
		}
	}
	return helpers.WriteAll(conn, b)
}

func (s *Server) sinkLoop(pc net.PacketConn) {
	defer s.alive.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if s.alive.IsRunning() {
				s.log.Error(errors.Annotate(err, "telemetry receive"))
			}
			return
		}
		var sample wire.Sample
		if err := sample.UnmarshalBinary(buf[:n]); err != nil {
			s.stat.Invalid.Add(1)
			s.log.Debugf("mockserver telemetry from=%s err=%v", from, err)
			continue
		}
		s.stat.Samples.Add(1)
		s.mu.Lock()
		s.last = &sample
		s.mu.Unlock()
		if s.opt.OnSample != nil {
			s.opt.OnSample(from, &sample)
		}
	}
}

func (s *Server) startBeacon(ctx context.Context) error {
	dst, err := net.ResolveUDPAddr("udp4", s.opt.BeaconAddr)
	if err != nil {
		return err
	}
	lc := net.ListenConfig{Control: discovery.BroadcastControl}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return err
	}
	if !s.alive.Add(1) {
		_ = pc.Close()
		return errors.NotValidf("Start after Close")
	}
	s.beacon = pc
	go s.beaconLoop(pc, dst)
	return nil
}

func (s *Server) beaconLoop(pc net.PacketConn, dst net.Addr) {
	defer s.alive.Done()
	magic := []byte(s.opt.BeaconMagic)
	for {
		if _, err := pc.WriteTo(magic, dst); err != nil {
			if !s.alive.IsRunning() {
				return
			}
			s.log.Errorf("mockserver beacon dst=%s err=%v", dst, err)
		} else {
			s.stat.Beacons.Add(1)
		}
		if !helpers.SleepChan(s.opt.BeaconInterval, s.alive.StopChan()) {
			return
		}
	}
}
