// Package client wires discovery, control session and telemetry uplink
// into one object driven by configuration and runtime settings.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/helpers"
	"github.com/nuru/hellogravity/internal/config"
	"github.com/nuru/hellogravity/internal/control"
	"github.com/nuru/hellogravity/internal/discovery"
	"github.com/nuru/hellogravity/internal/event"
	"github.com/nuru/hellogravity/internal/netstat"
	"github.com/nuru/hellogravity/internal/uplink"
	"github.com/nuru/hellogravity/log2"
	"github.com/nuru/hellogravity/wire"
	"github.com/temoto/alive/v2"
)

const statusNotListening = "(not listening)"

// Publisher receives events in addition to Events() registry, e.g. mqttpub.Mirror.
type Publisher interface {
	event.Listener
	Close()
}

type Client struct {
	alive     *alive.Alive
	log       *log2.Log
	config    *config.Config
	events    *event.Registry
	discovery *discovery.Listener // nil when disabled
	session   *control.Session
	uplink    *uplink.Uplink
	net       *netstat.Stats
	publisher Publisher
	targetCh  chan string

	mu         sync.Mutex
	started    bool
	serverHost string // fixed by config or SetServerHost
	discovered string
	coordinate bool
	stream     bool
}

func New(log *log2.Log, cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.NotValidf("code error client config=nil")
	}
	c := &Client{
		alive:      alive.NewAlive(),
		log:        log,
		config:     cfg,
		events:     event.NewRegistry(),
		net:        netstat.New(cfg.Telemetry.Interruption()),
		targetCh:   make(chan string, 1),
		serverHost: cfg.ServerHost,
		coordinate: cfg.Coordinate,
		stream:     cfg.StreamEnabled(),
	}

	var err error
	c.uplink, err = uplink.New(uplink.Options{
		Log:     log,
		Port:    cfg.Telemetry.Port,
		Workers: cfg.Telemetry.Workers,
		Queue:   cfg.Telemetry.Queue,
		Net:     c.net,
	})
	if err != nil {
		return nil, errors.Annotate(err, "client")
	}
	c.session = control.NewSession(control.Options{
		Log:               log,
		Port:              cfg.Control.Port,
		DialTimeout:       cfg.Control.ConnectTimeout(),
		HeartbeatInterval: cfg.Control.Heartbeat(),
		NetworkTimeout:    cfg.Control.NetworkTimeout(),
		ReadLimit:         cfg.Control.ReadLimit,
		Retry:             cfg.Control.Retry(),
		Events:            c.events,
		Uplink:            c.uplink,
	})
	if cfg.Discovery.Enabled() {
		c.discovery = discovery.NewListener(discovery.Options{
			Log:      log,
			Addr:     cfg.Discovery.Listen,
			Port:     cfg.Discovery.Port,
			Magic:    cfg.Discovery.Magic,
			Timeout:  cfg.Discovery.Timeout(),
			OnServer: c.onServer,
		})
	}
	return c, nil
}

// SetPublisher registers p for events, closed with client.
func (c *Client) SetPublisher(p Publisher) {
	helpers.WithLock(&c.mu, func() { c.publisher = p })
	c.events.Register(p)
}

func (c *Client) Events() *event.Registry        { return c.events }
func (c *Client) Session() *control.Session      { return c.session }
func (c *Client) Discovery() *discovery.Listener { return c.discovery }
func (c *Client) Uplink() *uplink.Uplink         { return c.uplink }
func (c *Client) Net() *netstat.Stats            { return c.net }

// Start begins discovery and connects to fixed server if configured.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.NotValidf("client already started")
	}
	c.started = true
	c.mu.Unlock()

	if !c.alive.Add(1) {
		return errors.NotValidf("client closed")
	}
	go c.connector()

	if c.discovery != nil {
		if err := c.discovery.Start(ctx); err != nil {
			return errors.Annotate(err, "client")
		}
	}
	c.mu.Lock()
	target := c.targetLocked()
	c.mu.Unlock()
	if target != "" {
		c.request(target)
	}
	return nil
}

func (c *Client) Close() error {
	c.alive.Stop()
	if c.discovery != nil {
		c.discovery.Stop()
	}
	errs := []error{c.session.Close(), c.uplink.Close()}
	c.alive.Wait()
	c.mu.Lock()
	p := c.publisher
	c.mu.Unlock()
	if p != nil {
		c.events.Unregister(p)
		p.Close()
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// SetServerHost overrides discovery. Empty host returns to discovered server.
// Changing effective server reconnects.
func (c *Client) SetServerHost(host string) {
	c.mu.Lock()
	c.serverHost = host
	target := c.targetLocked()
	started := c.started
	c.mu.Unlock()
	c.log.Debugf("client server_host=%s target=%s", host, target)
	if started {
		c.request(target)
	}
}

func (c *Client) SetFlags(coordinate, stream bool) {
	helpers.WithLock(&c.mu, func() { c.coordinate, c.stream = coordinate, stream })
}

func (c *Client) Flags() (coordinate, stream bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinate, c.stream
}

// SendSensordata applies streaming policy then sends without blocking.
// With coordinate on, only controlling client streams.
func (c *Client) SendSensordata(s *wire.Sample) bool {
	c.mu.Lock()
	coordinate, stream := c.coordinate, c.stream
	c.mu.Unlock()
	if !stream {
		return false
	}
	if coordinate && !c.session.InControl() {
		return false
	}
	return c.session.SendSensordata(s)
}

// Status is one line summary:
// server=<host> self=<addr> udp=<sent>/<errors> error=<err> retries=<n> <throughput>
func (c *Client) Status() string {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started || !c.alive.IsRunning() {
		return statusNotListening
	}
	ss := c.session.Status()
	self, errText := ss.Self, ss.Error
	if c.discovery != nil {
		ds := c.discovery.Status()
		if self == "" && len(ds.SelfAddrs) != 0 {
			self = ds.SelfAddrs[0].String()
		}
		if errText == "" {
			errText = ds.Error
		}
	}
	return fmt.Sprintf("server=%s self=%s udp=%s error=%s retries=%d %s",
		orNull(ss.Host), orNull(self), c.uplink.Stat().String(), orNull(errText), ss.Retries, c.net.Snapshot().String())
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

func (c *Client) onServer(e *discovery.Endpoint) {
	c.mu.Lock()
	c.discovered = e.String()
	fixed := c.serverHost != ""
	c.mu.Unlock()
	// lost beacon leaves session to its own heartbeat
	if e == nil || fixed {
		return
	}
	c.request(e.String())
}

// must be called with lock
func (c *Client) targetLocked() string {
	if c.serverHost != "" {
		return c.serverHost
	}
	return c.discovered
}

// request replaces pending target, latest wins. Never blocks.
func (c *Client) request(host string) {
	for {
		select {
		case c.targetCh <- host:
			return
		default:
		}
		select {
		case <-c.targetCh:
		default:
		}
	}
}

func (c *Client) connector() {
	defer c.alive.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.alive.StopChan()
		cancel()
	}()
	for {
		select {
		case host := <-c.targetCh:
			if host == "" {
				c.session.Disconnect()
				continue
			}
			if err := c.session.Connect(ctx, host); err != nil {
				c.log.Debugf("client connect host=%s err=%v", host, err)
			}
		case <-c.alive.StopChan():
			return
		}
	}
}
