// Package mqttpub mirrors session state changes to MQTT retained topics:
//
//	<prefix>/connected   "true" | "false"
//	<prefix>/in_control  "true" | "false"
//	<prefix>/address     own address as seen by server, "" when unknown
package mqttpub

import (
	"expvar"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/nuru/hellogravity/internal/event"
	"github.com/nuru/hellogravity/log2"
)

const (
	DefaultTopicPrefix = "gravity"
	DefaultKeepalive   = 30 * time.Second
	defaultTimeout     = 5 * time.Second

	TopicConnected = "connected"
	TopicInControl = "in_control"
	TopicAddress   = "address"
)

// Publisher is the part of mqtt.Client used here.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Options struct {
	Log         *log2.Log
	Broker      string
	ClientID    string
	TopicPrefix string
	Keepalive   time.Duration
	LogDebug    bool
	Qos         byte
}

type Stat struct {
	Published expvar.Int
	Errors    expvar.Int
}

// Mirror is event.Listener publishing every change.
type Mirror struct {
	log     *log2.Log
	pub     Publisher
	prefix  string
	qos     byte
	stat    Stat
	wg      sync.WaitGroup
	client  mqtt.Client
	timeout time.Duration
}

var _ event.Listener = &Mirror{}

func New(pub Publisher, opt Options) *Mirror {
	if opt.TopicPrefix == "" {
		opt.TopicPrefix = DefaultTopicPrefix
	}
	return &Mirror{
		log:     opt.Log,
		pub:     pub,
		prefix:  opt.TopicPrefix,
		qos:     opt.Qos,
		timeout: defaultTimeout,
	}
}

// Dial connects to broker. Last will marks client disconnected.
func Dial(opt Options) (*Mirror, error) {
	if opt.Broker == "" {
		return nil, errors.NotValidf("mqtt broker=empty")
	}
	if opt.TopicPrefix == "" {
		opt.TopicPrefix = DefaultTopicPrefix
	}
	if opt.Keepalive == 0 {
		opt.Keepalive = DefaultKeepalive
	}
	mqttLog := opt.Log.Clone(log2.LDebug)
	mqttLog.SetPrefix("mqtt: ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if opt.LogDebug {
		mqtt.DEBUG = mqttLog
	}

	mopt := mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetConnectTimeout(defaultTimeout).
		SetKeepAlive(opt.Keepalive).
		SetMaxReconnectInterval(opt.Keepalive).
		SetOrderMatters(true).
		SetPingTimeout(defaultTimeout).
		SetWill(opt.TopicPrefix+"/"+TopicConnected, "false", opt.Qos, true).
		SetWriteTimeout(defaultTimeout)
	client := mqtt.NewClient(mopt)
	m := New(client, opt)
	m.client = client
	if err := m.tokenWait(client.Connect(), "connect broker="+opt.Broker); err != nil {
		return nil, err
	}
	m.log.Debugf("mqtt connected broker=%s prefix=%s", opt.Broker, opt.TopicPrefix)
	return m, nil
}

// Close waits for pending publishes and disconnects if Mirror owns the client.
func (m *Mirror) Close() {
	m.wg.Wait()
	if m.client != nil {
		m.client.Disconnect(uint(m.timeout / time.Millisecond))
	}
}

func (m *Mirror) Stat() *Stat { return &m.stat }

func (m *Mirror) Topic(suffix string) string { return m.prefix + "/" + suffix }

func (m *Mirror) AddressChanged(a string) { m.publish(TopicAddress, a) }
func (m *Mirror) InControlChanged(v bool) { m.publish(TopicInControl, strconv.FormatBool(v)) }
func (m *Mirror) ConnectedChanged(v bool) { m.publish(TopicConnected, strconv.FormatBool(v)) }

// publish must not block event dispatch, token is waited in background.
func (m *Mirror) publish(suffix, payload string) {
	topic := m.Topic(suffix)
	t := m.pub.Publish(topic, m.qos, true, payload)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.tokenWait(t, "publish "+topic); err != nil {
			m.stat.Errors.Add(1)
			return
		}
		m.stat.Published.Add(1)
	}()
}

func (m *Mirror) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(m.timeout) {
		err := errors.Timeoutf(tag)
		m.log.Errorf("mqtt %v", err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		m.log.Errorf("mqtt %v", err)
		return err
	}
	return nil
}
