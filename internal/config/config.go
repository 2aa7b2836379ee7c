// Package config reads HCL configuration of gravity client and mock server.
//
// Example:
//
//	server_host = ""
//	coordinate = true
//	discovery { timeout_sec = 20 }
//	control { heartbeat_ms = 1000 retry_delays_sec = [1, 1, 1, 5, 5, 5, 10, 10, 10, 60] }
//	include "local.hcl" { optional = true }
package config

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/nuru/hellogravity/helpers"
	"github.com/nuru/hellogravity/log2"
)

const DefaultPath = "gravity.hcl"

type Config struct {
	includeSeen map[string]struct{}
	XXX_Include []Source `hcl:"include"`

	// Fixed server, skips waiting for discovery when set.
	ServerHost string `hcl:"server_host"`
	// Send samples only while this client is controlling.
	Coordinate bool `hcl:"coordinate"`
	// Default true.
	Stream   *bool `hcl:"stream"`
	LogDebug bool  `hcl:"log_debug"`

	Discovery DiscoveryConfig `hcl:"discovery"`
	Control   ControlConfig   `hcl:"control"`
	Telemetry TelemetryConfig `hcl:"telemetry"`
	Mqtt      MqttConfig      `hcl:"mqtt"`
	Mock      MockConfig      `hcl:"mock"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type DiscoveryConfig struct {
	// Default true.
	Enable *bool `hcl:"enable"`
	// Listen address, overrides port.
	Listen     string `hcl:"listen"`
	Port       int    `hcl:"port"`
	Magic      string `hcl:"magic"`
	TimeoutSec int    `hcl:"timeout_sec"`
}

type ControlConfig struct {
	Port             int   `hcl:"port"`
	ConnectTimeoutMs int   `hcl:"connect_timeout_ms"`
	HeartbeatMs      int   `hcl:"heartbeat_ms"`
	NetworkTimeoutMs int   `hcl:"network_timeout_ms"`
	ReadLimit        int   `hcl:"read_limit"`
	RetryDelaysSec   []int `hcl:"retry_delays_sec"`
}

type TelemetryConfig struct {
	Port           int `hcl:"port"`
	Workers        int `hcl:"workers"`
	Queue          int `hcl:"queue"`
	InterruptionMs int `hcl:"interruption_ms"`
}

type MqttConfig struct {
	Enable       bool   `hcl:"enable"`
	Broker       string `hcl:"broker"`
	ClientID     string `hcl:"client_id"`
	TopicPrefix  string `hcl:"topic_prefix"`
	KeepaliveSec int    `hcl:"keepalive_sec"`
	LogDebug     bool   `hcl:"log_debug"`
}

type MockConfig struct {
	ControlAddr       string `hcl:"control_addr"`
	TelemetryAddr     string `hcl:"telemetry_addr"`
	BeaconAddr        string `hcl:"beacon_addr"`
	BeaconIntervalSec int    `hcl:"beacon_interval_sec"`
	ControlFirst      bool   `hcl:"control_first"`
}

func (c *Config) StreamEnabled() bool { return c.Stream == nil || *c.Stream }

func (dc *DiscoveryConfig) Enabled() bool          { return dc.Enable == nil || *dc.Enable }
func (dc *DiscoveryConfig) Timeout() time.Duration { return helpers.IntSecondDefault(dc.TimeoutSec, 0) }

func (cc *ControlConfig) ConnectTimeout() time.Duration {
	return helpers.IntMillisDefault(cc.ConnectTimeoutMs, 0)
}
func (cc *ControlConfig) Heartbeat() time.Duration {
	return helpers.IntMillisDefault(cc.HeartbeatMs, 0)
}
func (cc *ControlConfig) NetworkTimeout() time.Duration {
	return helpers.IntMillisDefault(cc.NetworkTimeoutMs, 0)
}

// Retry returns nil when not configured, meaning default schedule.
func (cc *ControlConfig) Retry() helpers.RetrySchedule {
	if len(cc.RetryDelaysSec) == 0 {
		return nil
	}
	return helpers.RetrySeconds(cc.RetryDelaysSec...)
}

func (tc *TelemetryConfig) Interruption() time.Duration {
	return helpers.IntMillisDefault(tc.InterruptionMs, 0)
}

func (mc *MqttConfig) Keepalive() time.Duration { return helpers.IntSecondDefault(mc.KeepaliveSec, 0) }

func (mc *MockConfig) BeaconInterval() time.Duration {
	return helpers.IntSecondDefault(mc.BeaconIntervalSec, 0)
}

func (c *Config) validate() error {
	errs := make([]error, 0)
	for _, d := range c.Control.RetryDelaysSec {
		if d < 0 {
			errs = append(errs, errors.NotValidf("control retry_delays_sec=%v", c.Control.RetryDelaysSec))
			break
		}
	}
	if c.Mqtt.Enable && c.Mqtt.Broker == "" {
		errs = append(errs, errors.NotValidf("mqtt enable=true broker=empty"))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads sources in order, later values override earlier.
// With OsFullReader, includes are relative to directory of first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names = append([]string{name}, names[1:]...)
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
