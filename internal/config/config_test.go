package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/helpers"
	"github.com/nuru/hellogravity/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, "", c.ServerHost)
			assert.True(t, c.StreamEnabled())
			assert.True(t, c.Discovery.Enabled())
			assert.False(t, c.Coordinate)
			assert.Nil(t, c.Control.Retry())
			assert.Equal(t, time.Duration(0), c.Control.Heartbeat())
		}, ""},

		{"top-level", `server_host = "10.0.0.5" coordinate = true stream = false`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "10.0.0.5", c.ServerHost)
				assert.True(t, c.Coordinate)
				assert.False(t, c.StreamEnabled())
			}, ""},

		{"sections", `
discovery { enable = false port = 19002 magic = "PANTONE2" timeout_sec = 7 }
control {
	port = 19000
	connect_timeout_ms = 300
	heartbeat_ms = 250
	network_timeout_ms = 2000
	retry_delays_sec = [1, 2, 3]
}
telemetry { port = 19001 workers = 3 queue = 8 interruption_ms = 500 }
mqtt { enable = true broker = "tcp://127.0.0.1:1883" client_id = "phone1" topic_prefix = "gravity" }
mock { control_addr = ":19000" beacon_interval_sec = 2 control_first = true }
`,
			func(t testing.TB, c *Config) {
				assert.False(t, c.Discovery.Enabled())
				assert.Equal(t, 19002, c.Discovery.Port)
				assert.Equal(t, "PANTONE2", c.Discovery.Magic)
				assert.Equal(t, 7*time.Second, c.Discovery.Timeout())
				assert.Equal(t, 19000, c.Control.Port)
				assert.Equal(t, 300*time.Millisecond, c.Control.ConnectTimeout())
				assert.Equal(t, 250*time.Millisecond, c.Control.Heartbeat())
				assert.Equal(t, 2*time.Second, c.Control.NetworkTimeout())
				assert.Equal(t, helpers.RetrySeconds(1, 2, 3), c.Control.Retry())
				assert.Equal(t, 3, c.Telemetry.Workers)
				assert.Equal(t, 500*time.Millisecond, c.Telemetry.Interruption())
				assert.True(t, c.Mqtt.Enable)
				assert.Equal(t, "phone1", c.Mqtt.ClientID)
				assert.Equal(t, ":19000", c.Mock.ControlAddr)
				assert.Equal(t, 2*time.Second, c.Mock.BeaconInterval())
				assert.True(t, c.Mock.ControlFirst)
			}, ""},

		{"include-normalize", `
coordinate = true
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "server-b" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "b.local", c.ServerHost)
			}, ""},

		{"include-overwrites", `
server_host = "a.local"
include "server-b" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "b.local", c.ServerHost)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-retry", `control { retry_delays_sec = [1, -1] }`, nil, "retry_delays_sec"},
		{"error-mqtt", `mqtt { enable = true }`, nil, "broker=empty"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"server-b":     `server_host = "b.local"`,
				"error-syntax": "hello",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		})
	}
}

func TestReadConfigFiles(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "gravity-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "gravity.hcl"),
		[]byte(`server_host = "main" include "local.hcl" { optional = true }`), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "local.hcl"),
		[]byte(`server_host = "local"`), 0644))

	fs, err := NewOsFullReader(".")
	require.NoError(t, err)
	cfg, err := ReadConfig(log2.NewTest(t, log2.LDebug), fs, filepath.Join(dir, "gravity.hcl"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.ServerHost)
}
