package state

import (
	"strings"
	"testing"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/session"
	"github.com/juju/errors"
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
		{"empty", "", nil, "node id=0 not valid"},

		{"defaults", `node { id = 7 }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, int64(7), c.Node.ID)
				assert.Equal(t, []int32{3}, c.Node.Versions)
				assert.Equal(t, DefaultAppListen, c.Listen.Apps)
				assert.Equal(t, DefaultTransmitterListen, c.Listen.Transmitters)
				assert.Equal(t, 30*time.Second, c.MaxSyncWait())
				assert.Equal(t, session.ProcessHmacMD5, c.Auth.Process)
				p := c.ComParameters()
				assert.Equal(t, int64(20000), p.KeepAliveSendTimeout)
				assert.Equal(t, int64(60000), p.KeepAliveReceiveTimeout)
			}, ""},

		{"full", `
node {
	id = 7
	versions = [2, 3]
	local_authority_pid = "kv.local"
	wait_for_config = true
	config_app_type_pid = "typ.config"
	authorities { kv.local = 500 }
}
listen { apps = "127.0.0.1:9001" transmitters = "127.0.0.1:9002" }
timeouts { max_sync_wait_ms = 500 keepalive_send_ms = 1000 keepalive_recv_ms = 3000 }
throughput { cache_threshold_percent = 20 flow_control_sec = 60 min_connection_speed = 3000 }
auth {
	process = "HmacSHA256"
	user "alice" { id = 11 password = "secret" }
	user "node8" { id = 908 password = "eight" }
}
transmitter "8" { address = "10.0.0.8:9002" weight = 4 user = "node7" password = "seven" }
transmitter "9" { user = "node7" password = "nine" }
persist { root = "/var/lib/davd" }
monitor { enable = true mqtt_broker = "tcp://broker:1883" topic_prefix = "dav/7" }
metrics { listen = ":9100" }
log_debug = true
`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, []int32{2, 3}, c.Node.Versions)
				assert.True(t, c.Node.WaitForConfig)
				assert.Equal(t, int64(500), c.Node.Authorities["kv.local"])
				assert.Equal(t, "127.0.0.1:9002", c.Listen.Transmitters)
				assert.Equal(t, 500*time.Millisecond, c.MaxSyncWait())
				assert.Equal(t, int32(3000), c.ComParameters().MinConnectionSpeed)
				assert.Equal(t, "HmacSHA256", c.Auth.Process)
				require.Len(t, c.Auth.Users, 2)
				assert.Equal(t, UserConfig{Name: "alice", ID: 11, Password: "secret"}, c.Auth.Users[0])
				require.Len(t, c.Transmitters, 2)
				id, err := c.Transmitters[0].NodeID()
				require.NoError(t, err)
				assert.Equal(t, int64(8), id)
				assert.Equal(t, 4, c.Transmitters[0].Weight)
				assert.Equal(t, "", c.Transmitters[1].Address)
				assert.Equal(t, DefaultLinkWeight, c.Transmitters[1].Weight)
				assert.Equal(t, "/var/lib/davd", c.Persist.Root)
				assert.True(t, c.Monitor.Enabled)
				assert.Equal(t, "dav/7", c.Monitor.TopicPrefix)
				assert.Equal(t, ":9100", c.Metrics.Listen)
				assert.True(t, c.LogDebug)
			}, ""},

		{"include-normalize", `
node { id = 1 }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "node-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, int64(7), c.Node.ID)
			}, ""},

		{"include-overwrites", `
node { id = 1 }
include "node-7" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, int64(7), c.Node.ID)
			}, ""},

		{"include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-transmitter-node", `
node { id = 1 }
transmitter "north" { address = "x:1" }`, nil, `transmitter node="north" not valid`},
		{"error-wait-without-type", `node { id = 1 wait_for_config = true }`, nil, "config_app_type_pid"},
		{"error-duplicate-user", `
node { id = 1 }
auth {
	user "a" { id = 1 }
	user "a" { id = 2 }
}`, nil, "auth user=a duplicate"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"node-7":       "node{id=7}",
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

func TestFunctionalBundled(t *testing.T) {
	// not Parallel
	t.Logf("this test needs OS open|read|stat access to file `../davd.hcl`")

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader(), "../davd.hcl")
	assert.NotZero(t, c.Node.ID)
}

func TestMarshalRedacted(t *testing.T) {
	t.Parallel()

	fs := NewMockFullReader(map[string]string{"c": `
node { id = 4 }
auth { user "alice" { id = 11 password = "secret" } }
transmitter "2" { user = "node4" password = "link-secret" }
monitor { mqtt_password = "broker-secret" }
`})
	c, err := ReadConfig(log2.NewTest(t, log2.LDebug), fs, "c")
	require.NoError(t, err)
	b, err := c.MarshalRedacted()
	require.NoError(t, err)
	s := string(b)
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, `"MqttPassword": "***"`)
	assert.Contains(t, s, `"Name": "alice"`)
	assert.Contains(t, s, `"ID": 4`)
}
