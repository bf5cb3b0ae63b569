package state

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/monitor"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/session"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

const (
	DefaultAppListen         = ":8083"
	DefaultTransmitterListen = ":8088"
	DefaultMaxSyncWaitMs     = 30000
	DefaultKeepAliveSendMs   = 20000
	DefaultKeepAliveRecvMs   = 60000
	DefaultLinkWeight        = 1
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Node struct {
		ID                  int64   `hcl:"id"`
		Versions            []int32 `hcl:"versions"`
		LocalAuthorityPid   string  `hcl:"local_authority_pid"`
		LocalAuthorityAlias string  `hcl:"local_authority_alias"`
		// local configuration mode, applications wait for the config app
		WaitForConfig    bool             `hcl:"wait_for_config"`
		ConfigAppTypePid string           `hcl:"config_app_type_pid"`
		Authorities      map[string]int64 `hcl:"authorities"`
	}
	Listen struct {
		Apps         string `hcl:"apps"`
		Transmitters string `hcl:"transmitters"`
	}
	Timeouts struct {
		MaxSyncWaitMs   int `hcl:"max_sync_wait_ms"`
		KeepAliveSendMs int `hcl:"keepalive_send_ms"`
		KeepAliveRecvMs int `hcl:"keepalive_recv_ms"`
	}
	Throughput struct {
		CacheThresholdPercent int `hcl:"cache_threshold_percent"`
		FlowControlSec        int `hcl:"flow_control_sec"`
		MinConnectionSpeed    int `hcl:"min_connection_speed"`
	}
	Auth struct {
		Process string       `hcl:"process"`
		Users   []UserConfig `hcl:"user"`
	}
	Transmitters []TransmitterConfig `hcl:"transmitter"`
	Persist      struct {
		Root string `hcl:"root"`
	}
	Monitor monitor.Config `hcl:"monitor"`
	Metrics struct {
		Listen string `hcl:"listen"`
	}
	LogDebug bool `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type UserConfig struct {
	Name     string `hcl:"name,key"`
	ID       int64  `hcl:"id"`
	Password string `hcl:"password"`
}

// TransmitterConfig describes link to remote node.
// Address empty means the remote node dials us, block still supplies credentials and weight.
type TransmitterConfig struct {
	Node     string `hcl:"node,key"`
	Address  string `hcl:"address"`
	Weight   int    `hcl:"weight"`
	User     string `hcl:"user"`
	Password string `hcl:"password"`
}

func (tc *TransmitterConfig) NodeID() (int64, error) {
	id, err := strconv.ParseInt(tc.Node, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NotValidf("transmitter node=%q", tc.Node)
	}
	return id, nil
}

// Defaults fills values left unset by every source.
func (c *Config) Defaults() {
	if len(c.Node.Versions) == 0 {
		c.Node.Versions = []int32{3}
	}
	if c.Listen.Apps == "" {
		c.Listen.Apps = DefaultAppListen
	}
	if c.Listen.Transmitters == "" {
		c.Listen.Transmitters = DefaultTransmitterListen
	}
	if c.Timeouts.MaxSyncWaitMs == 0 {
		c.Timeouts.MaxSyncWaitMs = DefaultMaxSyncWaitMs
	}
	if c.Timeouts.KeepAliveSendMs == 0 {
		c.Timeouts.KeepAliveSendMs = DefaultKeepAliveSendMs
	}
	if c.Timeouts.KeepAliveRecvMs == 0 {
		c.Timeouts.KeepAliveRecvMs = DefaultKeepAliveRecvMs
	}
	if c.Auth.Process == "" {
		c.Auth.Process = session.ProcessHmacMD5
	}
	for i := range c.Transmitters {
		if c.Transmitters[i].Weight <= 0 {
			c.Transmitters[i].Weight = DefaultLinkWeight
		}
	}
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Node.ID <= 0 {
		errs = append(errs, errors.NotValidf("node id=%d", c.Node.ID))
	}
	if c.Node.WaitForConfig && c.Node.ConfigAppTypePid == "" {
		errs = append(errs, errors.NotValidf("node wait_for_config without config_app_type_pid"))
	}
	seen := make(map[string]struct{}, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		if _, ok := seen[u.Name]; ok {
			errs = append(errs, errors.NotValidf("auth user=%s duplicate", u.Name))
		}
		seen[u.Name] = struct{}{}
	}
	for i := range c.Transmitters {
		if _, err := c.Transmitters[i].NodeID(); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) MaxSyncWait() time.Duration {
	return helpers.DurationOr(c.Timeouts.MaxSyncWaitMs, time.Millisecond, DefaultMaxSyncWaitMs*time.Millisecond)
}

// ComParameters requested on outbound links.
func (c *Config) ComParameters() telegram.ComParameters {
	return telegram.ComParameters{
		KeepAliveSendTimeout:     int64(c.Timeouts.KeepAliveSendMs),
		KeepAliveReceiveTimeout:  int64(c.Timeouts.KeepAliveRecvMs),
		CacheThresholdPercent:    int32(c.Throughput.CacheThresholdPercent),
		FlowControlThresholdTime: int32(c.Throughput.FlowControlSec),
		MinConnectionSpeed:       int32(c.Throughput.MinConnectionSpeed),
	}
}

// MarshalRedacted renders config as indented JSON with passwords hidden.
func (c *Config) MarshalRedacted() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Annotate(err, "config marshal")
	}
	var tree interface{}
	if err = json.Unmarshal(b, &tree); err != nil {
		return nil, errors.Annotate(err, "config marshal")
	}
	redact(tree)
	b, err = json.MarshalIndent(tree, "", "  ")
	return b, errors.Annotate(err, "config marshal")
}

func redact(v interface{}) {
	switch x := v.(type) {
	case map[string]interface{}:
		for k, item := range x {
			if s, ok := item.(string); ok && s != "" && strings.HasSuffix(k, "Password") {
				x[k] = "***"
				continue
			}
			redact(item)
		}
	case []interface{}:
		for _, item := range x {
			redact(item)
		}
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
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

// ReadConfig merges sources in order, later values override earlier ones.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) != 0 {
		return c, helpers.FoldErrors(errs)
	}
	c.Defaults()
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
