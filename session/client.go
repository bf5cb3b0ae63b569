package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/access"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
	"github.com/juju/errors"
)

// ClientConfig is the application end of an App session.
type ClientConfig struct {
	Log                *log2.Log
	Versions           []int32
	ApplicationName    string
	ApplicationTypePid string
	// "pid" or "pid:id", empty selects local configuration authority
	ConfigAuthority string
	Credentials
	Process     string
	Parameters  telegram.ComParameters
	MaxSyncWait time.Duration
	Codec       access.Codec
	// OnData receives complete values on the channel read goroutine.
	OnData func(key telegram.SubscriptionKey, number int64, v *access.Value)
	// OnClose is called once after termination.
	OnClose func(isError bool, reason string)
}

// Client connects an application to its node.
type Client struct {
	base
	cfg ClientConfig
	re  *access.Reassembler

	mu    sync.Mutex
	ident telegram.AuthAnswer
}

func NewClient(ch transport.Channel, cfg ClientConfig) *Client {
	if cfg.Process == "" {
		cfg.Process = ProcessHmacMD5
	}
	if len(cfg.Versions) == 0 {
		cfg.Versions = []int32{3}
	}
	if cfg.Codec == nil {
		cfg.Codec = access.CBORCodec{}
	}
	c := &Client{cfg: cfg}
	c.base.init(ch, cfg.Log.Prefixed(fmt.Sprintf("client ch=%s ", ch.ID())), cfg.MaxSyncWait)
	c.re = access.NewReassembler(c.log)
	return c
}

func (c *Client) Start() { c.ch.Start(c) }

// Connect runs version, authentication and parameter steps.
// Any failure terminates the client.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.send(&telegram.VersionRequest{Versions: c.cfg.Versions}); err != nil {
		return c.fail(err)
	}
	reply, err := c.await(ctx, telegram.KindVersionAnswer)
	if err != nil {
		return c.fail(errors.Annotate(err, "version negotiation"))
	}
	if v := reply.(*telegram.VersionAnswer).Version; !containsVersion(c.cfg.Versions, v) {
		return c.fail(errors.Errorf("node selected unsupported protocol version=%d local=%v", v, c.cfg.Versions))
	}

	if err = c.send(&telegram.AuthTextRequest{
		ApplicationName:    c.cfg.ApplicationName,
		ApplicationTypePid: c.cfg.ApplicationTypePid,
		ConfigAuthority:    c.cfg.ConfigAuthority,
	}); err != nil {
		return c.fail(err)
	}
	// node may hold the challenge until local configuration is available
	reply, err = c.await(ctx, telegram.KindAuthTextAnswer)
	if err != nil {
		return c.fail(errors.Annotate(err, "authentication challenge"))
	}
	enc, err := Encrypt(c.cfg.Process, c.cfg.Password, reply.(*telegram.AuthTextAnswer).Text)
	if err != nil {
		return c.fail(err)
	}
	if err = c.send(&telegram.AuthRequest{
		ApplicationTypePid: c.cfg.ApplicationTypePid,
		UserName:           c.cfg.UserName,
		EncryptedPassword:  enc,
	}); err != nil {
		return c.fail(err)
	}
	reply, err = c.await(ctx, telegram.KindAuthAnswer)
	if err != nil {
		return c.fail(errors.Annotate(err, "authentication answer"))
	}
	answer := reply.(*telegram.AuthAnswer)
	if !answer.Success {
		return c.fail(errors.Errorf("authentication rejected user=%s", c.cfg.UserName))
	}
	c.mu.Lock()
	c.ident = *answer
	c.mu.Unlock()

	if err = c.send(&telegram.ComParametersRequest{ComParameters: c.cfg.Parameters}); err != nil {
		return c.fail(err)
	}
	reply, err = c.await(ctx, telegram.KindComParametersAnswer)
	if err != nil {
		return c.fail(errors.Annotate(err, "parameter negotiation"))
	}
	applyParameters(c.ch, reply.(*telegram.ComParametersAnswer).ComParameters)
	c.log.Infof("connected user=%d app=%d node=%d", answer.UserID, answer.ApplicationID, answer.NodeID)
	return nil
}

func (c *Client) fail(err error) error {
	c.Terminate(true, err.Error())
	return err
}

// Identity is the node's authentication answer, zero before Connect succeeded.
func (c *Client) Identity() telegram.AuthAnswer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

func (c *Client) Terminate(isError bool, reason string) {
	c.terminate(isError, reason, func() {
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(isError, reason)
		}
	})
}

func (c *Client) RoundTripTime() (time.Duration, error) { return c.roundTrip() }

func (c *Client) Subscribe(key telegram.SubscriptionKey, role telegram.Role, opt telegram.SubscribeOptions) error {
	return c.send(&telegram.Subscribe{Key: key, Role: role, Options: opt})
}

func (c *Client) Unsubscribe(key telegram.SubscriptionKey, role telegram.Role) error {
	return c.send(&telegram.Unsubscribe{Key: key, Role: role})
}

// Publish encodes value and sends it split into fragments of limit payload bytes, 0 = default.
func (c *Client) Publish(key telegram.SubscriptionKey, number int64, fields map[string]interface{}, limit int) error {
	b, err := c.cfg.Codec.Encode(&access.Value{Key: key, Fields: fields})
	if err != nil {
		return errors.Annotatef(err, "publish key=%s", key)
	}
	proto := &telegram.Data{Key: key, DataNumber: number, DataTime: time.Now().UnixNano() / int64(time.Millisecond)}
	set := telegram.Split(proto, b, limit)
	ts := make([]telegram.Telegram, len(set))
	for i, d := range set {
		ts[i] = d
	}
	if c.Closed() {
		return ErrClosed
	}
	return errors.Annotatef(c.ch.SendMany(ts), "publish key=%s", key)
}

func (c *Client) OnDisconnect(isError bool, reason string) {
	c.Terminate(isError, "channel lost: "+reason)
}

func (c *Client) OnTelegram(x telegram.Telegram) {
	if c.Closed() {
		return
	}
	switch x := x.(type) {
	case *telegram.VersionAnswer, *telegram.AuthTextAnswer, *telegram.AuthAnswer, *telegram.ComParametersAnswer:
		c.replies.Put(x)
	case *telegram.Data:
		c.onData(x)
	case *telegram.RTTRequest:
		c.onRTTRequest(x)
	case *telegram.RTTAnswer:
		c.onRTTAnswer(x)
	case *telegram.KeepAlive:
	case *telegram.Closing:
		c.Terminate(false, "node closing: "+x.Reason)
	case *telegram.TerminateOrder:
		c.Terminate(true, "node terminate order: "+x.Reason)
	default:
		c.log.Warningf("unexpected telegram %s", telegram.String(x))
	}
}

func (c *Client) onData(d *telegram.Data) {
	set := c.re.Add(d)
	if set == nil || c.cfg.OnData == nil {
		return
	}
	payload, err := telegram.Join(set)
	if err != nil {
		c.log.Errorf("data key=%s number=%d err=%v", d.Key, d.DataNumber, err)
		return
	}
	v, err := c.cfg.Codec.Decode(set[0], payload)
	if err != nil {
		c.log.Errorf("data key=%s number=%d decode err=%v", d.Key, d.DataNumber, err)
		return
	}
	c.cfg.OnData(d.Key, d.DataNumber, v)
}
