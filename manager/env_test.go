package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/session"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// testLog stops writing once test finished, channel loops may still log while closing.
func testLog(t *testing.T) *log2.Log {
	var done int32
	t.Cleanup(func() { atomic.StoreInt32(&done, 1) })
	return log2.NewFunc(func(format string, args ...interface{}) {
		if atomic.LoadInt32(&done) == 0 {
			t.Logf(format, args...)
		}
	}, log2.LDebug)
}

type peer struct {
	ch   *transport.StreamChannel
	in   chan telegram.Telegram
	lost chan string
}

func (p *peer) OnTelegram(x telegram.Telegram) {
	select {
	case p.in <- x:
	default:
	}
}

func (p *peer) OnDisconnect(isError bool, reason string) {
	select {
	case p.lost <- reason:
	default:
	}
}

func (p *peer) send(t testing.TB, x telegram.Telegram) {
	t.Helper()
	require.NoError(t, p.ch.Send(x))
}

// expect skips other kinds until one of kind arrives.
func (p *peer) expect(t testing.TB, kind telegram.Kind) telegram.Telegram {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case x := <-p.in:
			if x.Kind() == kind {
				return x
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
			return nil
		}
	}
}

func (p *peer) expectLost(t testing.TB) string {
	t.Helper()
	select {
	case reason := <-p.lost:
		return reason
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for disconnect")
		return ""
	}
}

type testNode struct {
	t     *testing.T
	log   *log2.Log
	id    int64
	mgr   *Manager
	apps  *transport.Acceptor
	links *transport.Acceptor
}

var testVersions = []int32{3}

func newTestNode(t *testing.T, id int64, opt Options) *testNode {
	n := &testNode{t: t, log: testLog(t), id: id}
	opt.Log = n.log
	opt.NodeID = id
	if opt.Authorities == nil {
		opt.Authorities = map[string]int64{"kv.local": 500}
	}
	n.mgr = New(opt)

	var err error
	chopt := transport.ChannelOptions{Log: n.log}
	n.apps, err = transport.Listen(context.Background(), "127.0.0.1:0", chopt)
	require.NoError(t, err)
	n.links, err = transport.Listen(context.Background(), "127.0.0.1:0", chopt)
	require.NoError(t, err)
	go n.acceptApps()
	go n.acceptLinks()
	t.Cleanup(n.close)
	return n
}

func (n *testNode) acceptApps() {
	for {
		ch := n.apps.Accept()
		if ch == nil {
			return
		}
		s := session.NewApp(ch, n.mgr, session.AppConfig{
			Log:                 n.log,
			NodeID:              n.id,
			Versions:            testVersions,
			LocalAuthorityAlias: "kv.local",
			Gate:                n.mgr.opt.Gate,
			ConfigAppTypePid:    n.mgr.opt.ConfigAppTypePid,
		})
		s.Start()
	}
}

func (n *testNode) acceptLinks() {
	for {
		ch := n.links.Accept()
		if ch == nil {
			return
		}
		s := session.NewAcceptedTransmitter(ch, n.mgr, n.transmitterConfig())
		s.Start()
	}
}

func (n *testNode) transmitterConfig() session.TransmitterConfig {
	return session.TransmitterConfig{
		Log:      n.log,
		NodeID:   n.id,
		Versions: testVersions,
		Parameters: telegram.ComParameters{
			KeepAliveSendTimeout:    20000,
			KeepAliveReceiveTimeout: 60000,
		},
	}
}

func (n *testNode) close() {
	n.apps.Disconnect()
	n.links.Disconnect()
	n.mgr.Shutdown("test done")
}

// connect dials other node and completes the link handshake.
func (n *testNode) connect(other *testNode) *session.Transmitter {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	ch, err := transport.Dial(ctx, other.links.Addr().String(), transport.ChannelOptions{Log: n.log})
	require.NoError(n.t, err)
	link := session.NewTransmitter(ch, n.mgr, other.id, n.transmitterConfig())
	link.Start()
	require.NoError(n.t, link.Connect(ctx))
	// accepted side finishes its parameter step asynchronously
	require.Eventually(n.t, func() bool {
		l := other.mgr.Link(n.id)
		return l != nil && l.State() == session.TransmitterOperational
	}, testTimeout, time.Millisecond)
	return link
}

func (n *testNode) dialApp() *peer {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	ch, err := transport.Dial(ctx, n.apps.Addr().String(), transport.ChannelOptions{Log: n.log})
	require.NoError(n.t, err)
	p := &peer{ch: ch, in: make(chan telegram.Telegram, 256), lost: make(chan string, 1)}
	ch.Start(p)
	n.t.Cleanup(func() { ch.Disconnect(false, "test done", nil) })
	return p
}

// login runs application handshake, returns answer or nil if the node disconnected.
func (n *testNode) login(user, password string) (*peer, *telegram.AuthAnswer) {
	return n.loginAs(user, password, "typ.test")
}

func (n *testNode) loginAs(user, password, typ string) (*peer, *telegram.AuthAnswer) {
	t := n.t
	p := n.dialApp()
	p.send(t, &telegram.VersionRequest{Versions: []int32{3}})
	require.Equal(t, int32(3), p.expect(t, telegram.KindVersionAnswer).(*telegram.VersionAnswer).Version)
	p.send(t, &telegram.AuthTextRequest{ApplicationName: "app-" + user, ApplicationTypePid: typ})
	text := p.expect(t, telegram.KindAuthTextAnswer).(*telegram.AuthTextAnswer).Text
	enc, err := session.Encrypt(session.ProcessHmacMD5, password, text)
	require.NoError(t, err)
	p.send(t, &telegram.AuthRequest{ApplicationTypePid: typ, UserName: user, EncryptedPassword: enc})
	deadline := time.After(testTimeout)
	for {
		select {
		case x := <-p.in:
			if a, ok := x.(*telegram.AuthAnswer); ok {
				return p, a
			}
		case <-p.lost:
			return p, nil
		case <-deadline:
			t.Fatal("timeout waiting for authentication answer")
		}
	}
}

func (n *testNode) mustLogin(user, password string) (*peer, *telegram.AuthAnswer) {
	p, a := n.login(user, password)
	require.NotNil(n.t, a, "login user=%s", user)
	require.True(n.t, a.Success)
	return p, a
}
