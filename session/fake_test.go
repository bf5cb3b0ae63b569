package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
)

const testDefaultTimeout = 5 * time.Second

// fakeChannel delivers inbound telegrams on its own goroutine like a reader loop.
// Paired channels forward every Send to the peer.
type fakeChannel struct {
	id     string
	peer   *fakeChannel
	inbox  chan telegram.Telegram
	sentCh chan telegram.Telegram
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	sent        []telegram.Telegram
	final       telegram.Telegram
	disconnects int32
	keepAlive   [2]time.Duration
	throughput  transport.Throughput
}

var _ transport.Channel = &fakeChannel{}

var fakeChannelSeq uint32

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		id:     fmt.Sprintf("fake%d", atomic.AddUint32(&fakeChannelSeq, 1)),
		inbox:  make(chan telegram.Telegram, 256),
		sentCh: make(chan telegram.Telegram, 256),
		closed: make(chan struct{}),
	}
}

func fakePair() (*fakeChannel, *fakeChannel) {
	a, b := newFakeChannel(), newFakeChannel()
	a.peer, b.peer = b, a
	return a, b
}

func (c *fakeChannel) ID() string           { return c.id }
func (c *fakeChannel) RemoteAddr() net.Addr { return nil }

func (c *fakeChannel) Start(h transport.Handler) {
	go func() {
		for {
			select {
			case t := <-c.inbox:
				h.OnTelegram(t)
			case <-c.closed:
				return
			}
		}
	}()
}

func (c *fakeChannel) deliver(t telegram.Telegram) {
	select {
	case c.inbox <- t:
	case <-c.closed:
	}
}

func (c *fakeChannel) Send(t telegram.Telegram) error {
	select {
	case <-c.closed:
		return transport.ErrClosing
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, t)
	c.mu.Unlock()
	select {
	case c.sentCh <- t:
	default:
	}
	if c.peer != nil {
		c.peer.deliver(t)
	}
	return nil
}

func (c *fakeChannel) SendMany(ts []telegram.Telegram) error {
	for _, t := range ts {
		if err := c.Send(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeChannel) SetKeepAliveParameters(send, receive time.Duration) {
	c.mu.Lock()
	c.keepAlive = [2]time.Duration{send, receive}
	c.mu.Unlock()
}

func (c *fakeChannel) SetThroughputParameters(cacheFraction float32, flowControlThreshold time.Duration, minSpeed int32) {
	c.mu.Lock()
	c.throughput = transport.Throughput{CacheFraction: cacheFraction, FlowControlThreshold: flowControlThreshold, MinSpeed: minSpeed}
	c.mu.Unlock()
}

func (c *fakeChannel) Disconnect(isError bool, reason string, final telegram.Telegram) {
	atomic.AddInt32(&c.disconnects, 1)
	c.once.Do(func() {
		c.mu.Lock()
		c.final = final
		c.mu.Unlock()
		if final != nil && c.peer != nil {
			c.peer.deliver(final)
		}
		close(c.closed)
	})
}

func (c *fakeChannel) Disconnects() int32 { return atomic.LoadInt32(&c.disconnects) }

func (c *fakeChannel) Final() telegram.Telegram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

// expect returns next sent telegram of kind, skipping others.
func (c *fakeChannel) expect(t testing.TB, kind telegram.Kind) telegram.Telegram {
	t.Helper()
	timeout := time.After(testDefaultTimeout)
	for {
		select {
		case x := <-c.sentCh:
			if x.Kind() == kind {
				return x
			}
		case <-timeout:
			t.Fatalf("timeout waiting for sent %s", kind)
			return nil
		}
	}
}

type fakeManager struct {
	mu          sync.Mutex
	users       map[string]string
	userIDs     map[string]int64
	authorities map[string]int64
	creds       map[int64]Credentials
	weights     map[int64]int32
	claims      map[int64]*Transmitter
	nextAppID   int64
	allocFail   bool

	registered []Session
	removed    []Session
	linkUps    []*Transmitter
	handled    []telegram.Telegram
	data       [][]*telegram.Data
	events     chan string
}

var (
	_ AppManager         = &fakeManager{}
	_ TransmitterManager = &fakeManager{}
)

func newFakeManager() *fakeManager {
	return &fakeManager{
		users:       map[string]string{"alice": "secret", "node": "linkpass"},
		userIDs:     map[string]int64{"alice": 11, "node": 12},
		authorities: map[string]int64{"kv.local": 500},
		creds:       make(map[int64]Credentials),
		weights:     make(map[int64]int32),
		claims:      make(map[int64]*Transmitter),
		nextAppID:   1000,
		events:      make(chan string, 256),
	}
}

func (m *fakeManager) event(s string) {
	select {
	case m.events <- s:
	default:
	}
}

func (m *fakeManager) waitEvent(t testing.TB, want string) {
	t.Helper()
	timeout := time.After(testDefaultTimeout)
	for {
		select {
		case e := <-m.events:
			if e == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for manager event %s", want)
		}
	}
}

func (m *fakeManager) Login(userName string, encryptedPassword []byte, challenge, process, applicationTypePid string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	pass, ok := m.users[userName]
	if !ok || !VerifyEncrypted(process, pass, challenge, encryptedPassword) {
		return -1
	}
	return m.userIDs[userName]
}

func (m *fakeManager) ChallengeText(name string) string { return "challenge/" + name }

func (m *fakeManager) ResolveAuthorityID(pid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.authorities[pid]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown authority %s", pid)
}

func (m *fakeManager) AllocateApplicationID(s *App, typePid, name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocFail {
		return -1
	}
	m.nextAppID++
	return m.nextAppID
}

func (m *fakeManager) RegisterSession(s Session) {
	m.mu.Lock()
	m.registered = append(m.registered, s)
	m.mu.Unlock()
	m.event("register")
}

func (m *fakeManager) RemoveSession(s Session) {
	m.mu.Lock()
	m.removed = append(m.removed, s)
	if t, ok := s.(*Transmitter); ok && m.claims[t.RemoteNode()] == t {
		delete(m.claims, t.RemoteNode())
	}
	m.mu.Unlock()
	m.event("remove")
}

func (m *fakeManager) Removed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.removed)
}

func (m *fakeManager) handle(t telegram.Telegram) {
	m.mu.Lock()
	m.handled = append(m.handled, t)
	m.mu.Unlock()
	m.event("handle")
}

func (m *fakeManager) Handled() []telegram.Telegram {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telegram.Telegram(nil), m.handled...)
}

func (m *fakeManager) HandleSubscribe(s *App, x *telegram.Subscribe)     { m.handle(x) }
func (m *fakeManager) HandleUnsubscribe(s *App, x *telegram.Unsubscribe) { m.handle(x) }
func (m *fakeManager) HandleData(s *App, set []*telegram.Data) {
	m.mu.Lock()
	m.data = append(m.data, set)
	m.mu.Unlock()
	m.event("data")
}

func (m *fakeManager) ClaimTransmitter(remote int64, t *Transmitter) *Transmitter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.claims[remote]; existing != nil && existing != t && !existing.Closed() && existing.Accepting() {
		return existing
	}
	m.claims[remote] = t
	return nil
}

func (m *fakeManager) WeightFor(remote int64) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.weights[remote]; ok {
		return w
	}
	return 1
}

func (m *fakeManager) CredentialsFor(remote int64) (Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[remote]
	return c, ok
}

func (m *fakeManager) LinkUp(t *Transmitter) {
	m.mu.Lock()
	m.linkUps = append(m.linkUps, t)
	m.mu.Unlock()
	m.event("linkup")
}

func (m *fakeManager) HandleBestWay(t *Transmitter, x *telegram.TBestWayUpdate)               { m.handle(x) }
func (m *fakeManager) HandleTSubscribe(t *Transmitter, x *telegram.TSubscribe)                { m.handle(x) }
func (m *fakeManager) HandleTUnsubscribe(t *Transmitter, x *telegram.TUnsubscribe)            { m.handle(x) }
func (m *fakeManager) HandleReceipt(t *Transmitter, x *telegram.TReceipt)                     { m.handle(x) }
func (m *fakeManager) HandleListSubscriptions(t *Transmitter, x *telegram.TListSubscriptions) { m.handle(x) }
func (m *fakeManager) HandleTData(t *Transmitter, x *telegram.TData)                          { m.handle(x) }
