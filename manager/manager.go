// Package manager owns live sessions of one distributor node: login and
// identity allocation, the duplicate-link registry, routing between nodes
// and subscription based delivery of data values.
package manager

import (
	"expvar"
	"sort"
	"sync"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/access"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/monitor"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/session"
	"github.com/google/uuid"
	"github.com/juju/errors"
)

const (
	DefaultLinkWeight  = 1
	FirstApplicationID = 1
	challengeTTL       = 10 * time.Minute
)

type User struct {
	ID       int64
	Password string
}

// Remote is what this node knows about a neighbour node.
type Remote struct {
	session.Credentials
	Weight int32
}

// IDSource hands out application ids; persist.Counter in production.
type IDSource interface {
	Next() (int64, error)
}

type Options struct {
	Log         *log2.Log
	NodeID      int64
	Users       map[string]User
	Authorities map[string]int64
	Remotes     map[int64]Remote
	Pipeline    *access.Pipeline
	IDs         IDSource
	Monitor     *monitor.Monitor
	// Gate is released when an application of ConfigAppTypePid registers.
	Gate             *session.ConfigGate
	ConfigAppTypePid string
}

type Stat struct {
	Logins        expvar.Int
	LoginFailures expvar.Int
	SessionsUp    expvar.Int
	SessionsDown  expvar.Int
	Delivered     expvar.Int
	Forwarded     expvar.Int
	Rejected      expvar.Int
	Failed        expvar.Int
}

type Manager struct {
	log    *log2.Log
	node   int64
	opt    Options
	reg    *registry
	routes *RoutingTable
	subs   *Subscriptions
	pipe   *access.Pipeline
	ids    IDSource
	mon    *monitor.Monitor
	stat   Stat

	challenges struct {
		sync.Mutex
		m map[string]time.Time
	}
}

var (
	_ session.AppManager         = &Manager{}
	_ session.TransmitterManager = &Manager{}
)

func New(opt Options) *Manager {
	if opt.Pipeline == nil {
		opt.Pipeline = access.NewPipeline(access.Options{Log: opt.Log})
	}
	if opt.IDs == nil {
		opt.IDs = &memoryIDs{next: FirstApplicationID}
	}
	m := &Manager{
		log:    opt.Log,
		node:   opt.NodeID,
		opt:    opt,
		reg:    newRegistry(),
		routes: NewRoutingTable(opt.NodeID),
		subs:   NewSubscriptions(),
		pipe:   opt.Pipeline,
		ids:    opt.IDs,
		mon:    opt.Monitor,
	}
	m.challenges.m = make(map[string]time.Time)
	return m
}

func (m *Manager) NodeID() int64                          { return m.node }
func (m *Manager) Stat() *Stat                            { return &m.stat }
func (m *Manager) Routes() *RoutingTable                  { return m.routes }
func (m *Manager) Subscriptions() *Subscriptions          { return m.subs }
func (m *Manager) Pipeline() *access.Pipeline             { return m.pipe }
func (m *Manager) Counts() (apps, links int)              { return m.reg.counts() }
func (m *Manager) Link(remote int64) *session.Transmitter { return m.reg.link(remote) }

// ChallengeText issues a single use random challenge.
func (m *Manager) ChallengeText(name string) string {
	text := uuid.New().String()
	now := time.Now()
	m.challenges.Lock()
	defer m.challenges.Unlock()
	for c, at := range m.challenges.m {
		if now.Sub(at) > challengeTTL {
			delete(m.challenges.m, c)
		}
	}
	m.challenges.m[text] = now
	m.log.Debugf("challenge issued for=%s", name)
	return text
}

func (m *Manager) useChallenge(text string) bool {
	m.challenges.Lock()
	defer m.challenges.Unlock()
	if _, ok := m.challenges.m[text]; !ok {
		return false
	}
	delete(m.challenges.m, text)
	return true
}

func (m *Manager) Login(userName string, encryptedPassword []byte, challenge, process, applicationTypePid string) int64 {
	fail := func(why string) int64 {
		m.stat.LoginFailures.Add(1)
		m.log.Infof("login rejected user=%s type=%s: %s", userName, applicationTypePid, why)
		return -1
	}
	if !m.useChallenge(challenge) {
		return fail("challenge not issued or already used")
	}
	u, ok := m.opt.Users[userName]
	if !ok {
		return fail("unknown user")
	}
	if !session.VerifyEncrypted(process, u.Password, challenge, encryptedPassword) {
		return fail("password mismatch process=" + process)
	}
	m.stat.Logins.Add(1)
	return u.ID
}

func (m *Manager) ResolveAuthorityID(pid string) (int64, error) {
	if id, ok := m.opt.Authorities[pid]; ok {
		return id, nil
	}
	return 0, errors.NotFoundf("configuration authority pid=%s", pid)
}

func (m *Manager) AllocateApplicationID(s *session.App, typePid, name string) int64 {
	id, err := m.ids.Next()
	if err != nil {
		m.log.Errorf("allocate application id type=%s name=%s err=%v", typePid, name, errors.ErrorStack(err))
		return -1
	}
	return id
}

func (m *Manager) ClaimTransmitter(remote int64, t *session.Transmitter) *session.Transmitter {
	return m.reg.claim(remote, t)
}

func (m *Manager) WeightFor(remote int64) int32 {
	if r, ok := m.opt.Remotes[remote]; ok && r.Weight > 0 {
		return r.Weight
	}
	return DefaultLinkWeight
}

func (m *Manager) CredentialsFor(remote int64) (session.Credentials, bool) {
	r, ok := m.opt.Remotes[remote]
	if !ok || r.UserName == "" {
		return session.Credentials{}, false
	}
	return r.Credentials, true
}

func (m *Manager) RegisterSession(s session.Session) {
	m.reg.add(s)
	m.stat.SessionsUp.Add(1)
	e := monitor.Event{Kind: monitor.EventSessionUp, Session: s.ID()}
	switch x := s.(type) {
	case *session.App:
		id := x.Identity()
		e.UserID = id.UserID
		if m.opt.Gate.Active() && id.TypePid == m.opt.ConfigAppTypePid {
			m.log.Infof("configuration available app=%d, releasing waiting applications", id.AppID)
			m.opt.Gate.Release()
		}
	case *session.Transmitter:
		e.Remote = x.RemoteNode()
		e.UserID = x.UserID()
	}
	m.mon.Emit(e)
}

func (m *Manager) RemoveSession(s session.Session) {
	m.reg.remove(s)
	m.stat.SessionsDown.Add(1)
	e := monitor.Event{Kind: monitor.EventSessionDown, Session: s.ID()}
	switch x := s.(type) {
	case *session.App:
		for _, last := range m.subs.RemoveAppAll(x) {
			m.withdraw(last.Key, last.Role)
		}
	case *session.Transmitter:
		e.Remote = x.RemoteNode()
		m.subs.RemoveLinkAll(x)
		if m.routes.LinkDown(x) {
			m.routesChanged(nil)
		}
	}
	m.mon.Emit(e)
}

// LinkUp advertises routes and local subscriptions over a freshly initialized link.
func (m *Manager) LinkUp(t *session.Transmitter) {
	m.log.Infof("link up remote=%d weight=%d", t.RemoteNode(), t.Weight())
	changed := m.routes.LinkUp(t)
	if err := t.SendBestWay(m.routes.Advert(t)); err != nil {
		m.log.Debugf("link remote=%d best way err=%v", t.RemoteNode(), err)
	}
	m.announce(t)
	m.mon.Emit(monitor.Event{Kind: monitor.EventLinkUp, Session: t.ID(), Remote: t.RemoteNode()})
	if changed {
		m.routesChanged(t)
	}
}

// Shutdown terminates every session gracefully.
func (m *Manager) Shutdown(reason string) {
	ss := m.reg.sessions()
	sort.Slice(ss, func(i, j int) bool { return ss[i].ID() < ss[j].ID() })
	for _, s := range ss {
		s.Terminate(false, reason)
	}
	m.mon.Emit(monitor.Event{Kind: monitor.EventShutdown, Reason: reason})
}

func (m *Manager) routesChanged(except *session.Transmitter) {
	rs := m.routes.Routes()
	e := monitor.Event{Kind: monitor.EventRoutes, Routes: make([]monitor.Route, len(rs))}
	for i, r := range rs {
		e.Routes[i] = monitor.Route{Node: r.Node, Weight: r.Weight, Via: r.Link.RemoteNode()}
	}
	m.mon.Emit(e)
	for _, t := range m.reg.operationalLinks() {
		if t == except {
			continue
		}
		if err := t.SendBestWay(m.routes.Advert(t)); err != nil {
			m.log.Debugf("link remote=%d best way err=%v", t.RemoteNode(), err)
		}
	}
}

type memoryIDs struct {
	mu   sync.Mutex
	next int64
}

func (s *memoryIDs) Next() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	return id, nil
}
