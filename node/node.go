// Package node assembles one distributor process from configuration:
// persistence, monitor, session manager, acceptors and outbound links.
package node

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/manager"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/monitor"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/session"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/state"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/state/persist"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
)

const (
	appIDTag        = "app-id"
	monitorQueueDir = "monitor-queue"
	redialMin       = 1 * time.Second
	redialMax       = 2 * time.Minute
)

type Node struct {
	config *state.Config
	log    *log2.Log
	ids    persist.Counter
	mon    monitor.Monitor
	mgr    *manager.Manager
	gate   *session.ConfigGate
	stat   transport.Stat
	apps   *transport.Acceptor
	links  *transport.Acceptor
	http   *http.Server
}

// Open binds listeners and restores persistent state, nothing is served until Run.
func Open(ctx context.Context, log *log2.Log, config *state.Config) (*Node, error) {
	n := &Node{config: config, log: log}
	if config.Node.WaitForConfig {
		n.gate = session.NewConfigGate()
	}

	root := config.Persist.Root
	if err := n.ids.Open(appIDTag, root, root != "", manager.FirstApplicationID, log); err != nil {
		return nil, errors.Annotate(err, "application id counter")
	}

	mconf := config.Monitor
	mconf.NodeID = config.Node.ID
	if root != "" {
		mconf.PersistPath = filepath.Join(root, monitorQueueDir)
	}
	if err := n.mon.Init(ctx, log, mconf); err != nil {
		return nil, errors.Annotate(err, "monitor")
	}

	users := make(map[string]manager.User, len(config.Auth.Users))
	for _, u := range config.Auth.Users {
		users[u.Name] = manager.User{ID: u.ID, Password: u.Password}
	}
	remotes := make(map[int64]manager.Remote, len(config.Transmitters))
	for i := range config.Transmitters {
		tc := &config.Transmitters[i]
		id, err := tc.NodeID()
		if err != nil {
			n.mon.Close()
			return nil, errors.Trace(err)
		}
		remotes[id] = manager.Remote{
			Credentials: session.Credentials{UserName: tc.User, Password: tc.Password},
			Weight:      int32(tc.Weight),
		}
	}
	authorities := make(map[string]int64, len(config.Node.Authorities)+1)
	for pid, id := range config.Node.Authorities {
		authorities[pid] = id
	}
	n.mgr = manager.New(manager.Options{
		Log:              log,
		NodeID:           config.Node.ID,
		Users:            users,
		Authorities:      authorities,
		Remotes:          remotes,
		IDs:              &n.ids,
		Monitor:          &n.mon,
		Gate:             n.gate,
		ConfigAppTypePid: config.Node.ConfigAppTypePid,
	})

	chopt := n.channelOptions()
	var err error
	if n.apps, err = transport.Listen(ctx, config.Listen.Apps, chopt); err != nil {
		n.mon.Close()
		return nil, errors.Annotate(err, "application acceptor")
	}
	if n.links, err = transport.Listen(ctx, config.Listen.Transmitters, chopt); err != nil {
		n.apps.Disconnect()
		n.mon.Close()
		return nil, errors.Annotate(err, "transmitter acceptor")
	}
	if config.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/vars", expvar.Handler())
		n.http = &http.Server{Addr: config.Metrics.Listen, Handler: mux}
	}
	log.Infof("node=%d open apps=%s transmitters=%s", config.Node.ID, n.apps.Addr(), n.links.Addr())
	return n, nil
}

func (n *Node) Manager() *manager.Manager { return n.mgr }
func (n *Node) Monitor() *monitor.Monitor { return &n.mon }
func (n *Node) Stat() *transport.Stat     { return &n.stat }
func (n *Node) AppAddr() net.Addr         { return n.apps.Addr() }
func (n *Node) TransmitterAddr() net.Addr { return n.links.Addr() }
func (n *Node) Gate() *session.ConfigGate { return n.gate }
func (n *Node) Config() *state.Config     { return n.config }
func (n *Node) IDs() *persist.Counter     { return &n.ids }

func (n *Node) channelOptions() transport.ChannelOptions {
	return transport.ChannelOptions{
		Log:              n.log,
		Stat:             &n.stat,
		KeepAliveSend:    time.Duration(n.config.Timeouts.KeepAliveSendMs) * time.Millisecond,
		KeepAliveReceive: time.Duration(n.config.Timeouts.KeepAliveRecvMs) * time.Millisecond,
	}
}

func (n *Node) appConfig() session.AppConfig {
	c := n.config
	return session.AppConfig{
		Log:                 n.log,
		NodeID:              c.Node.ID,
		Versions:            c.Node.Versions,
		LocalAuthorityAlias: c.Node.LocalAuthorityAlias,
		LocalAuthorityPid:   c.Node.LocalAuthorityPid,
		LocalAuthorityMode:  c.Node.WaitForConfig,
		ConfigAppTypePid:    c.Node.ConfigAppTypePid,
		Process:             c.Auth.Process,
		MaxSyncWait:         c.MaxSyncWait(),
		Gate:                n.gate,
	}
}

func (n *Node) transmitterConfig() session.TransmitterConfig {
	c := n.config
	return session.TransmitterConfig{
		Log:         n.log,
		NodeID:      c.Node.ID,
		Versions:    c.Node.Versions,
		Process:     c.Auth.Process,
		Parameters:  c.ComParameters(),
		MaxSyncWait: c.MaxSyncWait(),
		Gate:        n.gate,
	}
}

// Run serves until ctx is done, then terminates every session.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.acceptLoop(n.apps, func(ch *transport.StreamChannel) {
			session.NewApp(ch, n.mgr, n.appConfig()).Start()
		})
		return errors.Annotate(n.apps.Err(), "application acceptor")
	})
	g.Go(func() error {
		n.acceptLoop(n.links, func(ch *transport.StreamChannel) {
			session.NewAcceptedTransmitter(ch, n.mgr, n.transmitterConfig()).Start()
		})
		return errors.Annotate(n.links.Err(), "transmitter acceptor")
	})
	for i := range n.config.Transmitters {
		tc := n.config.Transmitters[i]
		if tc.Address == "" {
			continue
		}
		remote, _ := tc.NodeID()
		g.Go(func() error {
			n.dialLoop(gctx, remote, tc.Address)
			return nil
		})
	}
	if n.http != nil {
		g.Go(func() error {
			if err := n.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Annotatef(err, "metrics listen=%s", n.http.Addr)
			}
			return nil
		})
	}

	<-gctx.Done()
	n.close(ctx.Err())
	err := g.Wait()
	n.mon.Close()
	return err
}

func (n *Node) close(cause error) {
	reason := "node stopping"
	if cause == nil {
		reason = "node failure"
	}
	n.apps.Disconnect()
	n.links.Disconnect()
	if n.http != nil {
		_ = n.http.Close()
	}
	n.mgr.Shutdown(reason)
}

func (n *Node) acceptLoop(a *transport.Acceptor, start func(*transport.StreamChannel)) {
	for {
		ch := a.Accept()
		if ch == nil {
			return
		}
		start(ch)
	}
}

// dialLoop keeps one outbound link to remote, re-dials with backoff after it terminates.
func (n *Node) dialLoop(ctx context.Context, remote int64, addr string) {
	b := helpers.Backoff{Min: redialMin, Max: redialMax, K: 2}
	log := n.log.Prefixed("dial ")
	for {
		if b.Sleep(ctx) != nil {
			return
		}
		if l := n.mgr.Link(remote); l != nil {
			// peer dialled us first
			waitLink(ctx, l)
			b.Reset()
			continue
		}

		t, err := n.connect(ctx, remote, addr)
		b.Update(err == nil)
		if err != nil {
			log.Errorf("remote=%d addr=%s err=%v", remote, addr, err)
			continue
		}
		log.Infof("remote=%d addr=%s link up", remote, addr)
		waitLink(ctx, t)
	}
}

func (n *Node) connect(ctx context.Context, remote int64, addr string) (*session.Transmitter, error) {
	dctx, cancel := context.WithTimeout(ctx, n.config.MaxSyncWait())
	defer cancel()
	ch, err := transport.Dial(dctx, addr, n.channelOptions())
	if err != nil {
		return nil, errors.Trace(err)
	}
	t := session.NewTransmitter(ch, n.mgr, remote, n.transmitterConfig())
	t.Start()
	if err = t.Connect(dctx); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// waitLink returns after t terminated, or terminates it when ctx is done.
func waitLink(ctx context.Context, t *session.Transmitter) {
	done := make(chan struct{})
	go func() {
		t.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Terminate(false, "node stopping")
		<-done
	}
}

// Publish registers stat counters in expvar under prefix. Call once per process.
func (n *Node) Publish(prefix string) {
	ms := n.mgr.Stat()
	mm := new(expvar.Map)
	mm.Set("logins", &ms.Logins)
	mm.Set("login_failures", &ms.LoginFailures)
	mm.Set("sessions_up", &ms.SessionsUp)
	mm.Set("sessions_down", &ms.SessionsDown)
	mm.Set("delivered", &ms.Delivered)
	mm.Set("forwarded", &ms.Forwarded)
	mm.Set("rejected", &ms.Rejected)
	mm.Set("failed", &ms.Failed)
	mm.Set("sessions", expvar.Func(func() interface{} {
		apps, links := n.mgr.Counts()
		return map[string]int{"apps": apps, "links": links}
	}))
	mm.Set("routes", expvar.Func(func() interface{} {
		rs := n.mgr.Routes().Routes()
		out := make([]monitor.Route, len(rs))
		for i, r := range rs {
			out[i] = monitor.Route{Node: r.Node, Weight: r.Weight, Via: r.Link.RemoteNode()}
		}
		return out
	}))
	expvar.Publish(prefix+"manager", mm)

	ps := n.mgr.Pipeline().Stat()
	pm := new(expvar.Map)
	pm.Set("passed", &ps.Passed)
	pm.Set("modified", &ps.Modified)
	pm.Set("dropped", &ps.Dropped)
	pm.Set("failed", &ps.Failed)
	expvar.Publish(prefix+"access", pm)

	tm := new(expvar.Map)
	tm.Set("bytes_in", &n.stat.BytesIn)
	tm.Set("bytes_out", &n.stat.BytesOut)
	tm.Set("telegrams_in", &n.stat.TelegramsIn)
	tm.Set("telegrams_out", &n.stat.TelegramsOut)
	expvar.Publish(prefix+"transport", tm)

	mons := n.mon.Stat()
	om := new(expvar.Map)
	om.Set("queued", &mons.Queued)
	om.Set("sent", &mons.Sent)
	om.Set("retried", &mons.Retried)
	expvar.Publish(prefix+"monitor", om)
}
