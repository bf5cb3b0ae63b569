package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
	"github.com/juju/errors"
)

type TransmitterState int32

const (
	TransmitterAwaitingVersion TransmitterState = iota
	TransmitterAuthenticating
	TransmitterAwaitingParameters
	TransmitterOperational
	TransmitterClosed
)

func (s TransmitterState) String() string {
	switch s {
	case TransmitterAwaitingVersion:
		return "awaiting-version"
	case TransmitterAuthenticating:
		return "authenticating"
	case TransmitterAwaitingParameters:
		return "awaiting-parameters"
	case TransmitterOperational:
		return "operational"
	case TransmitterClosed:
		return "closed"
	}
	return fmt.Sprintf("transmitter-state(%d)", int32(s))
}

type TransmitterConfig struct {
	Log      *log2.Log
	NodeID   int64
	Versions []int32
	Process  string
	// Requested by the initiating side, clamped by the peer.
	Parameters  telegram.ComParameters
	MaxSyncWait time.Duration
	Gate        *ConfigGate
}

// Transmitter is one link between distributor nodes.
// Authentication runs in both directions: outbound proves this node to the peer,
// inbound verifies the peer. Parameters are negotiated after both are done.
type Transmitter struct {
	base
	cfg       TransmitterConfig
	mgr       TransmitterManager
	accepting bool

	remote     int64 // atomic
	weight     int32 // atomic
	versioned  uint32
	ready      uint32
	lastUserID int64

	mu        sync.Mutex
	challenge string
	gated     bool // challenge held by config gate

	outboundOnce sync.Once
	outboundErr  helpers.AtomicError
	outboundDone helpers.Signal
	inboundDone  helpers.Signal

	startup struct {
		sync.Mutex
		done  bool
		queue []telegram.Telegram
	}
	linkOnce sync.Once
}

var _ Session = &Transmitter{}

// NewTransmitter creates initiating session for connection established to remote.
func NewTransmitter(ch transport.Channel, mgr TransmitterManager, remote int64, cfg TransmitterConfig) *Transmitter {
	t := newTransmitter(ch, mgr, false, cfg)
	t.remote = remote
	return t
}

// NewAcceptedTransmitter creates session for connection accepted from unknown node.
func NewAcceptedTransmitter(ch transport.Channel, mgr TransmitterManager, cfg TransmitterConfig) *Transmitter {
	return newTransmitter(ch, mgr, true, cfg)
}

func newTransmitter(ch transport.Channel, mgr TransmitterManager, accepting bool, cfg TransmitterConfig) *Transmitter {
	if cfg.Process == "" {
		cfg.Process = ProcessHmacMD5
	}
	side := "out"
	if accepting {
		side = "in"
	}
	t := &Transmitter{cfg: cfg, mgr: mgr, accepting: accepting, lastUserID: -1}
	t.base.init(ch, cfg.Log.Prefixed(fmt.Sprintf("transmitter/%s ch=%s ", side, ch.ID())), cfg.MaxSyncWait)
	return t
}

func (t *Transmitter) Start() { t.ch.Start(t) }

// Accepting is true when the link was accepted rather than dialed.
func (t *Transmitter) Accepting() bool { return t.accepting }

func (t *Transmitter) RemoteNode() int64 { return atomic.LoadInt64(&t.remote) }

func (t *Transmitter) Weight() int32 { return atomic.LoadInt32(&t.weight) }

func (t *Transmitter) String() string {
	return fmt.Sprintf("transmitter(remote=%d accepting=%t ch=%s)", t.RemoteNode(), t.accepting, t.ID())
}

func (t *Transmitter) State() TransmitterState {
	if t.Closed() {
		return TransmitterClosed
	}
	if t.initialized() {
		return TransmitterOperational
	}
	if t.inboundDone.Done() && t.outboundDone.Done() {
		return TransmitterAwaitingParameters
	}
	if atomic.LoadUint32(&t.versioned) != 0 {
		return TransmitterAuthenticating
	}
	return TransmitterAwaitingVersion
}

func (t *Transmitter) initialized() bool { return atomic.LoadUint32(&t.ready) != 0 }

func (t *Transmitter) Terminate(isError bool, reason string) {
	t.terminate(isError, reason, func() { t.mgr.RemoveSession(t) })
}

func (t *Transmitter) fail(err error) error {
	t.Terminate(true, err.Error())
	return err
}

// Connect runs initiating handshake: version, outbound authentication,
// wait for inbound authentication by peer, parameters.
// Any failure terminates the session.
func (t *Transmitter) Connect(ctx context.Context) error {
	if err := t.send(&telegram.VersionRequest{Versions: t.cfg.Versions}); err != nil {
		return t.fail(err)
	}
	reply, err := t.await(ctx, telegram.KindVersionAnswer)
	if err != nil {
		return t.fail(errors.Annotate(err, "version negotiation"))
	}
	v := reply.(*telegram.VersionAnswer).Version
	if !containsVersion(t.cfg.Versions, v) {
		return t.fail(errors.Errorf("remote selected unsupported protocol version=%d local=%v", v, t.cfg.Versions))
	}
	atomic.StoreUint32(&t.versioned, 1)

	if err = t.authenticateOutbound(ctx); err != nil {
		return err
	}
	if err = t.replies.WaitSignal(ctx, &t.inboundDone, t.maxWait); err != nil {
		return t.fail(errors.Annotate(err, "wait for inbound authentication"))
	}

	if err = t.send(&telegram.ComParametersRequest{ComParameters: t.cfg.Parameters}); err != nil {
		return t.fail(err)
	}
	reply, err = t.await(ctx, telegram.KindComParametersAnswer)
	if err != nil {
		return t.fail(errors.Annotate(err, "parameter negotiation"))
	}
	applyParameters(t.ch, ClampParameters(reply.(*telegram.ComParametersAnswer).ComParameters))
	t.completeInit()
	return nil
}

// authenticateOutbound runs at most once, concurrent callers share the result.
func (t *Transmitter) authenticateOutbound(ctx context.Context) error {
	t.outboundOnce.Do(func() {
		err := t.runOutbound(ctx)
		if err != nil {
			t.outboundErr.StoreOnce(err)
			t.fail(err)
			return
		}
		t.outboundDone.Close()
		t.replies.Notify()
	})
	err, _ := t.outboundErr.Load()
	return err
}

func (t *Transmitter) runOutbound(ctx context.Context) error {
	if err := t.send(&telegram.TAuthTextRequest{NodeID: t.cfg.NodeID}); err != nil {
		return err
	}
	reply, err := t.await(ctx, telegram.KindTAuthTextAnswer)
	if err != nil {
		return errors.Annotate(err, "outbound authentication challenge")
	}
	creds, ok := t.mgr.CredentialsFor(t.RemoteNode())
	if !ok {
		return errors.NotFoundf("credentials for remote node=%d", t.RemoteNode())
	}
	enc, err := Encrypt(t.cfg.Process, creds.Password, reply.(*telegram.TAuthTextAnswer).Text)
	if err != nil {
		return errors.Annotate(err, "outbound authentication")
	}
	if err = t.send(&telegram.TAuthRequest{UserName: creds.UserName, EncryptedPassword: enc, Process: t.cfg.Process}); err != nil {
		return err
	}
	reply, err = t.await(ctx, telegram.KindTAuthAnswer)
	if err != nil {
		return errors.Annotate(err, "outbound authentication answer")
	}
	answer := reply.(*telegram.TAuthAnswer)
	if !answer.Success {
		return errors.Errorf("authentication rejected by remote node=%d user=%s", t.RemoteNode(), creds.UserName)
	}
	if prev := atomic.SwapInt64(&t.remote, answer.NodeID); prev != 0 && prev != answer.NodeID {
		t.log.Warningf("remote node id changed %d -> %d", prev, answer.NodeID)
	}
	t.log.Debugf("outbound authentication done remote=%d", answer.NodeID)
	return nil
}

func (t *Transmitter) OnDisconnect(isError bool, reason string) {
	t.Terminate(isError, "channel lost: "+reason)
}

func (t *Transmitter) OnTelegram(x telegram.Telegram) {
	if t.Closed() {
		return
	}
	switch x := x.(type) {
	case *telegram.VersionAnswer, *telegram.TAuthTextAnswer, *telegram.TAuthAnswer, *telegram.ComParametersAnswer:
		t.replies.Put(x)
	case *telegram.VersionRequest:
		t.onVersionRequest(x)
	case *telegram.TAuthTextRequest:
		t.onAuthTextRequest(x)
	case *telegram.TAuthRequest:
		t.onAuthRequest(x)
	case *telegram.ComParametersRequest:
		t.onComParameters(x)
	case *telegram.TBestWayUpdate, *telegram.TSubscribe, *telegram.TUnsubscribe,
		*telegram.TReceipt, *telegram.TListSubscriptions, *telegram.TData:
		t.dispatchAfterInit(x)
	case *telegram.RTTRequest:
		t.onRTTRequest(x)
	case *telegram.RTTAnswer:
		t.onRTTAnswer(x)
	case *telegram.KeepAlive:
	case *telegram.Closing:
		t.Terminate(false, "remote closing: "+x.Reason)
	case *telegram.TerminateOrder:
		t.Terminate(false, "remote terminate order: "+x.Reason)
	default:
		t.log.Warningf("unexpected telegram %s state=%s", telegram.String(x), t.State())
	}
}

// dispatchAfterInit queues operational telegrams until initialization completes.
func (t *Transmitter) dispatchAfterInit(x telegram.Telegram) {
	t.startup.Lock()
	if !t.startup.done {
		t.startup.queue = append(t.startup.queue, x)
		t.startup.Unlock()
		t.log.Debugf("queued %s before initialization", x.Kind())
		return
	}
	t.startup.Unlock()
	t.handle(x)
}

func (t *Transmitter) handle(x telegram.Telegram) {
	switch x := x.(type) {
	case *telegram.TBestWayUpdate:
		t.mgr.HandleBestWay(t, x)
	case *telegram.TSubscribe:
		t.mgr.HandleTSubscribe(t, x)
	case *telegram.TUnsubscribe:
		t.mgr.HandleTUnsubscribe(t, x)
	case *telegram.TReceipt:
		t.mgr.HandleReceipt(t, x)
	case *telegram.TListSubscriptions:
		t.mgr.HandleListSubscriptions(t, x)
	case *telegram.TData:
		t.mgr.HandleTData(t, x)
	default:
		t.log.Warningf("unexpected operational telegram %s", telegram.String(x))
	}
}

// completeInit registers the link once and replays queued telegrams in arrival order.
// Telegrams arriving meanwhile wait on the init lock, so they follow the queue.
func (t *Transmitter) completeInit() {
	t.startup.Lock()
	defer t.startup.Unlock()
	if t.startup.done || t.Closed() {
		return
	}
	t.startup.done = true
	atomic.StoreUint32(&t.ready, 1)
	t.linkOnce.Do(func() { t.mgr.LinkUp(t) })
	q := t.startup.queue
	t.startup.queue = nil
	if len(q) != 0 {
		t.log.Debugf("replay queued=%d", len(q))
	}
	for _, x := range q {
		t.handle(x)
	}
	t.log.Infof("initialized remote=%d weight=%d", t.RemoteNode(), t.Weight())
}

func (t *Transmitter) onVersionRequest(x *telegram.VersionRequest) {
	v := SelectVersion(x.Versions, t.cfg.Versions)
	if v != NoVersion {
		atomic.StoreUint32(&t.versioned, 1)
	} else {
		t.log.Infof("no common protocol version peer=%v local=%v", x.Versions, t.cfg.Versions)
	}
	_ = t.send(&telegram.VersionAnswer{Version: v})
}

func (t *Transmitter) onAuthTextRequest(x *telegram.TAuthTextRequest) {
	if !t.cfg.Gate.Active() {
		t.answerAuthText(x)
		return
	}
	var busy bool
	helpers.WithLock(&t.mu, func() { busy, t.gated = t.gated, true })
	if busy {
		t.log.Warningf("dropped %s while waiting for local configuration", telegram.String(x))
		return
	}
	t.log.Infof("remote node=%d waits for local configuration", x.NodeID)
	// reader must keep consuming keep-alives while gate is held
	t.goTask(func() {
		if t.cfg.Gate.Wait(t.Closed) {
			t.answerAuthText(x)
		}
	})
}

func (t *Transmitter) answerAuthText(x *telegram.TAuthTextRequest) {
	if existing := t.mgr.ClaimTransmitter(x.NodeID, t); existing != nil {
		t.Terminate(true, fmt.Sprintf("duplicate link to remote node=%d, already accepted %s", x.NodeID, existing.ID()))
		return
	}
	atomic.StoreInt64(&t.remote, x.NodeID)
	atomic.StoreInt32(&t.weight, t.mgr.WeightFor(x.NodeID))
	if _, ok := t.mgr.CredentialsFor(x.NodeID); !ok {
		t.log.Warningf("no credentials configured for remote node=%d", x.NodeID)
	}
	text := t.mgr.ChallengeText(fmt.Sprintf("node-%d", x.NodeID))
	helpers.WithLock(&t.mu, func() { t.challenge = text })
	_ = t.send(&telegram.TAuthTextAnswer{Text: text})
}

func (t *Transmitter) onAuthRequest(x *telegram.TAuthRequest) {
	var challenge string
	helpers.WithLock(&t.mu, func() { challenge = t.challenge })
	if challenge == "" {
		t.log.Warningf("authentication request without challenge user=%s", x.UserName)
		_ = t.send(&telegram.TAuthAnswer{Success: false, NodeID: t.cfg.NodeID})
		return
	}
	userID := int64(-1)
	if x.Process == t.cfg.Process {
		userID = t.mgr.Login(x.UserName, x.EncryptedPassword, challenge, t.cfg.Process, "")
	} else {
		t.log.Warningf("remote user=%s process=%s rejected, configured=%s", x.UserName, x.Process, t.cfg.Process)
	}
	if userID <= -1 {
		_ = t.send(&telegram.TAuthAnswer{Success: false, NodeID: t.cfg.NodeID})
		t.Terminate(true, fmt.Sprintf("remote node=%d authentication failed user=%s", t.RemoteNode(), x.UserName))
		return
	}
	atomic.StoreInt64(&t.lastUserID, userID)
	if err := t.send(&telegram.TAuthAnswer{Success: true, NodeID: t.cfg.NodeID}); err != nil {
		return
	}
	t.mgr.RegisterSession(t)
	t.inboundDone.Close()
	t.replies.Notify()
	t.log.Debugf("inbound authentication done remote=%d user=%s", t.RemoteNode(), x.UserName)

	if t.accepting {
		// reader must stay free to deliver answers
		t.goTask(func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				select {
				case <-t.alive.StopChan():
					cancel()
				case <-ctx.Done():
				}
			}()
			_ = t.authenticateOutbound(ctx)
		})
	}
}

func (t *Transmitter) onComParameters(x *telegram.ComParametersRequest) {
	if !t.inboundDone.Done() {
		t.log.Warningf("dropped %s before inbound authentication", telegram.String(x))
		return
	}
	t.goTask(func() {
		if err := t.replies.WaitSignal(context.Background(), &t.outboundDone, t.maxWait); err != nil {
			t.fail(errors.Annotate(err, "wait for outbound authentication"))
			return
		}
		p := ClampParameters(x.ComParameters)
		if err := t.send(&telegram.ComParametersAnswer{ComParameters: p}); err != nil {
			return
		}
		applyParameters(t.ch, p)
		t.completeInit()
	})
}

// UserID of the authenticated remote, -1 before inbound authentication.
func (t *Transmitter) UserID() int64 { return atomic.LoadInt64(&t.lastUserID) }

// Subscribe represents local subscription to remote with inverted role.
func (t *Transmitter) Subscribe(key telegram.SubscriptionKey, local telegram.Role, via []int64) error {
	role, err := telegram.TransmitterRoleFor(local)
	if err != nil {
		return errors.Trace(err)
	}
	return t.send(&telegram.TSubscribe{Key: key, Role: role, Transmitter: via})
}

func (t *Transmitter) Unsubscribe(key telegram.SubscriptionKey, local telegram.Role) error {
	role, err := telegram.TransmitterRoleFor(local)
	if err != nil {
		return errors.Trace(err)
	}
	return t.send(&telegram.TUnsubscribe{Key: key, Role: role})
}

// SendReceipt answers remote subscription with local delivery outcome.
func (t *Transmitter) SendReceipt(key telegram.SubscriptionKey, role telegram.TransmitterRole, outcome telegram.DeliveryOutcome) error {
	code, err := telegram.ReceiptFor(outcome)
	if err != nil {
		return errors.Trace(err)
	}
	return t.send(&telegram.TReceipt{Key: key, Code: code, Role: role})
}

func (t *Transmitter) SendBestWay(entries []telegram.BestWay) error {
	return t.send(&telegram.TBestWayUpdate{Entries: entries})
}

func (t *Transmitter) SendListSubscriptions(node int64) error {
	return t.send(&telegram.TListSubscriptions{NodeID: node})
}

// SendData forwards fragments, via is the node that passed them on.
func (t *Transmitter) SendData(set []*telegram.Data, via int64) error {
	if t.Closed() {
		return ErrClosed
	}
	ts := make([]telegram.Telegram, len(set))
	for i, d := range set {
		ts[i] = &telegram.TData{Data: *d, Via: via}
	}
	return errors.Annotate(t.ch.SendMany(ts), "send data")
}

// RoundTripTime measures one probe, bounded by max sync wait.
func (t *Transmitter) RoundTripTime() (time.Duration, error) {
	d, err := t.roundTrip()
	if err == ErrTimeout {
		t.Terminate(true, "round trip probe: "+err.Error())
	}
	return d, err
}
