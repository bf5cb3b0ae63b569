// Package session implements protocol state machines for one connection:
// App for application links, Transmitter for links between distributor nodes.
//
// Sessions own their channel. Every fatal condition ends in Terminate,
// which disconnects the channel and notifies the manager exactly once.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const DefaultMaxSyncWait = 30 * time.Second

var (
	ErrClosed  = fmt.Errorf("session is closed")
	ErrTimeout = fmt.Errorf("no answer within maximum wait for synchronous response")
)

type Session interface {
	ID() string
	Closed() bool
	Terminate(isError bool, reason string)
}

// Credentials for authenticating this node to a remote node.
type Credentials struct {
	UserName string
	Password string
}

type Authenticator interface {
	// Login returns user id, -1 when rejected.
	Login(userName string, encryptedPassword []byte, challenge, process, applicationTypePid string) int64
	ChallengeText(name string) string
}

type AppManager interface {
	Authenticator
	ResolveAuthorityID(pid string) (int64, error)
	// AllocateApplicationID returns -1 on failure.
	AllocateApplicationID(s *App, typePid, name string) int64
	RegisterSession(Session)
	RemoveSession(Session)

	HandleSubscribe(*App, *telegram.Subscribe)
	HandleUnsubscribe(*App, *telegram.Unsubscribe)
	HandleData(*App, []*telegram.Data)
}

type TransmitterManager interface {
	Authenticator
	// ClaimTransmitter binds t to remote node id unless an accepting session already holds it,
	// in which case that session is returned and t stays unbound.
	ClaimTransmitter(remote int64, t *Transmitter) (existing *Transmitter)
	RegisterSession(Session)
	RemoveSession(Session)
	WeightFor(remote int64) int32
	CredentialsFor(remote int64) (Credentials, bool)
	// LinkUp is called once when t finished initialization.
	LinkUp(*Transmitter)

	HandleBestWay(*Transmitter, *telegram.TBestWayUpdate)
	HandleTSubscribe(*Transmitter, *telegram.TSubscribe)
	HandleTUnsubscribe(*Transmitter, *telegram.TUnsubscribe)
	HandleReceipt(*Transmitter, *telegram.TReceipt)
	HandleListSubscriptions(*Transmitter, *telegram.TListSubscriptions)
	HandleTData(*Transmitter, *telegram.TData)
}

// ConfigGate holds authentication until local configuration is available.
// Nil gate is always open.
type ConfigGate struct {
	open helpers.Signal
}

const GatePollInterval = 1 * time.Second

func NewConfigGate() *ConfigGate { return &ConfigGate{} }

func (g *ConfigGate) Release() {
	if g != nil {
		g.open.Close()
	}
}

func (g *ConfigGate) Active() bool { return g != nil && !g.open.Done() }

// Wait blocks while gate is active, polling closed once per GatePollInterval.
// Returns false if closed() became true first.
func (g *ConfigGate) Wait(closed func() bool) bool {
	if !g.Active() {
		return true
	}
	t := time.NewTicker(GatePollInterval)
	defer t.Stop()
	for {
		select {
		case <-g.open.C():
			return true
		case <-t.C:
			if closed() {
				return false
			}
		}
	}
}

// base is shared lifecycle: idempotent terminate, reply waits, rtt probes.
type base struct {
	alive   *alive.Alive
	ch      transport.Channel
	cause   helpers.AtomicError
	log     *log2.Log
	maxWait time.Duration
	replies *replyQueue

	rttSeq uint32 // atomic
	rtt    *future.Store
	rttIDs struct {
		sync.Mutex
		m map[packet.ID]struct{}
	}
}

func (b *base) init(ch transport.Channel, log *log2.Log, maxWait time.Duration) {
	if maxWait == 0 {
		maxWait = DefaultMaxSyncWait
	}
	b.alive = alive.NewAlive()
	b.ch = ch
	b.log = log
	b.maxWait = maxWait
	b.replies = newReplyQueue()
	b.rtt = future.NewStore()
	b.rttIDs.m = make(map[packet.ID]struct{})
}

func (b *base) ID() string { return b.ch.ID() }

func (b *base) Closed() bool {
	_, found := b.cause.Load()
	return found
}

// Wait blocks until terminated and background tasks finished.
func (b *base) Wait() { b.alive.Wait() }

// terminate runs teardown once; remove is the manager notification.
func (b *base) terminate(isError bool, reason string, remove func()) bool {
	if _, found := b.cause.StoreOnce(errors.New(reason)); found {
		return false
	}
	if isError {
		b.log.Errorf("terminate reason=%s", reason)
	} else {
		b.log.Infof("terminate reason=%s", reason)
	}
	b.alive.Stop()
	b.replies.Close()
	b.cancelProbes()

	var final telegram.Telegram
	if isError {
		final = &telegram.TerminateOrder{Reason: reason}
	} else {
		final = &telegram.Closing{Reason: reason}
	}
	b.ch.Disconnect(isError, reason, final)
	if remove != nil {
		remove()
	}
	return true
}

func (b *base) send(t telegram.Telegram) error {
	if b.Closed() {
		return ErrClosed
	}
	return errors.Annotatef(b.ch.Send(t), "send %s", t.Kind())
}

func (b *base) await(ctx context.Context, kind telegram.Kind) (telegram.Telegram, error) {
	return b.replies.Await(ctx, kind, b.maxWait)
}

// go runs f as tracked background task, false if session is stopping.
func (b *base) goTask(f func()) bool {
	if !b.alive.Add(1) {
		return false
	}
	go func() {
		defer b.alive.Done()
		f()
	}()
	return true
}

// roundTrip sends probe and waits for matching answer.
func (b *base) roundTrip() (time.Duration, error) {
	id := packet.ID(atomic.AddUint32(&b.rttSeq, 1)%(1<<16-1) + 1)
	f := future.New()
	b.rtt.Put(id, f)
	helpers.WithLock(&b.rttIDs, func() { b.rttIDs.m[id] = struct{}{} })
	defer func() {
		b.rtt.Delete(id)
		helpers.WithLock(&b.rttIDs, func() { delete(b.rttIDs.m, id) })
	}()
	if b.Closed() {
		return 0, ErrClosed
	}

	sent := time.Now()
	if err := b.send(&telegram.RTTRequest{ID: uint16(id), Stamp: sent.UnixNano()}); err != nil {
		return 0, err
	}
	switch err := f.Wait(b.maxWait); err {
	case nil:
		return time.Since(sent), nil
	case future.ErrCanceled:
		return 0, ErrClosed
	case future.ErrTimeout:
		return 0, ErrTimeout
	default:
		return 0, errors.Trace(err)
	}
}

func (b *base) onRTTRequest(x *telegram.RTTRequest) {
	_ = b.send(&telegram.RTTAnswer{ID: x.ID, Stamp: x.Stamp})
}

func (b *base) onRTTAnswer(x *telegram.RTTAnswer) {
	f := b.rtt.Get(packet.ID(x.ID))
	if f == nil {
		b.log.Warningf("unexpected rtt answer id=%d", x.ID)
		return
	}
	f.Complete(x.Stamp)
}

func (b *base) cancelProbes() {
	helpers.WithLock(&b.rttIDs, func() {
		for id := range b.rttIDs.m {
			if f := b.rtt.Get(id); f != nil {
				f.Cancel(ErrClosed)
			}
		}
	})
}
