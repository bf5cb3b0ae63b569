package transport

import (
	"context"
	"net"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

// Acceptor listens on one address and wraps each accepted connection in a StreamChannel.
// Which session the channel is handed to is the caller's decision.
type Acceptor struct {
	alive    *alive.Alive
	err      helpers.AtomicError
	listener net.Listener
	log      *log2.Log
	opt      ChannelOptions
}

// Listen binds addr with address reuse enabled.
func Listen(ctx context.Context, addr string, opt ChannelOptions) (*Acceptor, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen addr=%s", addr)
	}
	a := &Acceptor{
		alive:    alive.NewAlive(),
		listener: l,
		log:      opt.Log,
		opt:      opt,
	}
	a.log.Debugf("listen addr=%s", l.Addr())
	return a, nil
}

func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

// Accept blocks until connection arrives.
// Returns nil after Disconnect or on I/O error, listener is closed in both cases.
func (a *Acceptor) Accept() *StreamChannel {
	for {
		conn, err := a.listener.Accept()
		if !a.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck
				a.log.Debugf("accept addr=%s temporary err=%v", a.Addr(), err)
				continue
			}
			err = errors.Annotatef(err, "accept addr=%s", a.Addr())
			a.log.Error(err)
			a.die(err)
			return nil
		}
		a.log.Debugf("accept addr=%s remote=%s", a.Addr(), addrString(conn.RemoteAddr()))
		return NewStreamChannel(conn, a.opt)
	}
}

// Disconnect closes listener, idempotent.
func (a *Acceptor) Disconnect() {
	a.die(ErrClosing)
}

// Err returns first cause of listener shutdown.
func (a *Acceptor) Err() error {
	err, _ := a.err.Load()
	if err == ErrClosing {
		return nil
	}
	return err
}

func (a *Acceptor) die(e error) {
	if _, found := a.err.StoreOnce(e); found {
		return
	}
	a.alive.Stop()
	_ = a.listener.Close()
	a.alive.Wait()
}
