package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

// StreamChannel is Channel over one net.Conn: reader goroutine, keep-alive goroutine, serialized writes.
type StreamChannel struct {
	alive    *alive.Alive
	conn     net.Conn
	w        io.Writer
	dec      telegram.Decoder
	stat     *Stat
	err      helpers.AtomicError
	id       string
	log      *log2.Log
	opt      ChannelOptions
	handler  Handler
	lastRecv atomic_clock.Clock
	lastSend atomic_clock.Clock
	local    uint32 // atomic, 1 = Disconnect called

	kaSend int64 // atomic time.Duration
	kaRecv int64 // atomic time.Duration

	wmu        sync.Mutex
	throughput struct {
		sync.Mutex
		Throughput
	}
}

var _ Channel = &StreamChannel{}

func NewStreamChannel(conn net.Conn, opt ChannelOptions) *StreamChannel {
	opt.defaults()
	c := &StreamChannel{
		alive: alive.NewAlive(),
		conn:  conn,
		id:    uuid.New().String()[:8],
		opt:   opt,
	}
	c.log = opt.Log.Prefixed("ch=" + c.id + " ")
	c.stat = opt.Stat
	if c.stat == nil {
		c.stat = new(Stat)
	}
	c.w = helpers.CountWriter(conn, &c.stat.BytesOut)
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetNoDelay(true)
	}
	c.dec.Attach(bufio.NewReader(helpers.CountReader(conn, &c.stat.BytesIn)), opt.ReadLimit)
	c.SetKeepAliveParameters(opt.KeepAliveSend, opt.KeepAliveReceive)
	c.lastRecv.SetNow()
	c.lastSend.SetNow()
	return c
}

func Dial(ctx context.Context, addr string, opt ChannelOptions) (*StreamChannel, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dial addr=%s", addr)
	}
	return NewStreamChannel(conn, opt), nil
}

func (c *StreamChannel) ID() string           { return c.id }
func (c *StreamChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *StreamChannel) Done() <-chan struct{} { return c.alive.WaitChan() }

func (c *StreamChannel) Start(h Handler) {
	if h == nil {
		panic("code error StreamChannel.Start handler=nil")
	}
	c.handler = h
	if !c.alive.Add(2) {
		return
	}
	go c.readLoop()
	go c.keepAliveLoop()
}

func (c *StreamChannel) Send(t telegram.Telegram) error {
	return c.SendMany([]telegram.Telegram{t})
}

func (c *StreamChannel) SendMany(ts []telegram.Telegram) error {
	if !c.alive.IsRunning() {
		return ErrClosing
	}
	bufs := make(net.Buffers, 0, len(ts))
	size := 0
	for _, t := range ts {
		b, err := telegram.FrameMarshal(t)
		if err != nil {
			return errors.Annotatef(err, "send %s", telegram.String(t))
		}
		bufs = append(bufs, b)
		size += len(b)
		c.log.Debugf("send %s", telegram.String(t))
	}
	err := helpers.WithLockError(&c.wmu, func() error {
		tbegin := time.Now()
		_ = c.conn.SetWriteDeadline(tbegin.Add(c.opt.WriteTimeout))
		if _, err := bufs.WriteTo(c.w); err != nil {
			return err
		}
		c.checkSpeed(size, time.Since(tbegin))
		return nil
	})
	if err != nil {
		if !c.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		err = errors.Annotate(err, "send")
		c.lost(true, err.Error())
		return err
	}
	c.lastSend.SetNow()
	c.stat.TelegramsOut.Add(int64(len(ts)))
	return nil
}

func (c *StreamChannel) SetKeepAliveParameters(send, receive time.Duration) {
	atomic.StoreInt64(&c.kaSend, int64(send))
	atomic.StoreInt64(&c.kaRecv, int64(receive))
	c.log.Debugf("keepalive send=%v receive=%v", send, receive)
}

func (c *StreamChannel) KeepAliveParameters() (send, receive time.Duration) {
	return time.Duration(atomic.LoadInt64(&c.kaSend)), time.Duration(atomic.LoadInt64(&c.kaRecv))
}

func (c *StreamChannel) SetThroughputParameters(cacheFraction float32, flowControlThreshold time.Duration, minSpeed int32) {
	helpers.WithLock(&c.throughput, func() {
		c.throughput.CacheFraction = cacheFraction
		c.throughput.FlowControlThreshold = flowControlThreshold
		c.throughput.MinSpeed = minSpeed
	})
	c.log.Debugf("throughput cache=%.2f threshold=%v minspeed=%d", cacheFraction, flowControlThreshold, minSpeed)
}

func (c *StreamChannel) ThroughputParameters() Throughput {
	c.throughput.Lock()
	defer c.throughput.Unlock()
	return c.throughput.Throughput
}

func (c *StreamChannel) Disconnect(isError bool, reason string, final telegram.Telegram) {
	if !atomic.CompareAndSwapUint32(&c.local, 0, 1) {
		return
	}
	if _, found := c.err.StoreOnce(errors.New(reason)); found {
		return
	}
	if isError {
		c.log.Infof("disconnect error reason=%s", reason)
	} else {
		c.log.Debugf("disconnect reason=%s", reason)
	}
	if final != nil {
		if b, err := telegram.FrameMarshal(final); err == nil {
			helpers.WithLock(&c.wmu, func() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
				_ = helpers.WriteAll(c.conn, b)
			})
		}
	}
	c.close()
}

// lost: connection failed or peer went away, notify handler once.
func (c *StreamChannel) lost(isError bool, reason string) {
	if _, found := c.err.StoreOnce(errors.New(reason)); found {
		return
	}
	c.log.Debugf("lost error=%t reason=%s", isError, reason)
	c.close()
	if atomic.LoadUint32(&c.local) == 0 && c.handler != nil {
		c.handler.OnDisconnect(isError, reason)
	}
}

func (c *StreamChannel) close() {
	c.alive.Stop()
	_ = c.conn.Close()
}

func (c *StreamChannel) readLoop() {
	defer c.alive.Done()
	for {
		t, err := c.dec.Read()
		if !c.alive.IsRunning() {
			return
		}
		if err != nil {
			if errors.Cause(err) == io.EOF {
				c.lost(false, "connection closed by peer")
			} else {
				c.lost(true, errors.Annotate(err, "receive").Error())
			}
			return
		}
		c.lastRecv.SetNow()
		c.stat.TelegramsIn.Add(1)
		c.log.Debugf("recv %s", telegram.String(t))
		if _, ok := t.(*telegram.KeepAlive); ok {
			continue
		}
		c.handler.OnTelegram(t)
	}
}

func (c *StreamChannel) keepAliveLoop() {
	defer c.alive.Done()
	const tick = 100 * time.Millisecond
	t := time.NewTicker(tick)
	defer t.Stop()
	stopch := c.alive.StopChan()
	for {
		select {
		case <-stopch:
			return
		case <-t.C:
		}
		send, receive := c.KeepAliveParameters()
		if receive > 0 && atomic_clock.Since(&c.lastRecv) > receive {
			c.lost(true, "keep-alive receive timeout "+receive.String())
			return
		}
		if send > 0 && atomic_clock.Since(&c.lastSend) > send {
			_ = c.Send(&telegram.KeepAlive{})
		}
	}
}

func (c *StreamChannel) checkSpeed(size int, took time.Duration) {
	tp := c.ThroughputParameters()
	if tp.MinSpeed <= 0 || tp.FlowControlThreshold <= 0 || took < tp.FlowControlThreshold {
		return
	}
	speed := float64(size) / took.Seconds()
	if speed < float64(tp.MinSpeed) {
		c.log.Warningf("send speed=%.0fB/s below minimum=%d took=%v", speed, tp.MinSpeed, took)
	}
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}
