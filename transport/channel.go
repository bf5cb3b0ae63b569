// Package transport carries whole telegrams over stream connections.
//
// Channel is the contract sessions are written against; StreamChannel is
// its implementation over net.Conn, Acceptor produces StreamChannels for
// inbound connections and Dial for outbound ones.
package transport

import (
	"expvar"
	"fmt"
	"net"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
)

const (
	DefaultKeepAliveSend    = 20 * time.Second
	DefaultKeepAliveReceive = 60 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
)

var ErrClosing = fmt.Errorf("channel is closing")

// Handler receives everything read from a channel, in order, on the channel's reader goroutine.
type Handler interface {
	OnTelegram(telegram.Telegram)
	// Called once when the channel is lost without local Disconnect.
	OnDisconnect(isError bool, reason string)
}

type Channel interface {
	Send(telegram.Telegram) error
	SendMany([]telegram.Telegram) error
	SetKeepAliveParameters(send, receive time.Duration)
	// cacheFraction 0..1, flowControlThreshold in milliseconds, minSpeed bytes/s.
	SetThroughputParameters(cacheFraction float32, flowControlThreshold time.Duration, minSpeed int32)
	// Disconnect sends optional final telegram then closes; repeated calls are no-op.
	Disconnect(isError bool, reason string, final telegram.Telegram)
	Start(Handler)
	RemoteAddr() net.Addr
	ID() string
}

// Stat counts traffic, shared by channels of one acceptor or node.
type Stat struct {
	BytesIn      expvar.Int
	BytesOut     expvar.Int
	TelegramsIn  expvar.Int
	TelegramsOut expvar.Int
}

type ChannelOptions struct {
	Log              *log2.Log
	Stat             *Stat
	ReadLimit        uint32
	KeepAliveSend    time.Duration
	KeepAliveReceive time.Duration
	WriteTimeout     time.Duration
}

func (opt *ChannelOptions) defaults() {
	if opt.KeepAliveSend == 0 {
		opt.KeepAliveSend = DefaultKeepAliveSend
	}
	if opt.KeepAliveReceive == 0 {
		opt.KeepAliveReceive = DefaultKeepAliveReceive
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = telegram.DefaultReadLimit
	}
}

type Throughput struct {
	CacheFraction        float32
	FlowControlThreshold time.Duration
	MinSpeed             int32
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
