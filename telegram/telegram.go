// Package telegram defines the typed units exchanged between applications
// and distributor nodes, and between distributor nodes.
//
// Telegram is a closed sum type: only this package can add variants.
// Consumers match with a type switch over the concrete pointer types.
package telegram

import (
	"fmt"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	KindVersionRequest
	KindVersionAnswer
	KindAuthTextRequest
	KindAuthTextAnswer
	KindAuthRequest
	KindAuthAnswer
	KindComParametersRequest
	KindComParametersAnswer
	KindKeepAlive
	KindClosing
	KindTerminateOrder
	KindData
	KindSubscribe
	KindUnsubscribe
	KindRTTRequest
	KindRTTAnswer

	KindTAuthTextRequest
	KindTAuthTextAnswer
	KindTAuthRequest
	KindTAuthAnswer
	KindTSubscribe
	KindTUnsubscribe
	KindTReceipt
	KindTBestWayUpdate
	KindTListSubscriptions
	KindTData

	kindLimit
)

var kindNames = [...]string{
	KindInvalid:              "invalid",
	KindVersionRequest:       "version-request",
	KindVersionAnswer:        "version-answer",
	KindAuthTextRequest:      "auth-text-request",
	KindAuthTextAnswer:       "auth-text-answer",
	KindAuthRequest:          "auth-request",
	KindAuthAnswer:           "auth-answer",
	KindComParametersRequest: "com-parameters-request",
	KindComParametersAnswer:  "com-parameters-answer",
	KindKeepAlive:            "keep-alive",
	KindClosing:              "closing",
	KindTerminateOrder:       "terminate-order",
	KindData:                 "data",
	KindSubscribe:            "subscribe",
	KindUnsubscribe:          "unsubscribe",
	KindRTTRequest:           "rtt-request",
	KindRTTAnswer:            "rtt-answer",
	KindTAuthTextRequest:     "t-auth-text-request",
	KindTAuthTextAnswer:      "t-auth-text-answer",
	KindTAuthRequest:         "t-auth-request",
	KindTAuthAnswer:          "t-auth-answer",
	KindTSubscribe:           "t-subscribe",
	KindTUnsubscribe:         "t-unsubscribe",
	KindTReceipt:             "t-receipt",
	KindTBestWayUpdate:       "t-best-way-update",
	KindTListSubscriptions:   "t-list-subscriptions",
	KindTData:                "t-data",
}

func (k Kind) String() string {
	if k < kindLimit {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Valid() bool { return k > KindInvalid && k < kindLimit }

type Telegram interface {
	Kind() Kind
	telegram()
}

// Application and shared handshake.

type VersionRequest struct {
	Versions []int32
}

type VersionAnswer struct {
	// -1 = no common version
	Version int32
}

// AuthTextRequest asks for a challenge text.
type AuthTextRequest struct {
	ApplicationName    string
	ApplicationTypePid string
	// "pid" or "pid:id", empty means local configuration authority
	ConfigAuthority string
}

type AuthTextAnswer struct {
	Text string
}

type AuthRequest struct {
	ApplicationTypePid string
	UserName           string
	EncryptedPassword  []byte
}

type AuthAnswer struct {
	Success       bool
	UserID        int64
	ApplicationID int64
	AuthorityID   int64
	NodeID        int64
}

// ComParameters are keep-alive timeouts in milliseconds and throughput control.
type ComParameters struct {
	KeepAliveSendTimeout    int64
	KeepAliveReceiveTimeout int64
	CacheThresholdPercent   int32
	// seconds
	FlowControlThresholdTime int32
	MinConnectionSpeed       int32
}

type ComParametersRequest struct{ ComParameters }
type ComParametersAnswer struct{ ComParameters }

type KeepAlive struct{}

// Closing is sent before graceful disconnect.
type Closing struct {
	Reason string
}

// TerminateOrder is sent before error-triggered disconnect.
type TerminateOrder struct {
	Reason string
}

type RTTRequest struct {
	ID    uint16
	Stamp int64
}

type RTTAnswer struct {
	ID    uint16
	Stamp int64
}

// Data is one fragment (or the whole) of a data value.
type Data struct {
	Key        SubscriptionKey
	DataNumber int64
	DataTime   int64
	// 0-based; Total >= 1
	Index   int32
	Total   int32
	Payload []byte
}

type Subscribe struct {
	Key     SubscriptionKey
	Role    Role
	Options SubscribeOptions
}

type Unsubscribe struct {
	Key  SubscriptionKey
	Role Role
}

// Node to node.

type TAuthTextRequest struct {
	NodeID int64
}

type TAuthTextAnswer struct {
	Text string
}

type TAuthRequest struct {
	UserName          string
	EncryptedPassword []byte
	Process           string
}

type TAuthAnswer struct {
	Success bool
	NodeID  int64
}

type TSubscribe struct {
	Key         SubscriptionKey
	Role        TransmitterRole
	Transmitter []int64
}

type TUnsubscribe struct {
	Key  SubscriptionKey
	Role TransmitterRole
}

type TReceipt struct {
	Key  SubscriptionKey
	Code ReceiptCode
	Role TransmitterRole
}

type BestWay struct {
	NodeID int64
	Weight int32
}

type TBestWayUpdate struct {
	Entries []BestWay
}

type TListSubscriptions struct {
	NodeID int64
}

type TData struct {
	Data
	Via int64
}

func (*VersionRequest) Kind() Kind       { return KindVersionRequest }
func (*VersionAnswer) Kind() Kind        { return KindVersionAnswer }
func (*AuthTextRequest) Kind() Kind      { return KindAuthTextRequest }
func (*AuthTextAnswer) Kind() Kind       { return KindAuthTextAnswer }
func (*AuthRequest) Kind() Kind          { return KindAuthRequest }
func (*AuthAnswer) Kind() Kind           { return KindAuthAnswer }
func (*ComParametersRequest) Kind() Kind { return KindComParametersRequest }
func (*ComParametersAnswer) Kind() Kind  { return KindComParametersAnswer }
func (*KeepAlive) Kind() Kind            { return KindKeepAlive }
func (*Closing) Kind() Kind              { return KindClosing }
func (*TerminateOrder) Kind() Kind       { return KindTerminateOrder }
func (*Data) Kind() Kind                 { return KindData }
func (*Subscribe) Kind() Kind            { return KindSubscribe }
func (*Unsubscribe) Kind() Kind          { return KindUnsubscribe }
func (*RTTRequest) Kind() Kind           { return KindRTTRequest }
func (*RTTAnswer) Kind() Kind            { return KindRTTAnswer }
func (*TAuthTextRequest) Kind() Kind     { return KindTAuthTextRequest }
func (*TAuthTextAnswer) Kind() Kind      { return KindTAuthTextAnswer }
func (*TAuthRequest) Kind() Kind         { return KindTAuthRequest }
func (*TAuthAnswer) Kind() Kind          { return KindTAuthAnswer }
func (*TSubscribe) Kind() Kind           { return KindTSubscribe }
func (*TUnsubscribe) Kind() Kind         { return KindTUnsubscribe }
func (*TReceipt) Kind() Kind             { return KindTReceipt }
func (*TBestWayUpdate) Kind() Kind       { return KindTBestWayUpdate }
func (*TListSubscriptions) Kind() Kind   { return KindTListSubscriptions }
func (*TData) Kind() Kind                { return KindTData }

func (*VersionRequest) telegram()       {}
func (*VersionAnswer) telegram()        {}
func (*AuthTextRequest) telegram()      {}
func (*AuthTextAnswer) telegram()       {}
func (*AuthRequest) telegram()          {}
func (*AuthAnswer) telegram()           {}
func (*ComParametersRequest) telegram() {}
func (*ComParametersAnswer) telegram()  {}
func (*KeepAlive) telegram()            {}
func (*Closing) telegram()              {}
func (*TerminateOrder) telegram()       {}
func (*Data) telegram()                 {}
func (*Subscribe) telegram()            {}
func (*Unsubscribe) telegram()          {}
func (*RTTRequest) telegram()           {}
func (*RTTAnswer) telegram()            {}
func (*TAuthTextRequest) telegram()     {}
func (*TAuthTextAnswer) telegram()      {}
func (*TAuthRequest) telegram()         {}
func (*TAuthAnswer) telegram()          {}
func (*TSubscribe) telegram()           {}
func (*TUnsubscribe) telegram()         {}
func (*TReceipt) telegram()             {}
func (*TBestWayUpdate) telegram()       {}
func (*TListSubscriptions) telegram()   {}
func (*TData) telegram()                {}

// New returns zero value of the variant for kind, used by decoders.
func New(k Kind) (Telegram, error) {
	switch k {
	case KindVersionRequest:
		return &VersionRequest{}, nil
	case KindVersionAnswer:
		return &VersionAnswer{}, nil
	case KindAuthTextRequest:
		return &AuthTextRequest{}, nil
	case KindAuthTextAnswer:
		return &AuthTextAnswer{}, nil
	case KindAuthRequest:
		return &AuthRequest{}, nil
	case KindAuthAnswer:
		return &AuthAnswer{}, nil
	case KindComParametersRequest:
		return &ComParametersRequest{}, nil
	case KindComParametersAnswer:
		return &ComParametersAnswer{}, nil
	case KindKeepAlive:
		return &KeepAlive{}, nil
	case KindClosing:
		return &Closing{}, nil
	case KindTerminateOrder:
		return &TerminateOrder{}, nil
	case KindData:
		return &Data{}, nil
	case KindSubscribe:
		return &Subscribe{}, nil
	case KindUnsubscribe:
		return &Unsubscribe{}, nil
	case KindRTTRequest:
		return &RTTRequest{}, nil
	case KindRTTAnswer:
		return &RTTAnswer{}, nil
	case KindTAuthTextRequest:
		return &TAuthTextRequest{}, nil
	case KindTAuthTextAnswer:
		return &TAuthTextAnswer{}, nil
	case KindTAuthRequest:
		return &TAuthRequest{}, nil
	case KindTAuthAnswer:
		return &TAuthAnswer{}, nil
	case KindTSubscribe:
		return &TSubscribe{}, nil
	case KindTUnsubscribe:
		return &TUnsubscribe{}, nil
	case KindTReceipt:
		return &TReceipt{}, nil
	case KindTBestWayUpdate:
		return &TBestWayUpdate{}, nil
	case KindTListSubscriptions:
		return &TListSubscriptions{}, nil
	case KindTData:
		return &TData{}, nil
	}
	return nil, fmt.Errorf("unknown telegram kind=%d", uint8(k))
}

func String(t Telegram) string {
	if t == nil {
		return "(nil)"
	}
	switch x := t.(type) {
	case *Data:
		return fmt.Sprintf("data(key=%s num=%d %d/%d len=%d)", x.Key, x.DataNumber, x.Index+1, x.Total, len(x.Payload))
	case *TData:
		return fmt.Sprintf("t-data(key=%s num=%d %d/%d len=%d via=%d)", x.Key, x.DataNumber, x.Index+1, x.Total, len(x.Payload), x.Via)
	case *AuthRequest:
		return fmt.Sprintf("auth-request(user=%s type=%s)", x.UserName, x.ApplicationTypePid)
	case *TAuthRequest:
		return fmt.Sprintf("t-auth-request(user=%s process=%s)", x.UserName, x.Process)
	}
	return fmt.Sprintf("%s%+v", t.Kind().String(), t)
}
