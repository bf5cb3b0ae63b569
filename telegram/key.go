package telegram

import (
	"fmt"
)

// SubscriptionKey identifies one data stream.
type SubscriptionKey struct {
	ObjectID   int64
	UsageID    int64
	Simulation int16
}

func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.ObjectID, k.UsageID, k.Simulation)
}

// Topic renders key for topic trees, same shape as String.
func (k SubscriptionKey) Topic() string { return k.String() }

// Role of an application in a subscription.
type Role uint8

const (
	RoleSender Role = iota + 1
	RoleReceiver
	RoleSource
	RoleDrain
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	case RoleSource:
		return "source"
	case RoleDrain:
		return "drain"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Publishing side: sender or source.
func (r Role) IsPublisher() bool { return r == RoleSender || r == RoleSource }

type SubscribeOptions struct {
	Delta        bool
	Delayed      bool
	TimeSliceSec int32
}

// TransmitterRole is the role requested from the remote node.
type TransmitterRole uint8

const (
	TransmitterSender TransmitterRole = iota + 1
	TransmitterReceiver
)

func (r TransmitterRole) String() string {
	switch r {
	case TransmitterSender:
		return "t-sender"
	case TransmitterReceiver:
		return "t-receiver"
	}
	return fmt.Sprintf("t-role(%d)", uint8(r))
}

// TransmitterRoleFor maps a local subscription role to the role requested over the link.
// Roles invert across the link: local source asks remote to receive, local drain asks remote to send.
func TransmitterRoleFor(local Role) (TransmitterRole, error) {
	switch local {
	case RoleSource, RoleSender:
		return TransmitterReceiver, nil
	case RoleDrain, RoleReceiver:
		return TransmitterSender, nil
	}
	return 0, fmt.Errorf("invalid local role=%d", uint8(local))
}

// DeliveryOutcome is the local decision on a remote subscription.
type DeliveryOutcome uint8

const (
	OutcomeOK DeliveryOutcome = iota + 1
	OutcomeNotResponsible
	OutcomeNotAllowed
	OutcomeMultiple
)

func (o DeliveryOutcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotResponsible:
		return "not-responsible"
	case OutcomeNotAllowed:
		return "not-allowed"
	case OutcomeMultiple:
		return "multiple"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

type ReceiptCode uint8

const (
	ReceiptPositive ReceiptCode = iota + 1
	ReceiptNegative
	ReceiptPositiveNoRight
	ReceiptMultiplePositive
)

func (c ReceiptCode) String() string {
	switch c {
	case ReceiptPositive:
		return "positive"
	case ReceiptNegative:
		return "negative"
	case ReceiptPositiveNoRight:
		return "positive-no-right"
	case ReceiptMultiplePositive:
		return "multiple-positive"
	}
	return fmt.Sprintf("receipt(%d)", uint8(c))
}

func ReceiptFor(o DeliveryOutcome) (ReceiptCode, error) {
	switch o {
	case OutcomeOK:
		return ReceiptPositive, nil
	case OutcomeNotResponsible:
		return ReceiptNegative, nil
	case OutcomeNotAllowed:
		return ReceiptPositiveNoRight, nil
	case OutcomeMultiple:
		return ReceiptMultiplePositive, nil
	}
	return 0, fmt.Errorf("invalid delivery outcome=%d", uint8(o))
}
