// Package monitor mirrors node events to an MQTT broker.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/juju/errors"
	"github.com/temoto/spq"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	defaultStateInterval  = 5 * time.Minute
)

const (
	StateOffline byte = 0
	StateOnline  byte = 1
	StateStopped byte = 2
)

type Transporter interface {
	Init(ctx context.Context, log *log2.Log, config Config, willPayload []byte) error
	SendState(payload []byte) bool
	SendEvent(payload []byte) bool
	Close()
}

// Monitor contract:
// - Init() fails only with invalid config, network issues ignored
// - Emit blocks at most for disk write, events are delivered in background at least once
// - state messages may be lost
// - nil or disabled Monitor accepts and discards everything
// - Emit after Close discards event
type Monitor struct {
	enabled       bool
	log           *log2.Log
	transport     Transporter
	qmu           sync.RWMutex // Emit push vs Close
	q             *spq.Queue
	stateCh       chan byte
	stop          helpers.Signal
	done          chan struct{}
	node          int64
	stateInterval time.Duration
	retryDelay    time.Duration
	stat          Stat
}

func (m *Monitor) Init(ctx context.Context, log *log2.Log, config Config) error {
	m.enabled = config.Enabled
	m.log = log.Clone(log2.LInfo)
	if config.LogDebug {
		m.log.SetLevel(log2.LDebug)
	}
	if !m.enabled {
		return nil
	}
	if config.PersistPath == "" {
		return errors.NotValidf("monitor persist path=empty")
	}

	m.stateCh = make(chan byte)
	m.done = make(chan struct{})
	m.node = config.NodeID
	m.stateInterval = helpers.DurationOr(config.StateIntervalSec, time.Second, defaultStateInterval)
	if m.retryDelay == 0 {
		m.retryDelay = time.Second
	}

	var err error
	m.q, err = spq.Open(config.PersistPath)
	if err != nil {
		return errors.Annotate(err, "monitor queue")
	}

	// test code sets .transport
	if m.transport == nil {
		m.transport = &transportMqtt{}
	}
	if err := m.transport.Init(ctx, log, config, []byte{StateOffline}); err != nil {
		m.q.Close()
		return errors.Annotate(err, "monitor transport")
	}

	go m.qworker()
	go m.stateWorker()
	m.stateCh <- StateOnline
	return nil
}

func (m *Monitor) Enabled() bool { return m != nil && m.enabled }

// Close stops workers, queued events stay on disk for next start.
func (m *Monitor) Close() {
	if !m.Enabled() || m.stop.Done() {
		return
	}
	select {
	case m.stateCh <- StateStopped:
	case <-time.After(m.retryDelay):
	}
	m.qmu.Lock()
	m.stop.Close()
	m.q.Close()
	m.qmu.Unlock()
	<-m.done
	m.transport.Close()
}

func (m *Monitor) Stat() *Stat {
	if m == nil {
		return nil
	}
	return &m.stat
}

// Emit queues event for delivery.
func (m *Monitor) Emit(e Event) {
	if !m.Enabled() {
		return
	}
	if e.Time == 0 {
		e.Time = time.Now().UnixNano()
	}
	if e.Node == 0 {
		e.Node = m.node
	}
	b, err := e.MarshalBinary()
	if err != nil {
		m.log.Errorf("CRITICAL monitor event=%s marshal err=%v", e, err)
		return
	}
	m.qmu.RLock()
	defer m.qmu.RUnlock()
	if m.stop.Done() {
		// late session teardown during node shutdown
		m.log.Debugf("monitor closed, dropped event=%s", e)
		return
	}
	if err := m.q.Push(append([]byte{qEvent}, b...)); err != nil {
		m.log.Errorf("CRITICAL monitor event=%s queue err=%v", e, err)
		return
	}
	m.stat.Queued.Add(1)
}

func (m *Monitor) stateWorker() {
	const retryInterval = 17 * time.Second
	var b [1]byte
	var sent bool
	tmrRegular := time.NewTicker(m.stateInterval)
	defer tmrRegular.Stop()
	tmrRetry := time.NewTicker(retryInterval)
	defer tmrRetry.Stop()
	for {
		select {
		case next := <-m.stateCh:
			if next != b[0] {
				b[0] = next
				sent = m.transport.SendState(b[:])
			}

		case <-tmrRegular.C:
			sent = m.transport.SendState(b[:])

		case <-tmrRetry.C:
			if !sent {
				sent = m.transport.SendState(b[:])
			}

		case <-m.stop.C():
			return
		}
	}
}

// denote value type in persistent queue bytes form
const (
	qEvent byte = 1
)

func (m *Monitor) qworker() {
	defer close(m.done)
	for {
		box, err := m.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			del, err := m.qhandle(b)
			if err != nil {
				m.log.Errorf("monitor qhandle b=%x err=%v", b, err)
			}
			if del {
				if err = m.q.Delete(box); err != nil && !m.stop.Done() {
					m.log.Errorf("monitor qhandle Delete b=%x err=%v", b, err)
				}
				continue
			}
			m.stat.Retried.Add(1)
			if err = m.q.DeletePush(box); err != nil && !m.stop.Done() {
				m.log.Errorf("monitor qhandle DeletePush b=%x err=%v", b, err)
			}
			select {
			case <-time.After(m.retryDelay):
			case <-m.stop.C():
			}

		case spq.ErrClosed:
			if !m.stop.Done() {
				m.log.Errorf("CRITICAL monitor spq closed unexpectedly")
			}
			return

		default:
			if m.stop.Done() {
				return
			}
			m.log.Errorf("CRITICAL monitor spq err=%v", err)
		}
	}
}

func (m *Monitor) qhandle(b []byte) (bool, error) {
	if len(b) == 0 {
		return true, errors.Errorf("peek=empty")
	}

	switch b[0] {
	case qEvent:
		var e Event
		if err := e.UnmarshalBinary(b[1:]); err != nil {
			// retry will not help
			return true, errors.Annotate(err, "event decode")
		}
		if !m.transport.SendEvent(b[1:]) {
			return false, nil
		}
		m.stat.Sent.Add(1)
		m.log.Debugf("monitor sent %s", e)
		return true, nil

	default:
		return true, errors.Errorf("unknown kind=%d", b[0])
	}
}
