package manager

import (
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/session"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
)

// HandleSubscribe records local subscription.
// First subscription on its side is announced to every neighbour node.
func (m *Manager) HandleSubscribe(a *session.App, x *telegram.Subscribe) {
	if _, err := telegram.TransmitterRoleFor(x.Role); err != nil {
		m.log.Warningf("subscribe app=%d key=%s err=%v", a.Identity().AppID, x.Key, err)
		return
	}
	first := m.subs.AddApp(&AppSubscription{Key: x.Key, App: a, Role: x.Role, Options: x.Options})
	m.log.Debugf("subscribe app=%d key=%s role=%s first=%t", a.Identity().AppID, x.Key, x.Role, first)
	if !first {
		return
	}
	for _, t := range m.reg.operationalLinks() {
		if err := t.Subscribe(x.Key, x.Role, []int64{t.RemoteNode()}); err != nil {
			m.log.Debugf("link remote=%d subscribe key=%s err=%v", t.RemoteNode(), x.Key, err)
		}
	}
	m.reanswer(x.Key, x.Role.IsPublisher())
}

func (m *Manager) HandleUnsubscribe(a *session.App, x *telegram.Unsubscribe) {
	found, last := m.subs.RemoveApp(x.Key, a, x.Role)
	if !found {
		m.log.Warningf("unsubscribe app=%d key=%s role=%s not subscribed", a.Identity().AppID, x.Key, x.Role)
		return
	}
	if last {
		m.withdraw(x.Key, x.Role)
	}
}

// withdraw tells neighbours the last local subscription on that side is gone.
func (m *Manager) withdraw(key telegram.SubscriptionKey, role telegram.Role) {
	for _, t := range m.reg.operationalLinks() {
		if err := t.Unsubscribe(key, role); err != nil {
			m.log.Debugf("link remote=%d unsubscribe key=%s err=%v", t.RemoteNode(), key, err)
		}
	}
	m.reanswer(key, role.IsPublisher())
}

// reanswer sends fresh receipts to remote requests affected by a local change.
func (m *Manager) reanswer(key telegram.SubscriptionKey, publisher bool) {
	role := telegram.TransmitterReceiver
	if publisher {
		role = telegram.TransmitterSender
	}
	outcome := m.outcome(key, role)
	for _, ls := range m.subs.Links(key, role) {
		if err := ls.Link.SendReceipt(key, role, outcome); err != nil {
			m.log.Debugf("link remote=%d receipt key=%s err=%v", ls.Link.RemoteNode(), key, err)
		}
	}
}

// outcome of a remote request: sender role asks for our data, receiver role offers data to us.
func (m *Manager) outcome(key telegram.SubscriptionKey, role telegram.TransmitterRole) telegram.DeliveryOutcome {
	switch role {
	case telegram.TransmitterSender:
		pubs := m.subs.Apps(key, true)
		sources := 0
		for _, p := range pubs {
			if p.Role == telegram.RoleSource {
				sources++
			}
		}
		if sources > 1 {
			return telegram.OutcomeMultiple
		}
		if len(pubs) != 0 {
			return telegram.OutcomeOK
		}
	case telegram.TransmitterReceiver:
		if len(m.subs.Apps(key, false)) != 0 {
			return telegram.OutcomeOK
		}
	}
	return telegram.OutcomeNotResponsible
}

// HandleData accepts a complete value from a local publisher.
func (m *Manager) HandleData(a *session.App, set []*telegram.Data) {
	if len(set) == 0 {
		return
	}
	key := set[0].Key
	if !m.subs.IsPublisher(key, a) {
		m.stat.Rejected.Add(1)
		m.log.Warningf("data app=%d key=%s without sender or source subscription, dropped", a.Identity().AppID, key)
		return
	}
	m.deliver(set, a, nil)
}

// deliver runs value through access control per receiving user.
// Values from local publishers are forwarded to neighbours that asked for them.
func (m *Manager) deliver(set []*telegram.Data, from *session.App, via *session.Transmitter) {
	key := set[0].Key
	seen := make(map[*session.App]struct{})
	for _, sub := range m.subs.Apps(key, false) {
		if sub.App == from {
			continue
		}
		if _, ok := seen[sub.App]; ok {
			continue
		}
		seen[sub.App] = struct{}{}
		id := sub.App.Identity()
		out, err := m.pipe.Filter(id.UserID, set)
		if err != nil {
			m.stat.Failed.Add(1)
			m.log.Errorf("deliver key=%s app=%d user=%d err=%v", key, id.AppID, id.UserID, err)
			continue
		}
		if len(out) == 0 {
			continue
		}
		if err := sub.App.SendData(out); err != nil {
			m.log.Debugf("deliver key=%s app=%d err=%v", key, id.AppID, err)
			continue
		}
		m.stat.Delivered.Add(1)
	}
	if via != nil {
		return
	}
	for _, ls := range m.subs.Links(key, telegram.TransmitterSender) {
		if err := ls.Link.SendData(set, m.node); err != nil {
			m.log.Debugf("forward key=%s remote=%d err=%v", key, ls.Link.RemoteNode(), err)
			continue
		}
		m.stat.Forwarded.Add(1)
	}
}

// announce sends every local subscription to t, inverted for the link.
func (m *Manager) announce(t *session.Transmitter) {
	pub, rcv := m.subs.LocalKeys()
	target := []int64{t.RemoteNode()}
	for _, key := range pub {
		if err := t.Subscribe(key, telegram.RoleSource, target); err != nil {
			m.log.Debugf("announce remote=%d key=%s err=%v", t.RemoteNode(), key, err)
		}
	}
	for _, key := range rcv {
		if err := t.Subscribe(key, telegram.RoleDrain, target); err != nil {
			m.log.Debugf("announce remote=%d key=%s err=%v", t.RemoteNode(), key, err)
		}
	}
}

func (m *Manager) HandleTSubscribe(t *session.Transmitter, x *telegram.TSubscribe) {
	outcome := telegram.OutcomeNotResponsible
	if len(x.Transmitter) == 0 || containsNode(x.Transmitter, m.node) {
		m.subs.AddLink(&LinkSubscription{Key: x.Key, Link: t, Role: x.Role})
		outcome = m.outcome(x.Key, x.Role)
	}
	m.log.Debugf("link remote=%d subscribe key=%s role=%s outcome=%s", t.RemoteNode(), x.Key, x.Role, outcome)
	if err := t.SendReceipt(x.Key, x.Role, outcome); err != nil {
		m.log.Debugf("link remote=%d receipt key=%s err=%v", t.RemoteNode(), x.Key, err)
	}
}

func (m *Manager) HandleTUnsubscribe(t *session.Transmitter, x *telegram.TUnsubscribe) {
	if !m.subs.RemoveLink(x.Key, t, x.Role, false) {
		m.log.Debugf("link remote=%d unsubscribe key=%s role=%s not subscribed", t.RemoteNode(), x.Key, x.Role)
	}
}

func (m *Manager) HandleReceipt(t *session.Transmitter, x *telegram.TReceipt) {
	m.log.Debugf("link remote=%d receipt key=%s role=%s code=%s", t.RemoteNode(), x.Key, x.Role, x.Code)
	m.subs.SetReceipt(x.Key, t, x.Role, x.Code)
}

func (m *Manager) HandleBestWay(t *session.Transmitter, x *telegram.TBestWayUpdate) {
	if m.routes.Update(t, x.Entries) {
		m.routesChanged(nil)
	}
}

// HandleListSubscriptions re-announces local subscriptions or passes the request towards node.
func (m *Manager) HandleListSubscriptions(t *session.Transmitter, x *telegram.TListSubscriptions) {
	if x.NodeID == 0 || x.NodeID == m.node {
		m.announce(t)
		return
	}
	link, ok := m.routes.BestLink(x.NodeID)
	if !ok || link == t {
		m.log.Debugf("list subscriptions node=%d no route", x.NodeID)
		return
	}
	if err := link.SendListSubscriptions(x.NodeID); err != nil {
		m.log.Debugf("list subscriptions node=%d remote=%d err=%v", x.NodeID, link.RemoteNode(), err)
	}
}

// HandleTData reassembles in the shared pipeline buffers, then delivers to local receivers.
func (m *Manager) HandleTData(t *session.Transmitter, x *telegram.TData) {
	set := m.pipe.Collect(&x.Data)
	if set == nil {
		return
	}
	m.deliver(set, nil, t)
}

func containsNode(list []int64, node int64) bool {
	for _, x := range list {
		if x == node {
			return true
		}
	}
	return false
}
