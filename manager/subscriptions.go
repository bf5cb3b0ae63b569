package manager

import (
	"sort"
	"sync"

	"github.com/256dpi/gomqtt/topic"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/session"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
)

type AppSubscription struct {
	Key     telegram.SubscriptionKey
	App     *session.App
	Role    telegram.Role
	Options telegram.SubscribeOptions
}

// LinkSubscription is a request over one link, from the remote node or (Own) from us.
// TransmitterSender: requester wants data. TransmitterReceiver: requester will send data.
type LinkSubscription struct {
	Key     telegram.SubscriptionKey
	Link    *session.Transmitter
	Role    telegram.TransmitterRole
	Own     bool
	Receipt telegram.ReceiptCode
}

// Subscriptions is a topic tree of *AppSubscription and *LinkSubscription keyed by SubscriptionKey.Topic().
type Subscriptions struct {
	mu   sync.Mutex
	tree *topic.Tree
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{tree: topic.NewStandardTree()}
}

// AddApp registers or replaces subscription of app with same role.
// first is true when this is the only local subscription on the same side (publisher or receiver).
func (s *Subscriptions) AddApp(sub *AppSubscription) (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := sub.Key.Topic()
	same := 0
	for _, v := range s.tree.Match(t) {
		x, ok := v.(*AppSubscription)
		if !ok {
			continue
		}
		if x.App == sub.App && x.Role == sub.Role {
			s.tree.Remove(t, x)
			continue
		}
		if x.Role.IsPublisher() == sub.Role.IsPublisher() {
			same++
		}
	}
	s.tree.Add(t, sub)
	return same == 0
}

// RemoveApp returns found and whether no local subscription on that side is left.
func (s *Subscriptions) RemoveApp(key telegram.SubscriptionKey, app *session.App, role telegram.Role) (found, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeAppLocked(key, app, role)
}

func (s *Subscriptions) removeAppLocked(key telegram.SubscriptionKey, app *session.App, role telegram.Role) (found, last bool) {
	t := key.Topic()
	same := 0
	for _, v := range s.tree.Match(t) {
		x, ok := v.(*AppSubscription)
		if !ok {
			continue
		}
		if x.App == app && x.Role == role {
			s.tree.Remove(t, x)
			found = true
			continue
		}
		if x.Role.IsPublisher() == role.IsPublisher() {
			same++
		}
	}
	return found, found && same == 0
}

// RemoveAppAll drops every subscription of app, returns those that were last on their side.
func (s *Subscriptions) RemoveAppAll(app *session.App) []AppSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mine []*AppSubscription
	for _, v := range s.tree.All() {
		if x, ok := v.(*AppSubscription); ok && x.App == app {
			mine = append(mine, x)
		}
	}
	var lasts []AppSubscription
	for _, x := range mine {
		if _, last := s.removeAppLocked(x.Key, x.App, x.Role); last {
			lasts = append(lasts, *x)
		}
	}
	return lasts
}

func (s *Subscriptions) AddLink(sub *LinkSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := sub.Key.Topic()
	for _, v := range s.tree.Match(t) {
		if x, ok := v.(*LinkSubscription); ok && x.Link == sub.Link && x.Role == sub.Role && x.Own == sub.Own {
			s.tree.Remove(t, x)
		}
	}
	s.tree.Add(t, sub)
}

func (s *Subscriptions) RemoveLink(key telegram.SubscriptionKey, link *session.Transmitter, role telegram.TransmitterRole, own bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := key.Topic()
	found := false
	for _, v := range s.tree.Match(t) {
		if x, ok := v.(*LinkSubscription); ok && x.Link == link && x.Role == role && x.Own == own {
			s.tree.Remove(t, x)
			found = true
		}
	}
	return found
}

func (s *Subscriptions) RemoveLinkAll(link *session.Transmitter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.tree.All() {
		if x, ok := v.(*LinkSubscription); ok && x.Link == link {
			s.tree.Remove(x.Key.Topic(), x)
			n++
		}
	}
	return n
}

// SetReceipt records remote answer on our own request sent over link.
func (s *Subscriptions) SetReceipt(key telegram.SubscriptionKey, link *session.Transmitter, role telegram.TransmitterRole, code telegram.ReceiptCode) {
	s.AddLink(&LinkSubscription{Key: key, Link: link, Role: role, Own: true, Receipt: code})
}

func (s *Subscriptions) Apps(key telegram.SubscriptionKey, publisher bool) []*AppSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AppSubscription
	for _, v := range s.tree.Match(key.Topic()) {
		if x, ok := v.(*AppSubscription); ok && x.Role.IsPublisher() == publisher {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].App.ID() < out[j].App.ID() })
	return out
}

// Links returns remote requests of role.
func (s *Subscriptions) Links(key telegram.SubscriptionKey, role telegram.TransmitterRole) []*LinkSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*LinkSubscription
	for _, v := range s.tree.Match(key.Topic()) {
		if x, ok := v.(*LinkSubscription); ok && x.Role == role && !x.Own {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Link.RemoteNode() < out[j].Link.RemoteNode() })
	return out
}

// Receipt of our own request sent over link, zero if none arrived.
func (s *Subscriptions) Receipt(key telegram.SubscriptionKey, link *session.Transmitter, role telegram.TransmitterRole) telegram.ReceiptCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.tree.Match(key.Topic()) {
		if x, ok := v.(*LinkSubscription); ok && x.Link == link && x.Role == role && x.Own {
			return x.Receipt
		}
	}
	return 0
}

func (s *Subscriptions) IsPublisher(key telegram.SubscriptionKey, app *session.App) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.tree.Match(key.Topic()) {
		if x, ok := v.(*AppSubscription); ok && x.App == app && x.Role.IsPublisher() {
			return true
		}
	}
	return false
}

// LocalKeys lists keys with local publishers and keys with local receivers.
func (s *Subscriptions) LocalKeys() (publish, receive []telegram.SubscriptionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub := make(map[telegram.SubscriptionKey]struct{})
	rcv := make(map[telegram.SubscriptionKey]struct{})
	for _, v := range s.tree.All() {
		if x, ok := v.(*AppSubscription); ok {
			if x.Role.IsPublisher() {
				pub[x.Key] = struct{}{}
			} else {
				rcv[x.Key] = struct{}{}
			}
		}
	}
	return sortedKeys(pub), sortedKeys(rcv)
}

func sortedKeys(m map[telegram.SubscriptionKey]struct{}) []telegram.SubscriptionKey {
	out := make([]telegram.SubscriptionKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ObjectID != b.ObjectID {
			return a.ObjectID < b.ObjectID
		}
		if a.UsageID != b.UsageID {
			return a.UsageID < b.UsageID
		}
		return a.Simulation < b.Simulation
	})
	return out
}
