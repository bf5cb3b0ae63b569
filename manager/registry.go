package manager

import (
	"sort"
	"sync"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/session"
)

// registry indexes live sessions. Removal only deletes an entry that still
// points at the removed session, so a newer session bound to the same key survives.
type registry struct {
	mu    sync.RWMutex
	all   map[string]session.Session
	apps  map[int64]*session.App
	links map[int64]*session.Transmitter
}

func newRegistry() *registry {
	return &registry{
		all:   make(map[string]session.Session),
		apps:  make(map[int64]*session.App),
		links: make(map[int64]*session.Transmitter),
	}
}

func (r *registry) add(s session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all[s.ID()] = s
	if a, ok := s.(*session.App); ok {
		r.apps[a.Identity().AppID] = a
	}
}

// claim binds t to remote unless a live accepted link holds it.
func (r *registry) claim(remote int64, t *session.Transmitter) *session.Transmitter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.links[remote]; ok && existing != t && !existing.Closed() && existing.Accepting() {
		return existing
	}
	r.links[remote] = t
	return nil
}

// remove returns true if s was the bound link for its remote node.
func (r *registry) remove(s session.Session) (boundLink bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.all[s.ID()] == s {
		delete(r.all, s.ID())
	}
	switch x := s.(type) {
	case *session.App:
		id := x.Identity().AppID
		if r.apps[id] == x {
			delete(r.apps, id)
		}
	case *session.Transmitter:
		remote := x.RemoteNode()
		if r.links[remote] == x {
			delete(r.links, remote)
			return true
		}
	}
	return false
}

func (r *registry) app(id int64) *session.App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.apps[id]
}

func (r *registry) link(remote int64) *session.Transmitter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[remote]
}

// operationalLinks in remote node order.
func (r *registry) operationalLinks() []*session.Transmitter {
	r.mu.RLock()
	ts := make([]*session.Transmitter, 0, len(r.links))
	for _, t := range r.links {
		if t.State() == session.TransmitterOperational {
			ts = append(ts, t)
		}
	}
	r.mu.RUnlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].RemoteNode() < ts[j].RemoteNode() })
	return ts
}

func (r *registry) sessions() []session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ss := make([]session.Session, 0, len(r.all))
	for _, s := range r.all {
		ss = append(ss, s)
	}
	return ss
}

func (r *registry) counts() (apps, links int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps), len(r.links)
}
