package manager

import (
	"sort"
	"sync"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
)

// MaxWeight bounds route weights; longer routes are unreachable.
const MaxWeight = 1 << 16

// Link is a neighbour as seen by routing, implemented by *session.Transmitter.
type Link interface {
	RemoteNode() int64
	Weight() int32
	SendBestWay([]telegram.BestWay) error
	SendListSubscriptions(node int64) error
}

type Route struct {
	Node   int64
	Weight int32
	Link   Link
}

// RoutingTable keeps best link per remote node from advertisements of every operational link.
// Weight of a route is link weight plus weight advertised over that link.
type RoutingTable struct {
	mu      sync.RWMutex
	local   int64
	adverts map[Link]map[int64]int32
	routes  map[int64]Route
}

func NewRoutingTable(local int64) *RoutingTable {
	return &RoutingTable{
		local:   local,
		adverts: make(map[Link]map[int64]int32),
		routes:  make(map[int64]Route),
	}
}

// LinkUp adds direct route to the remote node of t.
func (rt *RoutingTable) LinkUp(t Link) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.adverts[t] = map[int64]int32{t.RemoteNode(): 0}
	return rt.recomputeLocked()
}

func (rt *RoutingTable) LinkDown(t Link) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.adverts[t]; !ok {
		return false
	}
	delete(rt.adverts, t)
	return rt.recomputeLocked()
}

// Update replaces everything t advertised. Negative weight withdraws a node.
// Returns true if any best route changed.
func (rt *RoutingTable) Update(t Link, entries []telegram.BestWay) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.adverts[t]; !ok {
		return false
	}
	adv := make(map[int64]int32, len(entries)+1)
	for _, e := range entries {
		if e.NodeID == rt.local || e.Weight < 0 {
			continue
		}
		adv[e.NodeID] = e.Weight
	}
	adv[t.RemoteNode()] = 0
	rt.adverts[t] = adv
	return rt.recomputeLocked()
}

func (rt *RoutingTable) recomputeLocked() bool {
	next := make(map[int64]Route, len(rt.routes))
	for t, adv := range rt.adverts {
		linkWeight := int64(t.Weight())
		for node, w := range adv {
			total := linkWeight + int64(w)
			if total >= MaxWeight {
				continue
			}
			r, ok := next[node]
			// ties go to lower remote node id, so result does not depend on map order
			if !ok || int32(total) < r.Weight ||
				(int32(total) == r.Weight && t.RemoteNode() < r.Link.RemoteNode()) {
				next[node] = Route{Node: node, Weight: int32(total), Link: t}
			}
		}
	}
	changed := len(next) != len(rt.routes)
	if !changed {
		for node, r := range next {
			if old, ok := rt.routes[node]; !ok || old != r {
				changed = true
				break
			}
		}
	}
	rt.routes = next
	return changed
}

func (rt *RoutingTable) BestLink(node int64) (Link, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	r, ok := rt.routes[node]
	return r.Link, ok
}

func (rt *RoutingTable) Routes() []Route {
	rt.mu.RLock()
	rs := make([]Route, 0, len(rt.routes))
	for _, r := range rt.routes {
		rs = append(rs, r)
	}
	rt.mu.RUnlock()
	sort.Slice(rs, func(i, j int) bool { return rs[i].Node < rs[j].Node })
	return rs
}

// Advert is what to tell peer: local node and every route not learned through peer.
func (rt *RoutingTable) Advert(peer Link) []telegram.BestWay {
	rs := rt.Routes()
	out := make([]telegram.BestWay, 0, len(rs)+1)
	out = append(out, telegram.BestWay{NodeID: rt.local, Weight: 0})
	for _, r := range rs {
		if r.Link == peer {
			continue
		}
		out = append(out, telegram.BestWay{NodeID: r.Node, Weight: r.Weight})
	}
	return out
}
