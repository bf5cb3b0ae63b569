// Package access runs complete data values through access control plugins.
//
// Values may arrive split into fragments; the pipeline reassembles them,
// presents the logical value to every plugin registered for its
// attribute group usage and re-fragments only when a plugin changed it.
package access

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/juju/errors"
)

// ErrDrop returned by Plugin.Filter vetoes delivery of the value.
var ErrDrop = fmt.Errorf("drop")

type Plugin interface {
	// Attribute group usages this plugin filters.
	Usages() []int64
	// Return same value pointer or nil to pass unchanged, another pointer to replace, ErrDrop to veto.
	Filter(userID int64, key telegram.SubscriptionKey, v *Value) (*Value, error)
}

type Options struct {
	Log   *log2.Log
	Codec Codec
	// payload bytes per re-encoded fragment
	FragmentLimit int
}

type Stat struct {
	Passed   expvar.Int
	Modified expvar.Int
	Dropped  expvar.Int
	Failed   expvar.Int
}

type Pipeline struct {
	codec Codec
	limit int
	log   *log2.Log
	re    *Reassembler
	stat  Stat

	plugins struct {
		sync.RWMutex
		list    []Plugin
		byUsage map[int64][]Plugin
	}
}

func NewPipeline(opt Options) *Pipeline {
	if opt.Codec == nil {
		opt.Codec = CBORCodec{}
	}
	if opt.FragmentLimit == 0 {
		opt.FragmentLimit = telegram.DefaultFragmentLimit
	}
	p := &Pipeline{
		codec: opt.Codec,
		limit: opt.FragmentLimit,
		log:   opt.Log,
		re:    NewReassembler(opt.Log),
	}
	p.plugins.byUsage = make(map[int64][]Plugin)
	return p
}

// Register appends plugin to the chain of every usage it declares.
func (p *Pipeline) Register(pl Plugin) {
	p.plugins.Lock()
	defer p.plugins.Unlock()
	p.plugins.list = append(p.plugins.list, pl)
	for _, usage := range pl.Usages() {
		p.plugins.byUsage[usage] = append(p.plugins.byUsage[usage], pl)
	}
	p.log.Debugf("access plugin=%T usages=%v", pl, pl.Usages())
}

// Chain returns plugins for usage in registration order.
func (p *Pipeline) Chain(usage int64) []Plugin {
	p.plugins.RLock()
	defer p.plugins.RUnlock()
	chain := p.plugins.byUsage[usage]
	out := make([]Plugin, len(chain))
	copy(out, chain)
	return out
}

func (p *Pipeline) Reassembler() *Reassembler { return p.re }
func (p *Pipeline) Stat() *Stat               { return &p.stat }

// Collect accepts one fragment (or whole value) from a link and returns
// the complete fragment set, nil while incomplete or after an anomaly.
// The set then goes through Filter once per receiving user.
func (p *Pipeline) Collect(d *telegram.Data) []*telegram.Data { return p.re.Add(d) }

// Filter runs complete fragment set through the chain for its usage.
// Unchanged value is forwarded as the original telegrams.
// Error is fatal for this delivery only.
func (p *Pipeline) Filter(userID int64, set []*telegram.Data) ([]*telegram.Data, error) {
	if len(set) == 0 {
		return nil, nil
	}
	head := set[0]
	chain := p.Chain(head.Key.UsageID)
	if len(chain) == 0 {
		p.stat.Passed.Add(1)
		return set, nil
	}

	payload, err := telegram.Join(set)
	if err != nil {
		p.stat.Failed.Add(1)
		return nil, errors.Annotate(err, "access join")
	}
	orig, err := p.codec.Decode(head, payload)
	if err != nil {
		p.stat.Failed.Add(1)
		return nil, errors.Annotate(err, "access decode")
	}

	v := orig
	for _, pl := range chain {
		next, err := pl.Filter(userID, head.Key, v)
		if err == ErrDrop {
			p.log.Debugf("access drop key=%s user=%d plugin=%T", head.Key, userID, pl)
			p.stat.Dropped.Add(1)
			return nil, nil
		}
		if err != nil {
			p.stat.Failed.Add(1)
			return nil, errors.Annotatef(err, "access plugin=%T key=%s", pl, head.Key)
		}
		if next != nil {
			v = next
		}
	}
	if v == orig {
		p.stat.Passed.Add(1)
		return set, nil
	}

	b, err := p.codec.Encode(v)
	if err != nil {
		p.stat.Failed.Add(1)
		p.log.Errorf("access encode key=%s user=%d err=%v", head.Key, userID, err)
		return nil, errors.Trace(err)
	}
	p.stat.Modified.Add(1)
	return telegram.Split(head, b, p.limit), nil
}
