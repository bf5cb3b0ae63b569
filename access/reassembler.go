package access

import (
	"sync"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
)

// Reassembler collects fragments per SubscriptionKey until the last one arrives.
// Fragments must arrive in index order; at most one open buffer per key.
// Abandoned buffers are kept until a new first fragment for the same key replaces them.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[telegram.SubscriptionKey][]*telegram.Data
	log     *log2.Log
	opened  uint64
}

func NewReassembler(log *log2.Log) *Reassembler {
	return &Reassembler{
		buffers: make(map[telegram.SubscriptionKey][]*telegram.Data),
		log:     log,
	}
}

// Add returns complete fragment set in index order, or nil while incomplete.
// Unsplit telegram is returned as is without touching buffers.
// Fragments with invalid or out of sequence Index/Total are dropped.
func (r *Reassembler) Add(d *telegram.Data) []*telegram.Data {
	if !d.ValidFragment() {
		r.log.Warningf("reassembly key=%s fragment index=%d total=%d invalid, dropped", d.Key, d.Index, d.Total)
		return nil
	}
	if !d.IsSplit() {
		return []*telegram.Data{d}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Index == 0 {
		if stale, ok := r.buffers[d.Key]; ok {
			r.log.Debugf("reassembly key=%s restart, stale fragments=%d", d.Key, len(stale))
		}
		r.buffers[d.Key] = []*telegram.Data{d}
		r.opened++
		return nil
	}

	buf, ok := r.buffers[d.Key]
	if !ok {
		r.log.Warningf("reassembly key=%s fragment %d/%d without first fragment, dropped", d.Key, d.Index+1, d.Total)
		return nil
	}
	if int(d.Index) != len(buf) || d.Total != buf[0].Total {
		r.log.Warningf("reassembly key=%s fragment %d/%d out of sequence, expected %d/%d, dropped",
			d.Key, d.Index+1, d.Total, len(buf)+1, buf[0].Total)
		return nil
	}
	buf = append(buf, d)
	if !d.IsLast() {
		r.buffers[d.Key] = buf
		return nil
	}
	delete(r.buffers, d.Key)
	return buf
}

// Pending returns number of open buffers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// Opened returns number of buffers ever opened.
func (r *Reassembler) Opened() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}
