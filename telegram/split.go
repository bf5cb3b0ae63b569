package telegram

import (
	"bytes"

	"github.com/juju/errors"
)

const (
	// DefaultFragmentLimit is payload bytes per data fragment.
	DefaultFragmentLimit = 32 << 10
	// MaxFragments bounds Total of a received fragment set.
	MaxFragments = 1 << 16
)

// Split cuts payload into fragments carrying header fields of proto.
// Empty payload still yields one fragment.
func Split(proto *Data, payload []byte, limit int) []*Data {
	if limit <= 0 {
		limit = DefaultFragmentLimit
	}
	total := (len(payload) + limit - 1) / limit
	if total == 0 {
		total = 1
	}
	out := make([]*Data, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * limit
		if end > len(payload) {
			end = len(payload)
		}
		d := &Data{
			Key:        proto.Key,
			DataNumber: proto.DataNumber,
			DataTime:   proto.DataTime,
			Index:      int32(i),
			Total:      int32(total),
			Payload:    payload[i*limit : end],
		}
		out[i] = d
	}
	return out
}

// Join concatenates payloads of a complete in-order fragment set.
func Join(fragments []*Data) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, errors.NotValidf("empty fragment set")
	}
	total := fragments[0].Total
	if int(total) != len(fragments) {
		return nil, errors.Errorf("fragment set incomplete key=%s have=%d total=%d", fragments[0].Key, len(fragments), total)
	}
	n := 0
	for i, f := range fragments {
		if f.Index != int32(i) || f.Total != total || f.Key != fragments[0].Key {
			return nil, errors.Errorf("fragment set out of order key=%s at=%d index=%d", fragments[0].Key, i, f.Index)
		}
		n += len(f.Payload)
	}
	var buf bytes.Buffer
	buf.Grow(n)
	for _, f := range fragments {
		buf.Write(f.Payload)
	}
	return buf.Bytes(), nil
}

// ValidFragment checks Index and Total received from a peer.
func (d *Data) ValidFragment() bool {
	return d.Total >= 1 && d.Total <= MaxFragments && d.Index >= 0 && d.Index < d.Total
}

// IsLast reports whether fragment completes its value.
func (d *Data) IsLast() bool { return d.Index+1 == d.Total }

// IsSplit reports whether value spans more than one fragment.
func (d *Data) IsSplit() bool { return d.Total > 1 }
