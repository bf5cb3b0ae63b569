package access

import (
	"fmt"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
)

var ErrNotSerializable = fmt.Errorf("value is not serializable")

// Value is the logical content of one complete data telegram set.
// Plugins either return the same pointer (unchanged) or a different one (modified).
type Value struct {
	Key        telegram.SubscriptionKey
	DataNumber int64
	DataTime   int64
	Fields     map[string]interface{}
}

// Clone returns modifiable shallow copy, plugins that change fields should start here.
func (v *Value) Clone() *Value {
	c := *v
	c.Fields = make(map[string]interface{}, len(v.Fields))
	for k, x := range v.Fields {
		c.Fields[k] = x
	}
	return &c
}

type Codec interface {
	Decode(header *telegram.Data, payload []byte) (*Value, error)
	Encode(*Value) ([]byte, error)
}

// CBORCodec encodes Value.Fields as CBOR map.
type CBORCodec struct{}

var _ Codec = CBORCodec{}

func (CBORCodec) Decode(header *telegram.Data, payload []byte) (*Value, error) {
	v := &Value{
		Key:        header.Key,
		DataNumber: header.DataNumber,
		DataTime:   header.DataTime,
	}
	if len(payload) == 0 {
		return v, nil
	}
	if err := cbor.Unmarshal(payload, &v.Fields); err != nil {
		return nil, errors.Annotatef(err, "decode key=%s", header.Key)
	}
	return v, nil
}

func (CBORCodec) Encode(v *Value) ([]byte, error) {
	if v.Fields == nil {
		return nil, nil
	}
	b, err := cbor.Marshal(v.Fields)
	if err != nil {
		return nil, errors.Annotatef(ErrNotSerializable, "key=%s cbor=%v", v.Key, err)
	}
	return b, nil
}
