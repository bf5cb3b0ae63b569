package telegram

import (
	"bytes"
	"io"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameStream(t *testing.T) {
	t.Parallel()

	key := SubscriptionKey{ObjectID: 100, UsageID: 7, Simulation: 0}
	input := []Telegram{
		&VersionRequest{Versions: []int32{3, 2}},
		&AuthAnswer{Success: true, UserID: 12, ApplicationID: 5, AuthorityID: 1, NodeID: 9},
		&ComParametersRequest{ComParameters{KeepAliveSendTimeout: 5000, KeepAliveReceiveTimeout: 6000, CacheThresholdPercent: 20}},
		&Data{Key: key, DataNumber: 44, Index: 1, Total: 3, Payload: []byte("chunk")},
		&TData{Data: Data{Key: key, Index: 0, Total: 1, Payload: []byte{1}}, Via: 3},
		&TBestWayUpdate{Entries: []BestWay{{NodeID: 2, Weight: 10}}},
		&KeepAlive{},
	}
	var buf bytes.Buffer
	for _, tel := range input {
		b, err := FrameMarshal(tel)
		require.NoError(t, err)
		buf.Write(b)
	}

	dec := NewDecoder(&buf, 0)
	for _, expect := range input {
		tel, err := dec.Read()
		require.NoError(t, err)
		assert.Equal(t, expect.Kind(), tel.Kind())
		assert.Equal(t, expect, tel)
	}
	_, err := dec.Read()
	assert.Equal(t, io.EOF, err)
}

func TestFrameInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  []byte
		max    uint32
		expect string
	}{
		{"magic", []byte{0, 0, 0, 0, 0, 7, 1}, 0, "frame: frame is invalid"},
		{"short", []byte{0xda, 0x03, 0}, 0, "header: unexpected EOF"},
		{"overflow", []byte{0xda, 0x03, 0, 0, 0x10, 0, byte(KindKeepAlive)}, 100, "frame: frame is too large"},
		{"kind", []byte{0xda, 0x03, 0, 0, 0, 8, 200, 0xa0}, 0, "unknown telegram kind=200"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewDecoder(bytes.NewReader(c.input), c.max).Read()
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expect)
		})
	}
}

func TestSplitJoin(t *testing.T) {
	t.Parallel()

	proto := &Data{Key: SubscriptionKey{ObjectID: 1, UsageID: 2}, DataNumber: 3}
	payload := []byte("0123456789")
	cases := []struct {
		limit int
		total int
	}{{3, 4}, {5, 2}, {10, 1}, {100, 1}}
	for _, c := range cases {
		fs := Split(proto, payload, c.limit)
		require.Len(t, fs, c.total)
		for i, f := range fs {
			assert.Equal(t, int32(i), f.Index)
			assert.Equal(t, int32(c.total), f.Total)
			assert.Equal(t, proto.Key, f.Key)
			assert.Equal(t, i == c.total-1, f.IsLast())
		}
		joined, err := Join(fs)
		require.NoError(t, err)
		assert.Equal(t, payload, joined)
	}

	empty := Split(proto, nil, 0)
	require.Len(t, empty, 1)
	assert.False(t, empty[0].IsSplit())

	fs := Split(proto, payload, 3)
	_, err := Join(fs[:2])
	assert.Error(t, err)
	fs[1], fs[2] = fs[2], fs[1]
	_, err = Join(fs)
	assert.Error(t, err)
	_, err = Join(nil)
	assert.True(t, errors.IsNotValid(err))
}

func TestReceiptFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		outcome DeliveryOutcome
		expect  ReceiptCode
	}{
		{OutcomeOK, ReceiptPositive},
		{OutcomeNotResponsible, ReceiptNegative},
		{OutcomeNotAllowed, ReceiptPositiveNoRight},
		{OutcomeMultiple, ReceiptMultiplePositive},
	}
	for _, c := range cases {
		code, err := ReceiptFor(c.outcome)
		require.NoError(t, err, c.outcome.String())
		assert.Equal(t, c.expect, code, c.outcome.String())
	}
	_, err := ReceiptFor(0)
	assert.Error(t, err)
}

func TestTransmitterRoleFor(t *testing.T) {
	t.Parallel()

	r, err := TransmitterRoleFor(RoleSource)
	require.NoError(t, err)
	assert.Equal(t, TransmitterReceiver, r)
	r, err = TransmitterRoleFor(RoleDrain)
	require.NoError(t, err)
	assert.Equal(t, TransmitterSender, r)
	_, err = TransmitterRoleFor(0)
	assert.Error(t, err)
}

func TestKindNames(t *testing.T) {
	t.Parallel()

	for k := KindInvalid + 1; k < kindLimit; k++ {
		tel, err := New(k)
		require.NoError(t, err, k.String())
		assert.Equal(t, k, tel.Kind())
		assert.NotEmpty(t, k.String())
	}
	assert.Equal(t, "kind(250)", Kind(250).String())
}
