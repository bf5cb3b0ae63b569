package telegram

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
)

var (
	ErrFrameInvalid     = fmt.Errorf("frame is invalid")
	ErrFrameLenOverflow = fmt.Errorf("frame is too large")
)

// Frame wraps CBOR encoded telegram with header
const (
	FrameMagic      = uint16(0xda03)
	FrameHeaderSize = 2 /*magic*/ + 4 /*length*/ + 1 /*kind*/

	DefaultReadLimit = 1 << 20
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic("code error cbor EncMode err=" + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("code error cbor DecMode err=" + err.Error())
	}
}

// FrameMarshal: magic | total length | kind | cbor(telegram)
func FrameMarshal(t Telegram) ([]byte, error) {
	if t == nil {
		return nil, errors.NotValidf("nil telegram")
	}
	body, err := encMode.Marshal(t)
	if err != nil {
		return nil, errors.Annotatef(err, "cbor marshal kind=%s", t.Kind())
	}
	flen := FrameHeaderSize + len(body)
	if uint64(flen) > uint64(^uint32(0)) {
		return nil, ErrFrameLenOverflow
	}
	b := make([]byte, FrameHeaderSize, flen)
	binary.BigEndian.PutUint16(b[0:], FrameMagic)
	binary.BigEndian.PutUint32(b[2:], uint32(flen))
	b[6] = byte(t.Kind())
	b = append(b, body...)
	return b, nil
}

func FrameUnmarshal(b []byte) (Telegram, error) {
	if len(b) < FrameHeaderSize {
		return nil, errors.Annotate(io.ErrUnexpectedEOF, "header")
	}
	frameLen, err := FrameDecode(b, 0)
	if err != nil {
		return nil, err
	}
	if int(frameLen) != len(b) {
		return nil, errors.Errorf("frame length declared=%d actual=%d", frameLen, len(b))
	}
	t, err := New(Kind(b[6]))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = decMode.Unmarshal(b[FrameHeaderSize:], t); err != nil {
		return nil, errors.Annotatef(err, "cbor unmarshal kind=%s", t.Kind())
	}
	return t, nil
}

// FrameDecode validates header, returns total frame length.
// max=0 means no limit.
func FrameDecode(header []byte, max uint32) (uint32, error) {
	if len(header) < FrameHeaderSize {
		return 0, errors.Annotate(io.ErrUnexpectedEOF, "header")
	}
	if magic := binary.BigEndian.Uint16(header[0:]); magic != FrameMagic {
		return 0, ErrFrameInvalid
	}
	frameLen := binary.BigEndian.Uint32(header[2:])
	if frameLen < FrameHeaderSize {
		return 0, errors.Errorf("frameLen=%d invalid", frameLen)
	}
	if max != 0 && frameLen > max {
		return 0, ErrFrameLenOverflow
	}
	return frameLen, nil
}

type Decoder struct {
	r   *bufio.Reader
	max uint32
}

func NewDecoder(r io.Reader, max uint32) *Decoder {
	d := &Decoder{}
	d.Attach(bufio.NewReader(r), max)
	return d
}

func (d *Decoder) Attach(r *bufio.Reader, max uint32) {
	if max == 0 {
		max = DefaultReadLimit
	}
	d.max = max
	d.r = r
}

func (d *Decoder) Read() (Telegram, error) {
	header, err := d.r.Peek(FrameHeaderSize)
	switch err {
	case nil:
	case io.EOF:
		if len(header) == 0 {
			return nil, err
		}
		return nil, errors.Annotate(io.ErrUnexpectedEOF, "header")
	default:
		return nil, errors.Annotate(err, "header")
	}

	frameLen, err := FrameDecode(header, d.max)
	if err != nil {
		return nil, errors.Annotate(err, "frame")
	}
	b := make([]byte, frameLen)
	if _, err = io.ReadFull(d.r, b); err != nil {
		return nil, errors.Annotate(err, "frame body")
	}
	return FrameUnmarshal(b)
}
