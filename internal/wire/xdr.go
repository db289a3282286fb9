package wire

import (
	"bytes"
	"fmt"

	"github.com/davecgh/go-xdr/xdr2"
)

// Encoder accumulates XDR-encoded fields into a growable buffer, reserving
// the first four bytes for the self-referential length prefix that every
// request and reply carries.
type Encoder struct {
	buf bytes.Buffer
	enc *xdr2.Encoder
}

// NewEncoder returns an Encoder with a 4-byte placeholder already written.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.enc = xdr2.NewEncoder(&e.buf)
	e.enc.EncodeUint(0) // placeholder, rewritten by Bytes
	return e
}

func (e *Encoder) PutU32(v uint32) *Encoder {
	e.enc.EncodeUint(v)
	return e
}

func (e *Encoder) PutI32(v int32) *Encoder {
	e.enc.EncodeInt(v)
	return e
}

func (e *Encoder) PutU64(v uint64) *Encoder {
	e.enc.EncodeUhyper(v)
	return e
}

func (e *Encoder) PutI64(v int64) *Encoder {
	e.enc.EncodeHyper(v)
	return e
}

func (e *Encoder) PutString(v string) *Encoder {
	e.enc.EncodeString(v)
	return e
}

// Bytes returns the finished buffer with the leading length field rewritten
// to the buffer's true size, matching write_packet's "pre-write placeholder,
// rewrite bytes 0..4" dance.
func (e *Encoder) Bytes() []byte {
	b := e.buf.Bytes()
	n := uint32(len(b))
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
	return b
}

// Decoder reads XDR-encoded fields off an already-received packet body (the
// caller trims the length prefix that ReadPacket returns before handing the
// body over).
type Decoder struct {
	dec *xdr2.Decoder
}

func NewDecoder(body []byte) *Decoder {
	return &Decoder{dec: xdr2.NewDecoder(bytes.NewReader(body))}
}

func (d *Decoder) U32() (uint32, error) {
	v, _, err := d.dec.DecodeUint()
	if err != nil {
		return 0, fmt.Errorf("decode u32: %w", err)
	}
	return v, nil
}

func (d *Decoder) I32() (int32, error) {
	v, _, err := d.dec.DecodeInt()
	if err != nil {
		return 0, fmt.Errorf("decode i32: %w", err)
	}
	return v, nil
}

func (d *Decoder) U64() (uint64, error) {
	v, _, err := d.dec.DecodeUhyper()
	if err != nil {
		return 0, fmt.Errorf("decode u64: %w", err)
	}
	return v, nil
}

func (d *Decoder) I64() (int64, error) {
	v, _, err := d.dec.DecodeHyper()
	if err != nil {
		return 0, fmt.Errorf("decode i64: %w", err)
	}
	return v, nil
}

func (d *Decoder) String() (string, error) {
	v, _, err := d.dec.DecodeString()
	if err != nil {
		return "", fmt.Errorf("decode string: %w", err)
	}
	return v, nil
}
