package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Encoder writes record primitives to an in-memory buffer.
//
// Wire format rules:
//   - int32/int64: big-endian
//   - bool: single byte, 0 or 1
//   - buffer: int32 length followed by the raw bytes; a nil buffer is
//     encoded as length -1
//   - string: int32 length followed by UTF-8 bytes (never -1; an empty
//     string has length 0)
type Encoder struct {
	buf *bytes.Buffer
}

// NewEncoder creates an Encoder writing into buf.
func NewEncoder(buf *bytes.Buffer) *Encoder {
	return &Encoder{buf: buf}
}

func (e *Encoder) WriteInt(v int32) error {
	return binary.Write(e.buf, binary.BigEndian, v)
}

func (e *Encoder) WriteLong(v int64) error {
	return binary.Write(e.buf, binary.BigEndian, v)
}

func (e *Encoder) WriteBool(v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return e.buf.WriteByte(b)
}

// WriteBuffer writes a length-prefixed byte buffer. nil encodes as -1.
func (e *Encoder) WriteBuffer(b []byte) error {
	if b == nil {
		return e.WriteInt(-1)
	}
	if err := e.WriteInt(int32(len(b))); err != nil {
		return err
	}
	_, err := e.buf.Write(b)
	return err
}

func (e *Encoder) WriteString(s string) error {
	if err := e.WriteInt(int32(len(s))); err != nil {
		return err
	}
	_, err := e.buf.WriteString(s)
	return err
}

// WriteVector writes an int32 count followed by each string.
func (e *Encoder) WriteVector(v []string) error {
	if err := e.WriteInt(int32(len(v))); err != nil {
		return err
	}
	for _, s := range v {
		if err := e.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteRecord serialises a nested record in place.
func (e *Encoder) WriteRecord(r Record) error {
	if err := r.Serialize(e); err != nil {
		return fmt.Errorf("serialize %s: %w", r.Tag(), err)
	}
	return nil
}

// EncodeFramed serialises header and an optional body record into a single
// length-prefixed frame. The length prefix is written as a 4-byte
// placeholder first and overwritten with the measured body length once the
// body is known, so no pre-pass size computation is needed.
func EncodeFramed(header Record, body Record) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write([]byte{0, 0, 0, 0})

	enc := NewEncoder(buf)
	if err := enc.WriteRecord(header); err != nil {
		return nil, err
	}
	if body != nil {
		if err := enc.WriteRecord(body); err != nil {
			return nil, err
		}
	}

	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:4], uint32(len(out)-4))
	return out, nil
}
