package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxBuffer bounds any single length-prefixed buffer or string read by a
// Decoder. It matches the maximum frame size accepted by the front-end.
const MaxBuffer = 1024 * 1024

// Decoder reads record primitives from a stream.
type Decoder struct {
	r io.Reader
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

func (d *Decoder) ReadInt() (int32, error) {
	var v int32
	if err := binary.Read(d.r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (d *Decoder) ReadLong() (int64, error) {
	var v int64
	if err := binary.Read(d.r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (d *Decoder) ReadBool() (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadBuffer reads a length-prefixed byte buffer. A -1 length yields nil.
func (d *Decoder) ReadBuffer() ([]byte, error) {
	n, err := d.ReadInt()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if n < 0 || n > MaxBuffer {
		return nil, fmt.Errorf("buffer length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBuffer()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadVector reads an int32 count followed by that many strings.
func (d *Decoder) ReadVector() ([]string, error) {
	n, err := d.ReadInt()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > MaxBuffer/4 {
		return nil, fmt.Errorf("vector length %d out of range", n)
	}
	v := make([]string, 0, n)
	for range n {
		s, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		v = append(v, s)
	}
	return v, nil
}

// ReadRecord deserialises a nested record in place.
func (d *Decoder) ReadRecord(r Record) error {
	if err := r.Deserialize(d); err != nil {
		return fmt.Errorf("deserialize %s: %w", r.Tag(), err)
	}
	return nil
}
