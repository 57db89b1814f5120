// Package codec implements the binary record serialisation used on the
// client wire. Records are sequences of big-endian integers, booleans and
// length-prefixed byte buffers with no alignment padding.
package codec

// Record is a value that can serialise itself to an encoder and rebuild
// itself from a decoder. Tag reports the record's wire tag, used for trace
// output only; it never appears on the wire.
type Record interface {
	Serialize(enc *Encoder) error
	Deserialize(dec *Decoder) error
	Tag() string
}
