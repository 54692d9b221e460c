package framelink

import "io"

// Codec converts objects to and from frame bodies and owns the frame header.
//
// A frame on the wire is a length header of LengthWidth bytes followed by
// exactly that many body bytes. The header carries no magic number or
// version, so both peers must agree on the codec.
//
// Encode and Decode are never called concurrently for the same Conn on the
// write side; Decode is only called from the goroutine driving ReadObject.
type Codec interface {
	// LengthWidth returns the width of the length header in bytes.
	LengthWidth() int
	// ReadLength decodes a body length from the first LengthWidth bytes of b.
	ReadLength(b []byte) int
	// WriteLength encodes n into the first LengthWidth bytes of b.
	WriteLength(b []byte, n int)
	// Encode writes v to w.
	Encode(c *Conn, w io.Writer, v any) error
	// Decode reads one object from r. The reader is limited to exactly one
	// frame body; the codec must not retain its bytes after returning.
	Decode(c *Conn, r io.Reader) (any, error)
}
