package codec

import (
	"math"

	"github.com/lithdew/bytesutil"
)

// Length32 implements the header half of framelink.Codec with a 4-byte
// big-endian unsigned length. Lengths above math.MaxInt32 decode as
// negative so the connection rejects them.
type Length32 struct{}

// LengthWidth returns 4.
func (Length32) LengthWidth() int { return 4 }

// ReadLength decodes the length from b[:4].
func (Length32) ReadLength(b []byte) int {
	n := bytesutil.Uint32BE(b[:4])
	if n > math.MaxInt32 {
		return -1
	}
	return int(n)
}

// WriteLength encodes n into b[:4] in place.
func (Length32) WriteLength(b []byte, n int) {
	bytesutil.AppendUint32BE(b[:0:4], uint32(n))
}
