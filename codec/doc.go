// Package codec provides framelink codecs.
//
// All codecs here use Length32, a 4-byte big-endian body length header.
// Raw carries byte slices unchanged, CBOR carries typed values using Core
// Deterministic Encoding, and Compress wraps any codec to compress frame
// bodies with zstd or LZ4.
package codec
