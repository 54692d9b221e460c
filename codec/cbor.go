package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/Zereker/framelink"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): the same value
// always produces the same bytes.
var encMode cbor.EncMode

// decMode decodes any-typed values into map[string]any and ignores unknown
// fields.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR encodes values as CBOR and decodes every frame into a T.
// Use CBOR[any] to decode into generic maps and slices.
type CBOR[T any] struct {
	Length32
}

func (CBOR[T]) Encode(_ *framelink.Conn, w io.Writer, v any) error {
	return encMode.NewEncoder(w).Encode(v)
}

func (CBOR[T]) Decode(_ *framelink.Conn, r io.Reader) (any, error) {
	var v T
	if err := decMode.NewDecoder(r).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
