package codec

import (
	"io"

	"github.com/pkg/errors"

	"github.com/Zereker/framelink"
)

// Raw sends []byte and string payloads as they are and decodes every frame
// into a fresh []byte.
type Raw struct {
	Length32
}

var _ framelink.Codec = Raw{}

func (Raw) Encode(_ *framelink.Conn, w io.Writer, v any) error {
	var err error
	switch p := v.(type) {
	case []byte:
		_, err = w.Write(p)
	case string:
		_, err = io.WriteString(w, p)
	default:
		return errors.Errorf("raw codec: unsupported payload %T", v)
	}
	return err
}

func (Raw) Decode(_ *framelink.Conn, r io.Reader) (any, error) {
	return io.ReadAll(r)
}
