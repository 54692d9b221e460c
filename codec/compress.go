package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/Zereker/framelink"
)

// Algorithm selects the body compression of Compress.
type Algorithm uint8

const (
	None Algorithm = iota
	Zstd
	LZ4
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	}
	return fmt.Sprintf("Algorithm(%d)", uint8(a))
}

// ParseAlgorithm maps a configuration name to an Algorithm.
// The empty string means None.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	}
	return None, errors.Errorf("codec: unknown compression %q", name)
}

// DefaultMaxDecodedSize bounds a decompressed body unless MaxDecodedSize
// says otherwise. It matches the default frame size limit of framelink.
const DefaultMaxDecodedSize = 8 * 1024 * 1024

// ErrDecodedTooLarge is returned by Decode when a body decompresses past
// the configured limit.
var ErrDecodedTooLarge = errors.New("codec: decompressed body too large")

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdErr  error
)

// zstdEncoder returns the shared encoder. EncodeAll is safe for concurrent
// use.
func zstdEncoder() (*zstd.Encoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return zstdEnc, zstdErr
}

var (
	lz4Writers = sync.Pool{New: func() any { return lz4.NewWriter(nil) }}
	lz4Readers = sync.Pool{New: func() any { return lz4.NewReader(nil) }}
)

// CompressOption configures Compress.
type CompressOption func(*compressed)

// MaxDecodedSize bounds the size of a decompressed body. Bodies that
// expand past it fail to decode with ErrDecodedTooLarge. Values <= 0 select
// DefaultMaxDecodedSize.
func MaxDecodedSize(n int) CompressOption {
	return func(c *compressed) {
		c.maxDecoded = n
	}
}

// Compress returns a codec that compresses the bodies produced by inner.
// The length header is still inner's and covers the compressed body.
// None returns inner unchanged.
func Compress(inner framelink.Codec, alg Algorithm, opts ...CompressOption) (framelink.Codec, error) {
	c := &compressed{Codec: inner, alg: alg}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxDecoded <= 0 {
		c.maxDecoded = DefaultMaxDecodedSize
	}

	switch alg {
	case None:
		return inner, nil
	case Zstd:
		if _, err := zstdEncoder(); err != nil {
			return nil, errors.Wrap(err, "codec: zstd")
		}
		// Each codec owns its decoder so the memory limit is per codec.
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(c.maxDecoded)),
		)
		if err != nil {
			return nil, errors.Wrap(err, "codec: zstd")
		}
		c.zstdDec = dec
	case LZ4:
	default:
		return nil, errors.Errorf("codec: unsupported compression %s", alg)
	}
	return c, nil
}

type compressed struct {
	framelink.Codec
	alg        Algorithm
	maxDecoded int
	zstdDec    *zstd.Decoder
}

func (c *compressed) Encode(conn *framelink.Conn, w io.Writer, v any) error {
	switch c.alg {
	case Zstd:
		src := bytebufferpool.Get()
		defer bytebufferpool.Put(src)
		if err := c.Codec.Encode(conn, src, v); err != nil {
			return err
		}

		enc, _ := zstdEncoder()
		dst := bytebufferpool.Get()
		defer bytebufferpool.Put(dst)
		dst.B = enc.EncodeAll(src.B, dst.B[:0])
		_, err := w.Write(dst.B)
		return err

	default:
		zw := lz4Writers.Get().(*lz4.Writer)
		defer lz4Writers.Put(zw)
		zw.Reset(w)
		if err := c.Codec.Encode(conn, zw, v); err != nil {
			return err
		}
		return zw.Close()
	}
}

func (c *compressed) Decode(conn *framelink.Conn, r io.Reader) (any, error) {
	switch c.alg {
	case Zstd:
		src := bytebufferpool.Get()
		defer bytebufferpool.Put(src)
		if _, err := src.ReadFrom(r); err != nil {
			return nil, err
		}

		dst := bytebufferpool.Get()
		defer bytebufferpool.Put(dst)
		out, err := c.zstdDec.DecodeAll(src.B, dst.B[:0])
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || len(out) > c.maxDecoded {
			return nil, errors.WithMessagef(ErrDecodedTooLarge, "limit %d", c.maxDecoded)
		}
		if err != nil {
			return nil, err
		}
		dst.B = out
		return c.Codec.Decode(conn, bytes.NewReader(out))

	default:
		zr := lz4Readers.Get().(*lz4.Reader)
		defer lz4Readers.Put(zr)
		zr.Reset(r)
		return c.Codec.Decode(conn, &limitedReader{r: zr, left: int64(c.maxDecoded), max: int64(c.maxDecoded)})
	}
}

// limitedReader is io.LimitReader that fails with ErrDecodedTooLarge
// instead of reporting EOF when the source has more to give.
type limitedReader struct {
	r    io.Reader
	left int64
	max  int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.left <= 0 {
		// One byte tells a body of exactly the limit from a larger one.
		var b [1]byte
		n, err := io.ReadFull(l.r, b[:])
		if n > 0 {
			return 0, errors.WithMessagef(ErrDecodedTooLarge, "limit %d", l.max)
		}
		return 0, err
	}

	if int64(len(p)) > l.left {
		p = p[:l.left]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	return n, err
}
