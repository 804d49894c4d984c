package dcm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the compression applied to each channel block
type Codec uint8

const (
	Uncompressed Codec = 0
	LZ4          Codec = 1
	Zstd         Codec = 2
	Snappy       Codec = 3
)

func (c Codec) String() string {
	switch c {
	case Uncompressed:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	default:
		return fmt.Sprintf("unknown codec (%d)", uint8(c))
	}
}

// ParseCodec returns the codec named `name` ("none", "lz4", "zstd" or "snappy")
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "uncompressed", "":
		return Uncompressed, nil
	case "lz4":
		return LZ4, nil
	case "zstd", "zstandard":
		return Zstd, nil
	case "snappy":
		return Snappy, nil
	}
	return Uncompressed, fmt.Errorf("unknown cache codec %q", name)
}

// zstd encoders and decoders are safe for concurrent use via EncodeAll / DecodeAll
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compress returns `data` encoded with `c`. Empty input is stored as-is.
func (c Codec) compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch c {
	case Uncompressed:
		return data, nil
	case LZ4:
		var compressor lz4.Compressor
		out := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := compressor.CompressBlock(data, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case Zstd:
		enc, _, err := zstdCoders()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	}
	return nil, fmt.Errorf("illegal codec (%s) during compression", c)
}

// decompress reverses `compress`; `rawLen` is the expected decoded size
func (c Codec) decompress(data []byte, rawLen int) ([]byte, error) {
	if rawLen == 0 {
		if len(data) != 0 {
			return nil, fmt.Errorf("%d bytes stored for an empty block", len(data))
		}
		return nil, nil
	}
	var out []byte
	switch c {
	case Uncompressed:
		out = data
	case LZ4:
		out = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, err
		}
		out = out[:n]
	case Zstd:
		_, dec, err := zstdCoders()
		if err != nil {
			return nil, err
		}
		if out, err = dec.DecodeAll(data, make([]byte, 0, rawLen)); err != nil {
			return nil, err
		}
	case Snappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, err
		}
		if n != rawLen {
			return nil, fmt.Errorf("block decodes to %d bytes, expected %d", n, rawLen)
		}
		if out, err = snappy.Decode(nil, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("illegal codec (%s) during decompression", c)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("block decodes to %d bytes, expected %d", len(out), rawLen)
	}
	return out, nil
}
