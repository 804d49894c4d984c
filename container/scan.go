package container

import (
	"bytes"
	"io"

	"github.com/b71729/openmcd/core"
	"golang.org/x/text/encoding/unicode"
)

// scanChunkSize is the number of bytes read per step when scanning backwards for the metadata block
var scanChunkSize = 64 * 1024

var (
	startSentinel = utf16le("<MCDSchema")
	endSentinel   = utf16le("</MCDSchema>")
)

// utf16le encodes an ASCII string as UTF-16LE
func utf16le(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		out = append(out, s[i], 0x00)
	}
	return out
}

type scanState int

const (
	seekingEnd scanState = iota
	seekingStart
	validating
	finished
)

func (s scanState) String() string {
	switch s {
	case seekingEnd:
		return "seeking end sentinel"
	case seekingStart:
		return "seeking start sentinel"
	case validating:
		return "validating"
	default:
		return "finished"
	}
}

// sentinelScanner locates the UTF-16LE metadata block, which sits at the tail of
// the container after all binary segments, by walking backwards from the end of the source.
type sentinelScanner struct {
	r     io.ReaderAt
	size  int64
	state scanState

	// matches must begin before `limit`
	limit int64
	// next window ends at `hi`
	hi int64

	start int64
	end   int64
	buf   []byte
}

func newSentinelScanner(r io.ReaderAt, size int64) *sentinelScanner {
	overlap := len(endSentinel)
	return &sentinelScanner{
		r:     r,
		size:  size,
		state: seekingEnd,
		limit: size,
		hi:    size,
		start: -1,
		end:   -1,
		buf:   make([]byte, scanChunkSize+overlap),
	}
}

// window reads the next chunk preceding `hi`, extended by enough bytes to
// catch a sentinel straddling the previous chunk boundary.
func (s *sentinelScanner) window(sentinel []byte) (lo int64, data []byte, err error) {
	lo = s.hi - int64(scanChunkSize)
	if lo < 0 {
		lo = 0
	}
	readHi := s.hi + int64(len(sentinel)-1)
	if readHi > s.size {
		readHi = s.size
	}
	data = s.buf[:readHi-lo]
	if _, err = s.r.ReadAt(data, lo); err != nil && err != io.EOF {
		return lo, nil, err
	}
	return lo, data, nil
}

// find looks for the last occurrence of `sentinel` beginning before `limit`
func (s *sentinelScanner) find(sentinel []byte) (int64, error) {
	for s.hi > 0 {
		lo, data, err := s.window(sentinel)
		if err != nil {
			return -1, err
		}
		// never accept a match whose first byte lies at or beyond `limit`
		searchable := data
		if maxLen := s.limit - lo + int64(len(sentinel)) - 1; int64(len(searchable)) > maxLen {
			searchable = searchable[:maxLen]
		}
		if i := bytes.LastIndex(searchable, sentinel); i >= 0 {
			return lo + int64(i), nil
		}
		s.hi = lo
	}
	return -1, nil
}

// run advances the state machine until the block is found or the source is exhausted
func (s *sentinelScanner) run() error {
	for s.state != finished {
		switch s.state {
		case seekingEnd:
			pos, err := s.find(endSentinel)
			if err != nil {
				return err
			}
			if pos < 0 {
				return core.FormatErrorf("metadata end marker </MCDSchema> not found in %d bytes", s.size)
			}
			s.end = pos + int64(len(endSentinel))
			s.limit = pos
			s.hi = pos
			s.state = seekingStart
		case seekingStart:
			pos, err := s.find(startSentinel)
			if err != nil {
				return err
			}
			if pos < 0 {
				return core.FormatErrorAt(s.end, -1, -1, "metadata start marker <MCDSchema not found before end marker")
			}
			s.start = pos
			s.state = validating
		case validating:
			if s.start >= s.end || s.end > s.size {
				return core.FormatErrorAt(s.start, s.size, s.end, "metadata block bounds are inconsistent")
			}
			if (s.end-s.start)%2 != 0 {
				return core.FormatErrorAt(s.start, 0, (s.end-s.start)%2, "metadata block is not UTF-16 aligned")
			}
			s.state = finished
		}
	}
	return nil
}

// decodeUTF16LE converts the raw metadata block to UTF-8
func decodeUTF16LE(raw []byte) ([]byte, error) {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	return decoder.Bytes(raw)
}
