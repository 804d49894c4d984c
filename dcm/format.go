package dcm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/b71729/openmcd/common"
	"github.com/blang/semver"
)

/*
===============================================================================
    On-disk layout
===============================================================================
*/

// Magic prefixes every cache file
var Magic = [8]byte{'M', 'C', 'D', 'C', 'A', 'C', 'H', 'E'}

// FormatVersion is the version written into new cache files.
// Files whose major version differs are treated as stale.
var FormatVersion = semver.MustParse(common.CacheFormatVersion)

const (
	indexEntrySize = 4 + 8
	blockEntrySize = 4 * 8
	// id, width, height, channel count, valid pixels, then the mask block
	tableFixedSize = 5*4 + blockEntrySize
)

// block locates one compressed channel within the cache file
type block struct {
	Offset        uint64
	CompressedLen uint64
	RawLen        uint64
	Checksum      uint64
}

// table describes one cached acquisition.
// `Mask` holds a bitmap of the recorded pixels; it is empty when every pixel was recorded.
type table struct {
	ID          uint32
	Width       uint32
	Height      uint32
	ValidPixels uint32
	Mask        block
	Blocks      []block
}

// maskBytes returns the length of the bitmap of a `width` x `height` image
func maskBytes(width, height uint32) uint64 {
	return (uint64(width)*uint64(height) + 7) / 8
}

func packMask(visited []bool) []byte {
	out := make([]byte, (len(visited)+7)/8)
	for i, v := range visited {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func unpackMask(bits []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = bits[i/8]&(1<<(i%8)) != 0
	}
	return out
}

type header struct {
	Version       semver.Version
	SourceSize    int64
	SourceModTime int64
	Codec         Codec
	Tables        []*table
}

func (h *header) prefixSize() int64 {
	return int64(len(Magic)) + 1 + int64(len(h.Version.String())) + 8 + 8 + 1 + 4
}

// size returns the number of bytes occupied by the header, index and tables.
// Channel blocks begin immediately afterwards.
func (h *header) size() int64 {
	n := h.prefixSize() + int64(len(h.Tables))*indexEntrySize
	for _, t := range h.Tables {
		n += tableFixedSize + int64(len(t.Blocks))*blockEntrySize
	}
	return n
}

// tableOffsets returns the file offset of each table, in order
func (h *header) tableOffsets() []uint64 {
	offsets := make([]uint64, len(h.Tables))
	pos := h.prefixSize() + int64(len(h.Tables))*indexEntrySize
	for i, t := range h.Tables {
		offsets[i] = uint64(pos)
		pos += tableFixedSize + int64(len(t.Blocks))*blockEntrySize
	}
	return offsets
}

func (h *header) encode() ([]byte, error) {
	version := h.Version.String()
	if len(version) > 255 {
		return nil, fmt.Errorf("version string %q too long", version)
	}
	var buf bytes.Buffer
	buf.Grow(int(h.size()))
	buf.Write(Magic[:])
	buf.WriteByte(uint8(len(version)))
	buf.WriteString(version)
	fields := []interface{}{h.SourceSize, h.SourceModTime, uint8(h.Codec), uint32(len(h.Tables))}
	for _, f := range fields {
		if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	for i, off := range h.tableOffsets() {
		if err := binary.Write(&buf, binary.LittleEndian, h.Tables[i].ID); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, off); err != nil {
			return nil, err
		}
	}
	for _, t := range h.Tables {
		fixed := []uint32{t.ID, t.Width, t.Height, uint32(len(t.Blocks)), t.ValidPixels}
		if err := binary.Write(&buf, binary.LittleEndian, fixed); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, t.Mask); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, t.Blocks); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// errVersion is returned by `decodeHeader` when the file was written by an incompatible format version
var errVersion = errors.New("incompatible cache format version")

// decodeHeader reads the header, index and tables from `r`, a file of `size` bytes
func decodeHeader(r io.ReaderAt, size int64) (*header, error) {
	br := bufio.NewReader(io.NewSectionReader(r, 0, size))
	var m [8]byte
	if _, err := io.ReadFull(br, m[:]); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if m != Magic {
		return nil, fmt.Errorf("bad magic %q", m[:])
	}
	vlen, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	vbuf := make([]byte, vlen)
	if _, err := io.ReadFull(br, vbuf); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	version, err := semver.Make(string(vbuf))
	if err != nil {
		return nil, fmt.Errorf("parsing version %q: %w", vbuf, err)
	}
	h := &header{Version: version}
	if version.Major != FormatVersion.Major {
		return h, fmt.Errorf("%w: file is %s, reader is %s", errVersion, version, FormatVersion)
	}
	var codec uint8
	var count uint32
	for _, f := range []interface{}{&h.SourceSize, &h.SourceModTime, &codec, &count} {
		if err := binary.Read(br, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("reading header: %w", err)
		}
	}
	h.Codec = Codec(codec)
	if h.Codec > Snappy {
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
	if int64(count)*indexEntrySize > size {
		return nil, fmt.Errorf("index of %d acquisitions exceeds file size %d", count, size)
	}
	offsets := make([]uint64, count)
	ids := make([]uint32, count)
	for i := range offsets {
		if err := binary.Read(br, binary.LittleEndian, &ids[i]); err != nil {
			return nil, fmt.Errorf("reading index: %w", err)
		}
		if err := binary.Read(br, binary.LittleEndian, &offsets[i]); err != nil {
			return nil, fmt.Errorf("reading index: %w", err)
		}
	}
	for i, off := range offsets {
		t, err := decodeTable(r, int64(off), size)
		if err != nil {
			return nil, fmt.Errorf("acquisition %d: %w", ids[i], err)
		}
		if t.ID != ids[i] {
			return nil, fmt.Errorf("index names acquisition %d but table holds %d", ids[i], t.ID)
		}
		h.Tables = append(h.Tables, t)
	}
	return h, nil
}

func decodeTable(r io.ReaderAt, offset, size int64) (*table, error) {
	if offset < 0 || offset+tableFixedSize > size {
		return nil, fmt.Errorf("table offset %d outside file of %d bytes", offset, size)
	}
	sr := io.NewSectionReader(r, offset, size-offset)
	var fixed [5]uint32
	if err := binary.Read(sr, binary.LittleEndian, &fixed); err != nil {
		return nil, fmt.Errorf("reading table: %w", err)
	}
	t := &table{ID: fixed[0], Width: fixed[1], Height: fixed[2], ValidPixels: fixed[4]}
	if err := binary.Read(sr, binary.LittleEndian, &t.Mask); err != nil {
		return nil, fmt.Errorf("reading mask: %w", err)
	}
	if m := t.Mask; m.RawLen != 0 && m.RawLen != maskBytes(t.Width, t.Height) {
		return nil, fmt.Errorf("mask holds %d bytes, expected %d", m.RawLen, maskBytes(t.Width, t.Height))
	}
	if m := t.Mask; m.Offset+m.CompressedLen > uint64(size) || m.Offset+m.CompressedLen < m.Offset {
		return nil, fmt.Errorf("mask block [%d, +%d) outside file of %d bytes", m.Offset, m.CompressedLen, size)
	}
	channels := int64(fixed[3])
	if offset+tableFixedSize+channels*blockEntrySize > size {
		return nil, fmt.Errorf("table of %d channels exceeds file size %d", channels, size)
	}
	t.Blocks = make([]block, channels)
	if err := binary.Read(sr, binary.LittleEndian, t.Blocks); err != nil {
		return nil, fmt.Errorf("reading blocks: %w", err)
	}
	rawLen := uint64(t.Width) * uint64(t.Height) * 4
	for c, b := range t.Blocks {
		if b.RawLen != rawLen {
			return nil, fmt.Errorf("channel %d holds %d bytes, expected %d", c, b.RawLen, rawLen)
		}
		if b.Offset+b.CompressedLen > uint64(size) || b.Offset+b.CompressedLen < b.Offset {
			return nil, fmt.Errorf("channel %d block [%d, +%d) outside file of %d bytes", c, b.Offset, b.CompressedLen, size)
		}
	}
	return t, nil
}
