// Package container locates the metadata block and the binary segments of an IMC `.mcd` file.
package container

import (
	"fmt"
	"io"
	"sort"

	"github.com/b71729/openmcd/core"
	"github.com/dustin/go-humanize"
)

// OpticalHeaderSize is the number of bytes preceding the encoded image data of an optical image segment
const OpticalHeaderSize = 161

/*
===============================================================================
    Segments
===============================================================================
*/

// SegmentKind describes what a `Segment` holds
type SegmentKind int

// Segment kinds
const (
	SpectralData SegmentKind = iota
	BeforeAblationImage
	AfterAblationImage
	PanoramaImage
	SlideImage
)

func (k SegmentKind) String() string {
	switch k {
	case SpectralData:
		return "spectral data"
	case BeforeAblationImage:
		return "before ablation image"
	case AfterAblationImage:
		return "after ablation image"
	case PanoramaImage:
		return "panorama image"
	case SlideImage:
		return "slide image"
	}
	return fmt.Sprintf("SegmentKind(%d)", int(k))
}

// Segment is a byte range `[Start, End)` within the container, owned by the entity `OwnerID`
type Segment struct {
	Kind    SegmentKind
	OwnerID int
	Start   int64
	End     int64
}

// Len returns the number of bytes in the segment
func (s Segment) Len() int64 {
	return s.End - s.Start
}

func (s Segment) String() string {
	return fmt.Sprintf("%s of %d [%d, %d)", s.Kind, s.OwnerID, s.Start, s.End)
}

// OpticalSegment builds the segment of an optical image from the offsets recorded in metadata.
// The recorded start points at a fixed-size header which is skipped.
// `ok` is false when no image was recorded.
func OpticalSegment(kind SegmentKind, ownerID int, start, end int64) (seg Segment, ok bool, err error) {
	if end-start <= 0 {
		return Segment{}, false, nil
	}
	if end-start <= OpticalHeaderSize {
		return Segment{}, false, core.FormatErrorAt(start, OpticalHeaderSize+1, end-start, "%s of %d is shorter than its header", kind, ownerID)
	}
	return Segment{Kind: kind, OwnerID: ownerID, Start: start + OpticalHeaderSize, End: end}, true, nil
}

type segmentKey struct {
	kind SegmentKind
	id   int
}

/*
===============================================================================
    Container
===============================================================================
*/

// Container provides random access to the parts of an `.mcd` source
type Container struct {
	r        io.ReaderAt
	size     int64
	xmlStart int64
	xmlEnd   int64
	xml      []byte

	segments []Segment
	index    map[segmentKey]int
}

// Locate finds and decodes the metadata block of `r`, which holds `size` bytes.
// The returned `Container` has an empty segment table; segments are registered
// with `AddSegment` once the metadata has been interpreted.
func Locate(r io.ReaderAt, size int64) (*Container, error) {
	if size <= 0 {
		return nil, core.FormatErrorAt(0, 1, size, "source is empty")
	}
	scanner := newSentinelScanner(r, size)
	if err := scanner.run(); err != nil {
		return nil, err
	}
	raw := make([]byte, scanner.end-scanner.start)
	if _, err := r.ReadAt(raw, scanner.start); err != nil && err != io.EOF {
		return nil, err
	}
	xml, err := decodeUTF16LE(raw)
	if err != nil {
		return nil, core.FormatErrorAt(scanner.start, -1, -1, "metadata block is not valid UTF-16LE: %v", err)
	}
	core.Debugf("located metadata at [%d, %d) (%s of %s)", scanner.start, scanner.end,
		humanize.Bytes(uint64(len(raw))), humanize.Bytes(uint64(size)))

	return &Container{
		r:        r,
		size:     size,
		xmlStart: scanner.start,
		xmlEnd:   scanner.end,
		xml:      xml,
		index:    make(map[segmentKey]int),
	}, nil
}

// Size returns the number of bytes in the source
func (c *Container) Size() int64 {
	return c.size
}

// XML returns the metadata document, decoded to UTF-8
func (c *Container) XML() []byte {
	return c.xml
}

// XMLRange returns the byte range of the (UTF-16LE) metadata block within the source
func (c *Container) XMLRange() (start, end int64) {
	return c.xmlStart, c.xmlEnd
}

// AddSegment validates and registers `seg`.
// A segment must lie inside the source and must not overlap the metadata block.
func (c *Container) AddSegment(seg Segment) error {
	if seg.Start < 0 || seg.End < seg.Start {
		return core.FormatErrorAt(seg.Start, seg.Start, seg.End, "%s has inverted bounds", seg)
	}
	if seg.End > c.size {
		return core.FormatErrorAt(seg.End, c.size, seg.End, "%s extends beyond the end of the source", seg)
	}
	if seg.Len() > 0 && seg.Start < c.xmlEnd && seg.End > c.xmlStart {
		return core.FormatErrorAt(seg.Start, c.xmlStart, seg.End, "%s overlaps the metadata block", seg)
	}
	key := segmentKey{seg.Kind, seg.OwnerID}
	if _, found := c.index[key]; found {
		return core.FormatErrorAt(seg.Start, -1, -1, "%s registered twice", seg)
	}
	c.index[key] = len(c.segments)
	c.segments = append(c.segments, seg)
	return nil
}

// Segment returns the registered segment of `kind` owned by `ownerID`
func (c *Container) Segment(kind SegmentKind, ownerID int) (Segment, bool) {
	i, found := c.index[segmentKey{kind, ownerID}]
	if !found {
		return Segment{}, false
	}
	return c.segments[i], true
}

// Segments returns every registered segment ordered by start offset
func (c *Container) Segments() []Segment {
	out := make([]Segment, len(c.segments))
	copy(out, c.segments)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start < out[j].Start
	})
	return out
}

// SectionReader returns a reader over `seg` alone
func (c *Container) SectionReader(seg Segment) *io.SectionReader {
	return io.NewSectionReader(c.r, seg.Start, seg.Len())
}

// ReadSegment reads `seg` in full
func (c *Container) ReadSegment(seg Segment) ([]byte, error) {
	buf := make([]byte, seg.Len())
	n, err := c.r.ReadAt(buf, seg.Start)
	if int64(n) != seg.Len() {
		return nil, core.FormatErrorAt(seg.Start, seg.Len(), int64(n), "%s is truncated: %v", seg, err)
	}
	return buf, nil
}
