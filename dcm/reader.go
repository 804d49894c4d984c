// Package dcm reads and writes `.dcm` fast-access caches: per-channel raster images of every
// acquisition in a container, compressed block by block so that one channel costs one read.
package dcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/b71729/openmcd/core"
	"github.com/b71729/openmcd/spectrum"
	"github.com/blang/semver"
	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
)

// ErrStale is returned by `Open` when a cache no longer describes its source
var ErrStale = errors.New("cache is stale")

// Reader serves channel images from an open cache file. It is safe for concurrent use.
type Reader struct {
	f    *os.File
	path string
	size int64
	hdr  *header
	byID map[int]*table
}

// Open validates the cache at `path` against the size and modification time of its source.
// A missing or unreadable file gives a `CacheIOError`; an outdated one gives an error wrapping `ErrStale`.
func Open(path string, sourceSize int64, sourceModTime time.Time) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.CacheIOErrorf(path, "%w", err)
	}
	r, err := newReader(f, path, sourceSize, sourceModTime)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File, path string, sourceSize int64, sourceModTime time.Time) (*Reader, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, core.CacheIOErrorf(path, "%w", err)
	}
	hdr, err := decodeHeader(f, stat.Size())
	if errors.Is(err, errVersion) {
		return nil, fmt.Errorf("%w: %v", ErrStale, err)
	}
	if err != nil {
		return nil, core.CacheIOErrorf(path, "%w", err)
	}
	if hdr.SourceSize != sourceSize {
		return nil, fmt.Errorf("%w: source is %d bytes, cache was built from %d", ErrStale, sourceSize, hdr.SourceSize)
	}
	if hdr.SourceModTime != sourceModTime.UnixNano() {
		return nil, fmt.Errorf("%w: source modified at %s, cache was built from %s",
			ErrStale, sourceModTime.UTC().Format(time.RFC3339Nano), time.Unix(0, hdr.SourceModTime).UTC().Format(time.RFC3339Nano))
	}
	r := &Reader{f: f, path: path, size: stat.Size(), hdr: hdr, byID: make(map[int]*table, len(hdr.Tables))}
	for _, t := range hdr.Tables {
		r.byID[int(t.ID)] = t
	}
	core.Debugf("opened cache %s (%s, %d acquisitions, %s, format %s)", path, humanize.Bytes(uint64(r.size)), len(hdr.Tables), hdr.Codec, hdr.Version)
	return r, nil
}

// Close releases the underlying file
func (r *Reader) Close() error {
	return r.f.Close()
}

// Path returns the location of the cache file
func (r *Reader) Path() string {
	return r.path
}

// Codec returns the compression used by the file
func (r *Reader) Codec() Codec {
	return r.hdr.Codec
}

// Version returns the format version the file was written with
func (r *Reader) Version() semver.Version {
	return r.hdr.Version
}

// Acquisitions returns the IDs of every cached acquisition, ascending
func (r *Reader) Acquisitions() []int {
	ids := make([]int, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Channels returns the number of channels cached for `acquisitionID`, and whether it is cached at all
func (r *Reader) Channels(acquisitionID int) (int, bool) {
	t, ok := r.byID[acquisitionID]
	if !ok {
		return 0, false
	}
	return len(t.Blocks), true
}

// readBlock reads, decompresses and verifies one block of table `t`
func (r *Reader) readBlock(t *table, b block, what string) ([]byte, error) {
	stored := make([]byte, b.CompressedLen)
	if _, err := r.f.ReadAt(stored, int64(b.Offset)); err != nil {
		return nil, core.CacheIOErrorf(r.path, "reading acquisition %d %s: %w", t.ID, what, err)
	}
	raw, err := r.hdr.Codec.decompress(stored, int(b.RawLen))
	if err != nil {
		return nil, core.CacheIOErrorf(r.path, "decoding acquisition %d %s: %w", t.ID, what, err)
	}
	if sum := xxhash.Sum64(raw); sum != b.Checksum {
		return nil, core.CacheIOErrorf(r.path, "acquisition %d %s checksum %016x, expected %016x", t.ID, what, sum, b.Checksum)
	}
	return raw, nil
}

// Channel reads, decompresses and verifies the raster image of channel `index` of `acquisitionID`
func (r *Reader) Channel(acquisitionID, index int) (*spectrum.ChannelImage, error) {
	t, ok := r.byID[acquisitionID]
	if !ok {
		return nil, core.CacheIOErrorf(r.path, "acquisition %d is not cached", acquisitionID)
	}
	if index < 0 || index >= len(t.Blocks) {
		return nil, core.CacheIOErrorf(r.path, "acquisition %d has %d cached channels, requested %d", acquisitionID, len(t.Blocks), index)
	}
	raw, err := r.readBlock(t, t.Blocks[index], fmt.Sprintf("channel %d", index))
	if err != nil {
		return nil, err
	}
	data := make([]float32, len(raw)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	var visited []bool
	if t.Mask.RawLen > 0 {
		bits, err := r.readBlock(t, t.Mask, "mask")
		if err != nil {
			return nil, err
		}
		visited = unpackMask(bits, len(data))
	}
	img := spectrum.RestoreChannelImage(int(t.Width), int(t.Height), data, visited)
	if img.ValidPixels() != int(t.ValidPixels) {
		return nil, core.CacheIOErrorf(r.path, "acquisition %d mask holds %d recorded pixels, expected %d", acquisitionID, img.ValidPixels(), t.ValidPixels)
	}
	return img, nil
}

// ChannelIn reads channel `index` of `acquisitionID` like `Channel`, keeping only the pixels inside `region`.
// A region reaching outside the acquisition gives an error wrapping `spectrum.ErrOutOfBounds`.
func (r *Reader) ChannelIn(acquisitionID, index int, region spectrum.Region) (*spectrum.ChannelImage, error) {
	img, err := r.Channel(acquisitionID, index)
	if err != nil {
		return nil, err
	}
	return img.Crop(region)
}
