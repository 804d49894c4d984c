package dcm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/b71729/openmcd/common"
	"github.com/b71729/openmcd/core"
	"github.com/b71729/openmcd/spectrum"
	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Acquisition supplies one acquisition's spectra to the cache builder
type Acquisition struct {
	ID       int
	Width    int
	Height   int
	Channels int
	// Load decodes every spectrum of the acquisition and returns the order in which they were scanned.
	// A nil order means raster order.
	Load func(ctx context.Context) (*spectrum.Spectra, spectrum.ScanOrder, error)
}

// Source describes the container a cache is built from
type Source struct {
	// Path is where the container lives; a cache is never written over it
	Path         string
	Size         int64
	ModTime      time.Time
	Acquisitions []Acquisition
}

// Options controls how a cache is written
type Options struct {
	Codec   Codec
	Workers int
}

// DefaultOptions returns the options described by `core.GetConfig()`.
// An unknown codec name falls back to lz4 with a warning.
func DefaultOptions() Options {
	cfg := core.GetConfig()
	codec, err := ParseCodec(cfg.CacheCodec)
	if err != nil {
		core.Warnf("%v, using lz4", err)
		codec = LZ4
	}
	return Options{Codec: codec, Workers: cfg.CacheWorkers}
}

// PathFor returns the cache path for the container at `sourcePath`.
// A container already named `.dcm` gets a second extension rather than sharing its own path.
func PathFor(sourcePath string) string {
	ext := filepath.Ext(sourcePath)
	if strings.EqualFold(ext, common.CacheExtension) {
		return sourcePath + common.CacheExtension
	}
	return strings.TrimSuffix(sourcePath, ext) + common.CacheExtension
}

// sameFile returns whether `a` and `b` name the same file, either by path or by identity
func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA == nil && errB == nil && absA == absB {
		return true
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(infoA, infoB)
}

// builds serialises cache construction per absolute cache path
var builds singleflight.Group

// Build writes the cache for `src` to `path`, replacing any existing file.
// Concurrent calls for the same path share a single build.
func Build(ctx context.Context, src Source, path string, opts Options) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return core.CacheIOErrorf(path, "%v", err)
	}
	if src.Path != "" && sameFile(src.Path, abs) {
		return core.CacheIOErrorf(path, "refusing to write a cache over its own source")
	}
	_, err, shared := builds.Do(abs, func() (interface{}, error) {
		return nil, build(ctx, src, abs, opts)
	})
	if shared {
		core.Debugf("cache build for %s shared with a concurrent caller", abs)
	}
	return err
}

// Ensure opens the cache at `path`, (re)building it first when it is missing, stale or unreadable
func Ensure(ctx context.Context, src Source, path string, opts Options) (*Reader, error) {
	if src.Path != "" && sameFile(src.Path, path) {
		return nil, core.CacheIOErrorf(path, "refusing to use a container as its own cache")
	}
	r, err := Open(path, src.Size, src.ModTime)
	if err == nil {
		return r, nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		core.Debugf("no cache at %s", path)
	case errors.Is(err, ErrStale):
		core.Infof("rebuilding stale cache %s: %v", path, err)
	default:
		core.Warnf("rebuilding unreadable cache %s: %v", path, err)
	}
	if err := Build(ctx, src, path, opts); err != nil {
		return nil, err
	}
	return Open(path, src.Size, src.ModTime)
}

func encodeFloats(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// compressed is one channel block ready to be written
type compressed struct {
	data  []byte
	raw   int
	sum   uint64
	valid int
	mask  []bool
}

// compressAcquisition reorders every channel of `acq` to raster order and compresses it, `workers` channels at a time
func compressAcquisition(ctx context.Context, acq Acquisition, codec Codec, workers int) ([]compressed, error) {
	spectra, order, err := acq.Load(ctx)
	if err != nil {
		return nil, err
	}
	if spectra.Layout.Channels != acq.Channels {
		return nil, core.FormatErrorAt(-1, int64(acq.Channels), int64(spectra.Layout.Channels), "acquisition %d decoded with the wrong number of channels", acq.ID)
	}
	if order == nil {
		order = spectrum.RasterOrder{Width: acq.Width}
	}
	blocks := make([]compressed, acq.Channels)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c < acq.Channels; c++ {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := spectrum.BuildImage(spectra.Channel(c), order, acq.Width, acq.Height)
			if err != nil {
				return err
			}
			raw := encodeFloats(img.Data)
			data, err := codec.compress(raw)
			if err != nil {
				return fmt.Errorf("compressing channel %d: %w", c, err)
			}
			blocks[c] = compressed{data: data, raw: len(raw), sum: xxhash.Sum64(raw), valid: img.ValidPixels(), mask: img.Mask()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func build(ctx context.Context, src Source, path string, opts Options) (err error) {
	started := time.Now()
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	acqs := append([]Acquisition(nil), src.Acquisitions...)
	sort.Slice(acqs, func(i, j int) bool { return acqs[i].ID < acqs[j].ID })

	hdr := &header{
		Version:       FormatVersion,
		SourceSize:    src.Size,
		SourceModTime: src.ModTime.UnixNano(),
		Codec:         opts.Codec,
	}
	for _, acq := range acqs {
		if acq.ID < 0 || acq.Width < 0 || acq.Height < 0 || acq.Channels < 0 {
			return core.FormatErrorf("acquisition %d has invalid dimensions %dx%d with %d channels", acq.ID, acq.Width, acq.Height, acq.Channels)
		}
		hdr.Tables = append(hdr.Tables, &table{
			ID:     uint32(acq.ID),
			Width:  uint32(acq.Width),
			Height: uint32(acq.Height),
			Blocks: make([]block, acq.Channels),
		})
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return core.CacheIOErrorf(path, "creating temporary file: %v", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	pos := hdr.size()
	for i, acq := range acqs {
		blocks, err := compressAcquisition(ctx, acq, opts.Codec, workers)
		if err != nil {
			return err
		}
		t := hdr.Tables[i]
		for c, b := range blocks {
			if _, err := tmp.WriteAt(b.data, pos); err != nil {
				return core.CacheIOErrorf(path, "writing acquisition %d channel %d: %v", acq.ID, c, err)
			}
			t.Blocks[c] = block{Offset: uint64(pos), CompressedLen: uint64(len(b.data)), RawLen: uint64(b.raw), Checksum: b.sum}
			t.ValidPixels = uint32(b.valid)
			pos += int64(len(b.data))
		}
		if len(blocks) == 0 {
			t.ValidPixels = uint32(acq.Width * acq.Height)
			continue
		}
		// every channel shares the scan order, so the first channel's mask serves them all
		if mask := blocks[0].mask; mask != nil {
			bits := packMask(mask)
			data, err := opts.Codec.compress(bits)
			if err != nil {
				return core.CacheIOErrorf(path, "compressing mask of acquisition %d: %v", acq.ID, err)
			}
			if _, err := tmp.WriteAt(data, pos); err != nil {
				return core.CacheIOErrorf(path, "writing mask of acquisition %d: %v", acq.ID, err)
			}
			t.Mask = block{Offset: uint64(pos), CompressedLen: uint64(len(data)), RawLen: uint64(len(bits)), Checksum: xxhash.Sum64(bits)}
			pos += int64(len(data))
		}
	}

	head, err := hdr.encode()
	if err != nil {
		return core.CacheIOErrorf(path, "encoding header: %v", err)
	}
	if _, err := tmp.WriteAt(head, 0); err != nil {
		return core.CacheIOErrorf(path, "writing header: %v", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return core.CacheIOErrorf(path, "%v", err)
	}
	if err := tmp.Sync(); err != nil {
		return core.CacheIOErrorf(path, "%v", err)
	}
	if err := tmp.Close(); err != nil {
		return core.CacheIOErrorf(path, "%v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return core.CacheIOErrorf(path, "%v", err)
	}

	ratio := 0.0
	if src.Size > 0 {
		ratio = float64(pos) / float64(src.Size)
	}
	core.Infof("wrote cache %s: %d acquisitions, %s (%.2f of source, %s) in %s",
		path, len(acqs), humanize.Bytes(uint64(pos)), ratio, opts.Codec, time.Since(started).Round(time.Millisecond))
	return nil
}
