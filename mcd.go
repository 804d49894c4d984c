// Package openmcd provides random access to Imaging Mass Cytometry `.mcd` containers:
// the slide / panorama / acquisition / channel hierarchy, per-channel images, and
// scaled slide overviews.
package openmcd

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/b71729/openmcd/container"
	"github.com/b71729/openmcd/core"
	"github.com/b71729/openmcd/dcm"
	"github.com/b71729/openmcd/metadata"
	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/lru"
)

// McdFile is an opened `.mcd` container. It is safe for concurrent use.
type McdFile struct {
	location string
	file     *os.File // nil when constructed with `FromReader`
	size     int64
	modTime  time.Time
	cfg      core.Config

	container *container.Container
	model     *metadata.Model

	cacheMu      sync.Mutex
	cache        *dcm.Reader
	cacheChecked bool

	channelsMu sync.Mutex
	channels   *lru.Cache
}

// Open opens the container at `path`. The file stays open until `Close`.
func Open(path string) (*McdFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	m, err := newMcdFile(f, stat.Size(), path, stat.ModTime())
	if err != nil {
		f.Close()
		return nil, err
	}
	m.file = f
	return m, nil
}

// FromReader reads a container of `size` bytes from `r`.
// `location` is the container's path on disk, used to place the `.dcm` cache beside it;
// when empty or not a file, caching is unavailable.
func FromReader(r io.ReaderAt, size int64, location string) (*McdFile, error) {
	var modTime time.Time
	if location != "" {
		if stat, err := os.Stat(location); err == nil && stat.Mode().IsRegular() {
			modTime = stat.ModTime()
		} else {
			core.Debugf("%s is not a file on disk, caching unavailable", location)
			location = ""
		}
	}
	return newMcdFile(r, size, location, modTime)
}

func newMcdFile(r io.ReaderAt, size int64, location string, modTime time.Time) (*McdFile, error) {
	started := time.Now()
	cfg := core.GetConfig()
	c, err := container.Locate(r, size)
	if err != nil {
		return nil, err
	}
	model, err := metadata.Parse(c.XML(), metadata.Options{StrictMode: cfg.StrictMode})
	if err != nil {
		return nil, err
	}
	m := &McdFile{
		location:  location,
		size:      size,
		modTime:   modTime,
		cfg:       cfg,
		container: c,
		model:     model,
	}
	if err := m.registerSegments(); err != nil {
		return nil, err
	}
	if cfg.ChannelCacheEntries > 0 {
		m.channels = lru.New(cfg.ChannelCacheEntries)
	}
	core.Debugf("opened %s (%s): %d slides, %d panoramas, %d acquisitions in %s", m.name(), humanize.Bytes(uint64(size)),
		len(model.Slides()), len(model.Panoramas()), len(model.Acquisitions()), time.Since(started).Round(time.Microsecond))
	return m, nil
}

func (m *McdFile) name() string {
	if m.location == "" {
		return "<reader>"
	}
	return m.location
}

// registerSegments validates the segment offsets recorded in metadata against the container.
// Broken optical images are dropped with a warning unless `StrictMode` is set; broken spectral data is always an error.
func (m *McdFile) registerSegments() error {
	optical := func(kind container.SegmentKind, id int, start, end int64) error {
		seg, ok, err := container.OpticalSegment(kind, id, start, end)
		if err == nil && ok {
			err = m.container.AddSegment(seg)
		}
		if err != nil {
			if m.cfg.StrictMode {
				return err
			}
			core.Warnf("%s: ignoring %s of %d: %v", m.name(), kind, id, err)
		}
		return nil
	}
	for _, slide := range m.model.Slides() {
		if err := optical(container.SlideImage, slide.ID, slide.ImageStartOffset, slide.ImageEndOffset); err != nil {
			return err
		}
	}
	for _, pano := range m.model.Panoramas() {
		if err := optical(container.PanoramaImage, pano.ID, pano.ImageStartOffset, pano.ImageEndOffset); err != nil {
			return err
		}
	}
	for _, acq := range m.model.Acquisitions() {
		seg := container.Segment{Kind: container.SpectralData, OwnerID: acq.ID, Start: acq.DataStartOffset, End: acq.DataEndOffset}
		if err := m.container.AddSegment(seg); err != nil {
			return err
		}
		if err := optical(container.BeforeAblationImage, acq.ID, acq.BeforeAblationImageStartOffset, acq.BeforeAblationImageEndOffset); err != nil {
			return err
		}
		if err := optical(container.AfterAblationImage, acq.ID, acq.AfterAblationImageStartOffset, acq.AfterAblationImageEndOffset); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the container and any open cache
func (m *McdFile) Close() error {
	m.cacheMu.Lock()
	if m.cache != nil {
		m.cache.Close()
		m.cache = nil
	}
	m.cacheMu.Unlock()
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}

// Location returns the path the container was opened from, if any
func (m *McdFile) Location() string {
	return m.location
}

// Size returns the number of bytes in the container
func (m *McdFile) Size() int64 {
	return m.size
}

// XML returns the metadata document, decoded to UTF-8
func (m *McdFile) XML() string {
	return string(m.container.XML())
}

// Model returns the parsed metadata
func (m *McdFile) Model() *metadata.Model {
	return m.model
}

// Segments returns every validated segment of the container, ordered by offset
func (m *McdFile) Segments() []container.Segment {
	return m.container.Segments()
}

// Slides returns every slide, in document order
func (m *McdFile) Slides() []*Slide {
	slides := m.model.Slides()
	out := make([]*Slide, len(slides))
	for i, s := range slides {
		out[i] = &Slide{Slide: s, file: m}
	}
	return out
}

// Slide returns the slide with `id`
func (m *McdFile) Slide(id int) (*Slide, bool) {
	s, ok := m.model.Slide(id)
	if !ok {
		return nil, false
	}
	return &Slide{Slide: s, file: m}, true
}

// Panoramas returns every panorama, in document order
func (m *McdFile) Panoramas() []*Panorama {
	panos := m.model.Panoramas()
	out := make([]*Panorama, len(panos))
	for i, p := range panos {
		out[i] = &Panorama{Panorama: p, file: m}
	}
	return out
}

// Panorama returns the panorama with `id`
func (m *McdFile) Panorama(id int) (*Panorama, bool) {
	p, ok := m.model.Panorama(id)
	if !ok {
		return nil, false
	}
	return &Panorama{Panorama: p, file: m}, true
}

// Acquisitions returns every acquisition, in document order
func (m *McdFile) Acquisitions() []*Acquisition {
	return m.wrapAcquisitions(m.model.Acquisitions())
}

func (m *McdFile) wrapAcquisitions(acqs []*metadata.Acquisition) []*Acquisition {
	out := make([]*Acquisition, len(acqs))
	for i, a := range acqs {
		out[i] = &Acquisition{Acquisition: a, file: m}
	}
	return out
}

// Acquisition returns the acquisition with `id`
func (m *McdFile) Acquisition(id int) (*Acquisition, bool) {
	a, ok := m.model.Acquisition(id)
	if !ok {
		return nil, false
	}
	return &Acquisition{Acquisition: a, file: m}, true
}

// AcquisitionByDescription returns the first acquisition whose description is `description`
func (m *McdFile) AcquisitionByDescription(description string) (*Acquisition, bool) {
	a, ok := m.model.AcquisitionByDescription(description)
	if !ok {
		return nil, false
	}
	return &Acquisition{Acquisition: a, file: m}, true
}

// Channels returns the union of channels across every acquisition, by name
func (m *McdFile) Channels() []*Channel {
	return m.model.UniqueChannels()
}
