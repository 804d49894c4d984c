package openmcd

import (
	"context"
	"errors"
	"io/fs"

	"github.com/b71729/openmcd/core"
	"github.com/b71729/openmcd/dcm"
	"github.com/b71729/openmcd/spectrum"
)

type channelKey struct {
	acquisitionID int
	index         int
}

// CachePath returns where the `.dcm` cache of the container lives, or "" when caching is unavailable
func (m *McdFile) CachePath() string {
	if m.location == "" {
		return ""
	}
	return dcm.PathFor(m.location)
}

// cacheReader returns the open cache, opening it on first use. Nil when there is no valid cache.
func (m *McdFile) cacheReader() *dcm.Reader {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cache != nil || m.cacheChecked {
		return m.cache
	}
	m.cacheChecked = true
	if !m.cfg.CacheEnabled || m.CachePath() == "" {
		return nil
	}
	r, err := dcm.Open(m.CachePath(), m.size, m.modTime)
	switch {
	case err == nil:
		m.cache = r
	case errors.Is(err, fs.ErrNotExist):
	case errors.Is(err, dcm.ErrStale):
		core.Infof("%s: ignoring cache: %v", m.name(), err)
	default:
		core.Warnf("%s: ignoring cache: %v", m.name(), err)
	}
	return m.cache
}

// dropCache closes a cache which failed mid-read so that later reads go direct
func (m *McdFile) dropCache(r *dcm.Reader) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cache == r {
		m.cache.Close()
		m.cache = nil
	}
}

// CacheValid returns whether a valid `.dcm` cache exists for the container
func (m *McdFile) CacheValid() bool {
	return m.cacheReader() != nil
}

// cacheSource describes the container to the cache builder.
// Acquisitions whose spectral segment is malformed are left out; reading them goes direct and reports the error.
func (m *McdFile) cacheSource() dcm.Source {
	src := dcm.Source{Path: m.location, Size: m.size, ModTime: m.modTime}
	for _, acq := range m.Acquisitions() {
		acq := acq
		if _, err := acq.Extractor(); err != nil {
			core.Warnf("%s: not caching acquisition %d: %v", m.name(), acq.ID, err)
			continue
		}
		src.Acquisitions = append(src.Acquisitions, dcm.Acquisition{
			ID:       acq.ID,
			Width:    acq.Width,
			Height:   acq.Height,
			Channels: len(acq.Channels()),
			Load: func(ctx context.Context) (*spectrum.Spectra, spectrum.ScanOrder, error) {
				spectra, err := acq.Spectra(ctx)
				if err != nil {
					return nil, nil, err
				}
				order, err := acq.scanOrder(spectra)
				return spectra, order, err
			},
		})
	}
	return src
}

// EnsureCache builds the `.dcm` cache beside the container unless a valid one already exists.
// Failures are returned as `CacheIOError`; reads keep working without the cache.
func (m *McdFile) EnsureCache(ctx context.Context) error {
	path := m.CachePath()
	if path == "" {
		return core.CacheIOErrorf("<none>", "container was not opened from a file")
	}
	if m.CacheValid() {
		return nil
	}
	r, err := dcm.Ensure(ctx, m.cacheSource(), path, dcm.DefaultOptions())
	if err != nil {
		var cacheErr *core.CacheIOError
		if errors.As(err, &cacheErr) {
			core.Warnf("%s: cache unavailable, reading directly: %v", m.name(), err)
		}
		return err
	}
	m.cacheMu.Lock()
	if m.cache != nil {
		m.cache.Close()
	}
	m.cache = r
	m.cacheChecked = true
	m.cacheMu.Unlock()
	return nil
}

// channelImage returns column `index` of `acq`, from memory, the cache, or the spectral segment in that order.
// The in-memory copy is never handed out, so callers may modify what they receive.
func (m *McdFile) channelImage(ctx context.Context, acq *Acquisition, index int) (*spectrum.ChannelImage, error) {
	key := channelKey{acquisitionID: acq.ID, index: index}
	if m.channels != nil {
		m.channelsMu.Lock()
		cached, ok := m.channels.Get(key)
		m.channelsMu.Unlock()
		if ok {
			return cached.(*spectrum.ChannelImage).Clone(), nil
		}
	}

	var img *spectrum.ChannelImage
	if r := m.cacheReader(); r != nil {
		if _, cached := r.Channels(acq.ID); cached {
			var err error
			img, err = r.Channel(acq.ID, index)
			if err != nil {
				core.Warnf("%s: cache read failed, reading directly: %v", m.name(), err)
				m.dropCache(r)
				img = nil
			}
		}
	}
	if img == nil {
		var err error
		if img, err = acq.extract(ctx, index); err != nil {
			return nil, err
		}
	}

	if m.channels != nil {
		m.channelsMu.Lock()
		m.channels.Add(key, img.Clone())
		m.channelsMu.Unlock()
	}
	return img, nil
}

// ChannelImage returns the raster image of the channel named `channel` of acquisition `acquisitionID`.
// It lets an `McdFile` serve as the channel source of an overview.
func (m *McdFile) ChannelImage(ctx context.Context, acquisitionID int, channel string) (*spectrum.ChannelImage, error) {
	acq, ok := m.Acquisition(acquisitionID)
	if !ok {
		return nil, core.NewInvalidChannelError(acquisitionID, channel)
	}
	return acq.ChannelData(ctx, channel)
}
