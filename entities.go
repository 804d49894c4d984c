package openmcd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	// decoders for embedded optical images
	_ "image/jpeg"
	_ "image/png"

	"github.com/b71729/openmcd/container"
	"github.com/b71729/openmcd/core"
	"github.com/b71729/openmcd/geometry"
	"github.com/b71729/openmcd/metadata"
	"github.com/b71729/openmcd/overview"
	"github.com/b71729/openmcd/spectrum"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"
)

// Channel is one measured label within an acquisition
type Channel = metadata.Channel

// ErrNoImage is returned when an optical image was not recorded
var ErrNoImage = errors.New("no optical image recorded")

// ErrNotRecorded is wrapped by errors for pixels at which no spectrum was recorded
var ErrNotRecorded = errors.New("no spectrum recorded")

// decodeOptical reads and decodes the optical image stored in segment `kind` of `ownerID`
func (m *McdFile) decodeOptical(kind container.SegmentKind, ownerID int) (image.Image, string, error) {
	data, err := m.opticalBytes(kind, ownerID)
	if err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", core.FormatErrorf("decoding %s of %d: %v", kind, ownerID, err)
	}
	return img, format, nil
}

func (m *McdFile) opticalBytes(kind container.SegmentKind, ownerID int) ([]byte, error) {
	seg, ok := m.container.Segment(kind, ownerID)
	if !ok {
		return nil, ErrNoImage
	}
	return m.container.ReadSegment(seg)
}

/*
===============================================================================
    Slide
===============================================================================
*/

// Slide is a physical glass slide within an opened container
type Slide struct {
	*metadata.Slide
	file *McdFile
}

// Panoramas returns the panoramas taken of the slide
func (s *Slide) Panoramas() []*Panorama {
	panos := s.file.model.PanoramasOnSlide(s.ID)
	out := make([]*Panorama, len(panos))
	for i, p := range panos {
		out[i] = &Panorama{Panorama: p, file: s.file}
	}
	return out
}

// Acquisitions returns the acquisitions recorded on the slide, by ascending ID
func (s *Slide) Acquisitions() []*Acquisition {
	return s.file.wrapAcquisitions(s.file.model.AcquisitionsOnSlide(s.ID))
}

// Image decodes the optical image of the whole slide, if one was recorded
func (s *Slide) Image() (image.Image, error) {
	img, _, err := s.file.decodeOptical(container.SlideImage, s.ID)
	return img, err
}

// OverviewImage renders the slide `width` pixels wide, with every acquisition recording
// `channel` drawn at its physical position. Intensities below `threshold` are black.
func (s *Slide) OverviewImage(ctx context.Context, width int, channel string, threshold float64) (*overview.OverviewImage, error) {
	return overview.Compose(ctx, overview.Request{
		Slide:        s.Slide,
		Acquisitions: s.file.model.AcquisitionsOnSlide(s.ID),
		Width:        width,
		Channel:      channel,
		Threshold:    threshold,
	}, s.file)
}

// opticalLayers returns the slide image followed by every panorama image, each placed on the slide.
// Images that are missing or cannot be placed are left out.
func (s *Slide) opticalLayers() []overview.OpticalLayer {
	var layers []overview.OpticalLayer
	img, err := s.Image()
	switch {
	case err == nil && img.Bounds().Dx() > 0 && img.Bounds().Dy() > 0:
		toSlide := geometry.Scaling(s.WidthUm/float64(img.Bounds().Dx()), s.HeightUm/float64(img.Bounds().Dy()))
		layers = append(layers, overview.OpticalLayer{Image: img, ToSlide: toSlide})
	case err != nil && !errors.Is(err, ErrNoImage):
		core.Warnf("slide %d: leaving out slide image: %v", s.ID, err)
	}
	for _, p := range s.Panoramas() {
		if !p.HasImage() {
			continue
		}
		img, err := p.Image()
		if err != nil {
			core.Warnf("slide %d: leaving out panorama %d: %v", s.ID, p.ID, err)
			continue
		}
		toSlide, err := p.SlideTransform()
		if err != nil {
			core.Warnf("slide %d: leaving out panorama %d: %v", s.ID, p.ID, err)
			continue
		}
		layers = append(layers, overview.OpticalLayer{Image: img, ToSlide: toSlide})
	}
	return layers
}

// CompositeOverviewImage renders the slide like `OverviewImage` and also draws the slide and panorama
// optical images beneath the acquisitions, into the result's `Composite`
func (s *Slide) CompositeOverviewImage(ctx context.Context, width int, channel string, threshold float64) (*overview.OverviewImage, error) {
	return overview.Compose(ctx, overview.Request{
		Slide:        s.Slide,
		Acquisitions: s.file.model.AcquisitionsOnSlide(s.ID),
		Width:        width,
		Channel:      channel,
		Threshold:    threshold,
		Optical:      s.opticalLayers(),
	}, s.file)
}

/*
===============================================================================
    Panorama
===============================================================================
*/

// Panorama is an optical image of a slide region within an opened container
type Panorama struct {
	*metadata.Panorama
	file *McdFile
}

// Image decodes the panorama's optical image
func (p *Panorama) Image() (image.Image, error) {
	img, _, err := p.file.decodeOptical(container.PanoramaImage, p.ID)
	return img, err
}

// ImageBytes returns the panorama's optical image as stored, without its header
func (p *Panorama) ImageBytes() ([]byte, error) {
	return p.file.opticalBytes(container.PanoramaImage, p.ID)
}

// Acquisitions returns the acquisitions recorded within the panorama
func (p *Panorama) Acquisitions() []*Acquisition {
	return p.file.wrapAcquisitions(p.file.model.AcquisitionsOnPanorama(p.ID))
}

/*
===============================================================================
    Acquisition
===============================================================================
*/

// Acquisition is one spectrometry run within an opened container
type Acquisition struct {
	*metadata.Acquisition
	file *McdFile
}

// Channels returns the acquisition's channels, ordered by their column in each spectrum
func (a *Acquisition) Channels() []*Channel {
	return a.file.model.Channels(a.ID)
}

// ChannelByName returns the channel named `name` (e.g. "Ir191")
func (a *Acquisition) ChannelByName(name string) (*Channel, error) {
	for _, c := range a.Channels() {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, core.NewInvalidChannelError(a.ID, name)
}

// ChannelByLabel returns the channel labelled `label` (e.g. "CD45")
func (a *Acquisition) ChannelByLabel(label string) (*Channel, error) {
	for _, c := range a.Channels() {
		if c.Label != "" && c.Label == label {
			return c, nil
		}
	}
	return nil, core.NewInvalidChannelError(a.ID, label)
}

// Layout returns the shape of the acquisition's spectral segment
func (a *Acquisition) Layout() spectrum.Layout {
	return spectrum.Layout{Width: a.Width, Height: a.Height, Channels: len(a.Channels()), ValueBytes: a.ValueBytes}
}

// Extractor returns a streaming decoder over the acquisition's spectral segment.
// A segment whose length disagrees with the acquisition's dimensions gives a `FormatError`.
func (a *Acquisition) Extractor() (*spectrum.Extractor, error) {
	seg, ok := a.file.container.Segment(container.SpectralData, a.ID)
	if !ok {
		return nil, core.FormatErrorf("acquisition %d has no spectral segment", a.ID)
	}
	return spectrum.NewExtractor(a.file.container.SectionReader(seg), 0, seg.Len(), a.Layout(), a.file.cfg.ReadBufferSize)
}

// Spectra decodes every spectrum of the acquisition
func (a *Acquisition) Spectra(ctx context.Context) (*spectrum.Spectra, error) {
	e, err := a.Extractor()
	if err != nil {
		return nil, err
	}
	return e.All(ctx)
}

func (a *Acquisition) channelNames() []string {
	chans := a.Channels()
	names := make([]string, len(chans))
	for i, c := range chans {
		names[i] = c.Name
	}
	return names
}

// scanOrder returns the order in which `spectra` were recorded
func (a *Acquisition) scanOrder(spectra *spectrum.Spectra) (spectrum.ScanOrder, error) {
	if x, y, ok := spectrum.CoordinateColumns(a.channelNames()); ok {
		return spectrum.NewCoordinateOrder(spectra.Channel(x), spectra.Channel(y), a.Width, a.Height)
	}
	return spectrum.RasterOrder{Width: a.Width}, nil
}

// extract builds the image of column `index` straight from the spectral segment, in one pass
func (a *Acquisition) extract(ctx context.Context, index int) (*spectrum.ChannelImage, error) {
	e, err := a.Extractor()
	if err != nil {
		return nil, err
	}
	if x, y, ok := spectrum.CoordinateColumns(a.channelNames()); ok {
		columns, err := e.Columns(ctx, index, x, y)
		if err != nil {
			return nil, err
		}
		order, err := spectrum.NewCoordinateOrder(columns[1], columns[2], a.Width, a.Height)
		if err != nil {
			return nil, err
		}
		return spectrum.BuildImage(columns[0], order, a.Width, a.Height)
	}
	values, err := e.Channel(ctx, index)
	if err != nil {
		return nil, err
	}
	return spectrum.BuildImage(values, spectrum.RasterOrder{Width: a.Width}, a.Width, a.Height)
}

// ChannelData returns the raster image of the channel named `name`.
// A valid `.dcm` cache is used when present; otherwise the spectral segment is scanned.
func (a *Acquisition) ChannelData(ctx context.Context, name string) (*spectrum.ChannelImage, error) {
	c, err := a.ChannelByName(name)
	if err != nil {
		return nil, err
	}
	return a.file.channelImage(ctx, a, c.Index)
}

// ChannelDataAt returns the raster image of the channel in column `index`
func (a *Acquisition) ChannelDataAt(ctx context.Context, index int) (*spectrum.ChannelImage, error) {
	if index < 0 || index >= len(a.Channels()) {
		return nil, core.NewInvalidChannelError(a.ID, fmt.Sprintf("column %d", index))
	}
	return a.file.channelImage(ctx, a, index)
}

// ChannelDataIn returns the pixels of the channel named `name` inside `region`.
// A region reaching outside the acquisition gives an error wrapping `ErrOutOfBounds`.
func (a *Acquisition) ChannelDataIn(ctx context.Context, name string, region spectrum.Region) (*spectrum.ChannelImage, error) {
	img, err := a.ChannelData(ctx, name)
	if err != nil {
		return nil, err
	}
	return img.Crop(region)
}

// Spectrum returns every channel's intensity at raster position (x, y).
// Raster-scanned acquisitions cost a single read; those recording X and Y channels
// need one pass over the coordinate columns to find the spectrum.
func (a *Acquisition) Spectrum(ctx context.Context, x, y int) ([]float32, error) {
	if x < 0 || y < 0 || x >= a.Width || y >= a.Height {
		return nil, fmt.Errorf("pixel (%d, %d) of %dx%d acquisition %d: %w", x, y, a.Width, a.Height, a.ID, ErrOutOfBounds)
	}
	e, err := a.Extractor()
	if err != nil {
		return nil, err
	}
	xi, yi, ok := spectrum.CoordinateColumns(a.channelNames())
	if !ok {
		return e.Spectrum(y*a.Width + x)
	}
	columns, err := e.Columns(ctx, xi, yi)
	if err != nil {
		return nil, err
	}
	// a later spectrum at the same position replaces an earlier one, as in the channel images
	for i := len(columns[0]) - 1; i >= 0; i-- {
		if columns[0][i] == float32(x) && columns[1][i] == float32(y) {
			return e.Spectrum(i)
		}
	}
	return nil, fmt.Errorf("pixel (%d, %d) of acquisition %d: %w", x, y, a.ID, ErrNotRecorded)
}

// PixelsIn returns the pixels of the acquisition lying within `rect`, given in slide µm.
// The result is false when the rectangle misses the acquisition.
func (a *Acquisition) PixelsIn(rect geometry.Rect) (spectrum.Region, bool) {
	toPixels, err := a.SlideTransform().Invert()
	if err != nil {
		return spectrum.Region{}, false
	}
	box := geometry.Translation(rect.Min).Then(toPixels).BoundingBox(rect.Width(), rect.Height())
	minX := int(math.Floor(math.Max(box.Min.X, 0)))
	minY := int(math.Floor(math.Max(box.Min.Y, 0)))
	maxX := int(math.Ceil(math.Min(box.Max.X, float64(a.Width))))
	maxY := int(math.Ceil(math.Min(box.Max.Y, float64(a.Height))))
	if maxX <= minX || maxY <= minY {
		return spectrum.Region{}, false
	}
	return spectrum.Region{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, true
}

// InRegion returns whether any part of the acquisition lies within `rect`, given in slide µm
func (a *Acquisition) InRegion(rect geometry.Rect) bool {
	box := a.SlideTransform().BoundingBox(float64(a.Width), float64(a.Height))
	return box.Min.X < rect.Max.X && box.Max.X > rect.Min.X && box.Min.Y < rect.Max.Y && box.Max.Y > rect.Min.Y
}

// ChannelDataAll returns the raster image of every channel, in column order.
// Without a cache the spectral segment is decoded once and the channels are built concurrently.
func (a *Acquisition) ChannelDataAll(ctx context.Context) ([]*spectrum.ChannelImage, error) {
	n := len(a.Channels())
	out := make([]*spectrum.ChannelImage, n)
	if a.file.cacheReader() != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.file.cfg.CacheWorkers)
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() (err error) {
				out[i], err = a.file.channelImage(gctx, a, i)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}

	spectra, err := a.Spectra(ctx)
	if err != nil {
		return nil, err
	}
	order, err := a.scanOrder(spectra)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.file.cfg.CacheWorkers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() (err error) {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i], err = spectrum.BuildImage(spectra.Channel(i), order, a.Width, a.Height)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// BeforeAblationImage decodes the optical image taken before ablation
func (a *Acquisition) BeforeAblationImage() (image.Image, error) {
	img, _, err := a.file.decodeOptical(container.BeforeAblationImage, a.ID)
	return img, err
}

// AfterAblationImage decodes the optical image taken after ablation
func (a *Acquisition) AfterAblationImage() (image.Image, error) {
	img, _, err := a.file.decodeOptical(container.AfterAblationImage, a.ID)
	return img, err
}

// Panorama returns the panorama the acquisition was recorded within
func (a *Acquisition) Panorama() (*Panorama, bool) {
	return a.file.Panorama(a.PanoramaID)
}

// Slide returns the slide the acquisition was recorded on
func (a *Acquisition) Slide() (*Slide, bool) {
	return a.file.Slide(a.SlideID)
}
