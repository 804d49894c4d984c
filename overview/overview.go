// Package overview composes a scaled image of a whole slide with each acquisition drawn at its physical position.
package overview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/b71729/openmcd/core"
	"github.com/b71729/openmcd/geometry"
	"github.com/b71729/openmcd/metadata"
	"github.com/b71729/openmcd/spectrum"
	"golang.org/x/image/draw"
)

// ChannelSource supplies the raster image of a named channel of an acquisition.
// A channel the acquisition does not record must be reported as a `*core.InvalidChannelError`.
type ChannelSource interface {
	ChannelImage(ctx context.Context, acquisitionID int, channel string) (*spectrum.ChannelImage, error)
}

// Request describes one overview
type Request struct {
	Slide        *metadata.Slide
	Acquisitions []*metadata.Acquisition
	// Width is the width of the output in pixels; the height follows from the slide's aspect ratio
	Width     int
	Channel   string
	Threshold float64
	// Optical images drawn, in order, beneath the acquisitions of the composite
	Optical []OpticalLayer
}

// OpticalLayer is an optical image together with the transform taking its pixels to slide µm
type OpticalLayer struct {
	Image   image.Image
	ToSlide geometry.Affine
}

// Skipped records an acquisition left out of an overview
type Skipped struct {
	AcquisitionID int
	Reason        error
}

// OverviewImage is a composed slide overview
type OverviewImage struct {
	Image *image.Gray
	// Composite holds the optical layers with the acquisitions drawn over them.
	// It is nil when the request has no optical layers.
	Composite *image.RGBA
	// Scale is the number of output pixels per slide µm
	Scale   float64
	Max     float64
	Skipped []Skipped
}

// DisplayValue maps intensity `v` to 8 bits given the threshold `t` and the maximum intensity `m`.
// Values below the threshold (and NaN) are black; the range [t, m] is stretched linearly over [0, 255].
func DisplayValue(v float32, t, m float64) uint8 {
	x := float64(v)
	if math.IsNaN(x) || x < t || m <= t {
		return 0
	}
	scaled := math.Round(255 * (x - t) / (m - t))
	switch {
	case scaled < 0:
		return 0
	case scaled > 255:
		return 255
	}
	return uint8(scaled)
}

type layer struct {
	acq *metadata.Acquisition
	img *spectrum.ChannelImage
}

// Compose renders `req`, fetching channel images from `src`
func Compose(ctx context.Context, req Request, src ChannelSource) (*OverviewImage, error) {
	if req.Slide == nil {
		return nil, errors.New("no slide given")
	}
	if req.Width <= 0 {
		return nil, fmt.Errorf("overview width must be positive, have %d", req.Width)
	}
	if req.Slide.WidthUm <= 0 || req.Slide.HeightUm <= 0 {
		return nil, fmt.Errorf("slide %d has no physical size", req.Slide.ID)
	}
	scale := float64(req.Width) / req.Slide.WidthUm
	height := int(math.Round(req.Slide.HeightUm * scale))
	if height < 1 {
		height = 1
	}
	out := &OverviewImage{Image: image.NewGray(image.Rect(0, 0, req.Width, height)), Scale: scale}
	toCanvas := geometry.Scaling(scale, scale)
	if len(req.Optical) > 0 {
		out.Composite = image.NewRGBA(out.Image.Bounds())
		for i, l := range req.Optical {
			if l.Image == nil {
				continue
			}
			placement := l.ToSlide.Then(toCanvas)
			core.Debugf("overview of slide %d: optical layer %d placed at %v", req.Slide.ID, i,
				placement.BoundingBox(float64(l.Image.Bounds().Dx()), float64(l.Image.Bounds().Dy())))
			draw.NearestNeighbor.Transform(out.Composite, placement.Aff3(), l.Image, l.Image.Bounds(), draw.Over, nil)
		}
	}

	acqs := append([]*metadata.Acquisition(nil), req.Acquisitions...)
	sort.Slice(acqs, func(i, j int) bool { return acqs[i].ID < acqs[j].ID })

	var layers []layer
	max := math.Inf(-1)
	for _, acq := range acqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := src.ChannelImage(ctx, acq.ID, req.Channel)
		var channelErr *core.InvalidChannelError
		if errors.As(err, &channelErr) {
			core.Warnf("overview of slide %d: skipping acquisition %d: %v", req.Slide.ID, acq.ID, err)
			out.Skipped = append(out.Skipped, Skipped{AcquisitionID: acq.ID, Reason: err})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("acquisition %d: %w", acq.ID, err)
		}
		layers = append(layers, layer{acq: acq, img: img})
		if img.ValidPixels() > 0 {
			if _, m := img.Range(); float64(m) > max {
				max = float64(m)
			}
		}
	}
	if len(layers) == 0 {
		core.Warnf("overview of slide %d: no acquisition records channel %q", req.Slide.ID, req.Channel)
		return out, nil
	}
	if math.IsInf(max, -1) {
		max = 0
	}
	out.Max = max

	for _, l := range layers {
		if l.img.Width == 0 || l.img.Height == 0 {
			continue
		}
		display := image.NewGray(image.Rect(0, 0, l.img.Width, l.img.Height))
		for i, v := range l.img.Data {
			display.Pix[i] = DisplayValue(v, req.Threshold, max)
		}
		placement := l.acq.SlideTransform().Then(toCanvas)
		core.Debugf("overview of slide %d: acquisition %d (%dx%d) placed at %v",
			req.Slide.ID, l.acq.ID, l.img.Width, l.img.Height, placement.BoundingBox(float64(l.img.Width), float64(l.img.Height)))
		draw.NearestNeighbor.Transform(out.Image, placement.Aff3(), display, display.Bounds(), draw.Src, nil)
		if out.Composite != nil {
			draw.NearestNeighbor.Transform(out.Composite, placement.Aff3(), display, display.Bounds(), draw.Src, nil)
		}
	}
	return out, nil
}
