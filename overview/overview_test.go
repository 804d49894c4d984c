package overview

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/b71729/openmcd/core"
	"github.com/b71729/openmcd/geometry"
	"github.com/b71729/openmcd/metadata"
	"github.com/b71729/openmcd/spectrum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"
)

// fakeSource serves constant images, keyed by acquisition then channel name
type fakeSource map[int]map[string]*spectrum.ChannelImage

func (s fakeSource) ChannelImage(_ context.Context, acquisitionID int, channel string) (*spectrum.ChannelImage, error) {
	img, ok := s[acquisitionID][channel]
	if !ok {
		return nil, core.NewInvalidChannelError(acquisitionID, channel)
	}
	return img, nil
}

func constant(w, h int, v float32) *spectrum.ChannelImage {
	data := make([]float32, w*h)
	for i := range data {
		data[i] = v
	}
	return spectrum.NewChannelImage(w, h, data)
}

func acquisition(id int, x, y float64, w, h int) *metadata.Acquisition {
	return &metadata.Acquisition{
		ID: id, Width: w, Height: h,
		ROIStart:          geometry.Point{X: x, Y: y},
		AblationDistanceX: 1, AblationDistanceY: 1,
	}
}

var testSlide = &metadata.Slide{ID: 0, WidthUm: 2000, HeightUm: 1000}

func TestDisplayValue(t *testing.T) {
	t.Parallel()
	cases := []struct {
		v        float32
		t, m     float64
		expected uint8
	}{
		{v: 0, t: 0, m: 10, expected: 0},
		{v: 10, t: 0, m: 10, expected: 255},
		{v: 5, t: 0, m: 10, expected: 128},
		{v: 4, t: 5, m: 10, expected: 0},
		{v: 5, t: 5, m: 10, expected: 0},
		{v: 7.5, t: 5, m: 10, expected: 128},
		{v: 10, t: 10, m: 10, expected: 0},
		{v: 12, t: 0, m: 10, expected: 255},
		{v: float32(math.NaN()), t: 0, m: 10, expected: 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, DisplayValue(c.v, c.t, c.m), "v=%g t=%g m=%g", c.v, c.t, c.m)
	}
}

func TestDisplayValueMonotonicInThreshold(t *testing.T) {
	t.Parallel()
	const m = 100
	for v := float32(0); v <= m; v += 3.5 {
		prev := uint8(255)
		for th := -20.0; th <= m+5; th += 2.5 {
			d := DisplayValue(v, th, m)
			assert.LessOrEqual(t, d, prev, "v=%g t=%g", v, th)
			prev = d
		}
	}
}

func TestComposePlacesAcquisitions(t *testing.T) {
	t.Parallel()
	src := fakeSource{
		1: {"Ir191": constant(100, 100, 4)},
		2: {"Ir191": constant(40, 40, 8)},
	}
	req := Request{
		Slide:        testSlide,
		Acquisitions: []*metadata.Acquisition{acquisition(2, 1000, 500, 40, 40), acquisition(1, 0, 0, 100, 100)},
		Width:        1000,
		Channel:      "Ir191",
	}
	out, err := Compose(context.Background(), req, src)
	require.NoError(t, err)
	assert.Equal(t, 1000, out.Image.Bounds().Dx())
	assert.Equal(t, 500, out.Image.Bounds().Dy())
	assert.Equal(t, 0.5, out.Scale)
	assert.Equal(t, float64(8), out.Max)
	assert.Empty(t, out.Skipped)

	assert.Equal(t, uint8(255), out.Image.GrayAt(500, 250).Y)
	assert.Equal(t, uint8(255), out.Image.GrayAt(515, 265).Y)
	assert.Equal(t, uint8(128), out.Image.GrayAt(10, 10).Y)
	assert.Equal(t, uint8(0), out.Image.GrayAt(700, 400).Y)
	assert.Equal(t, uint8(0), out.Image.GrayAt(499, 249).Y)
}

func TestComposeLaterAcquisitionsOverwrite(t *testing.T) {
	t.Parallel()
	src := fakeSource{
		1: {"Ir191": constant(20, 20, 10)},
		2: {"Ir191": constant(20, 20, 5)},
	}
	req := Request{
		Slide:        testSlide,
		Acquisitions: []*metadata.Acquisition{acquisition(2, 0, 0, 20, 20), acquisition(1, 0, 0, 20, 20)},
		Width:        2000,
		Channel:      "Ir191",
	}
	out, err := Compose(context.Background(), req, src)
	require.NoError(t, err)
	assert.Equal(t, uint8(128), out.Image.GrayAt(5, 5).Y)
}

func TestComposeSkipsMissingChannel(t *testing.T) {
	t.Parallel()
	src := fakeSource{
		1: {"Ir191": constant(10, 10, 2)},
		2: {"Ir193": constant(10, 10, 100)},
	}
	req := Request{
		Slide:        testSlide,
		Acquisitions: []*metadata.Acquisition{acquisition(1, 0, 0, 10, 10), acquisition(2, 100, 100, 10, 10)},
		Width:        2000,
		Channel:      "Ir191",
	}
	out, err := Compose(context.Background(), req, src)
	require.NoError(t, err)
	require.Len(t, out.Skipped, 1)
	assert.Equal(t, 2, out.Skipped[0].AcquisitionID)
	var channelErr *core.InvalidChannelError
	assert.True(t, errors.As(out.Skipped[0].Reason, &channelErr))
	// the skipped acquisition does not contribute to the maximum
	assert.Equal(t, float64(2), out.Max)
	assert.Equal(t, uint8(255), out.Image.GrayAt(5, 5).Y)
}

func TestComposeRotation(t *testing.T) {
	t.Parallel()
	acq := acquisition(1, 100, 100, 10, 4)
	acq.RotationAngle = 90
	src := fakeSource{1: {"Ir191": constant(10, 4, 1)}}
	out, err := Compose(context.Background(), Request{
		Slide: testSlide, Acquisitions: []*metadata.Acquisition{acq}, Width: 2000, Channel: "Ir191",
	}, src)
	require.NoError(t, err)
	// rotated counter-clockwise about the ROI start: x runs along +y, y along -x
	assert.Equal(t, uint8(255), out.Image.GrayAt(98, 105).Y)
	assert.Equal(t, uint8(0), out.Image.GrayAt(105, 98).Y)
}

func TestComposeInvalidRequests(t *testing.T) {
	t.Parallel()
	src := fakeSource{}
	_, err := Compose(context.Background(), Request{Width: 10}, src)
	assert.Error(t, err)
	_, err = Compose(context.Background(), Request{Slide: testSlide, Width: 0}, src)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Compose(ctx, Request{Slide: testSlide, Width: 10, Acquisitions: []*metadata.Acquisition{acquisition(1, 0, 0, 1, 1)}}, src)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComposeOpticalBackground(t *testing.T) {
	t.Parallel()
	red := image.NewRGBA(image.Rect(0, 0, 10, 10))
	draw.Draw(red, red.Bounds(), image.NewUniform(color.RGBA{R: 255, A: 255}), image.Point{}, draw.Src)
	src := fakeSource{1: {"Ir191": constant(100, 100, 4)}}
	req := Request{
		Slide:        testSlide,
		Acquisitions: []*metadata.Acquisition{acquisition(1, 0, 0, 100, 100)},
		Width:        200,
		Channel:      "Ir191",
		// 10 pixels of 100 µm cover the left half of the slide
		Optical: []OpticalLayer{{Image: red, ToSlide: geometry.Scaling(100, 100)}},
	}
	out, err := Compose(context.Background(), req, src)
	require.NoError(t, err)
	require.NotNil(t, out.Composite)
	assert.Equal(t, out.Image.Bounds(), out.Composite.Bounds())

	assert.Equal(t, color.RGBA{R: 255, A: 255}, out.Composite.RGBAAt(50, 50))
	assert.Equal(t, color.RGBA{}, out.Composite.RGBAAt(150, 50))
	// the acquisition is drawn over the optical image
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, out.Composite.RGBAAt(5, 5))
	assert.Equal(t, uint8(255), out.Image.GrayAt(5, 5).Y)

	req.Optical = nil
	out, err = Compose(context.Background(), req, src)
	require.NoError(t, err)
	assert.Nil(t, out.Composite)
}

func TestComposeOpticalWithoutAcquisitions(t *testing.T) {
	t.Parallel()
	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range gray.Pix {
		gray.Pix[i] = 90
	}
	out, err := Compose(context.Background(), Request{
		Slide:   testSlide,
		Width:   100,
		Channel: "Ir191",
		Optical: []OpticalLayer{{Image: gray, ToSlide: geometry.Scaling(500, 250)}},
	}, fakeSource{})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 90, G: 90, B: 90, A: 255}, out.Composite.RGBAAt(99, 49))
}
