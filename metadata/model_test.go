package metadata

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/b71729/openmcd/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/*
===============================================================================
    Utilities
===============================================================================
*/

const (
	testSlide    = `<Slide><ID>0</ID><Description>Slide 1</Description><WidthUm>75000</WidthUm><HeightUm>25000</HeightUm><SwVersion>7.0</SwVersion></Slide>`
	testPanorama = `<Panorama><ID>1</ID><SlideID>0</SlideID><Description>Pano</Description>` +
		`<SlideX1PosUm>100</SlideX1PosUm><SlideY1PosUm>300</SlideY1PosUm>` +
		`<SlideX2PosUm>500</SlideX2PosUm><SlideY2PosUm>300</SlideY2PosUm>` +
		`<SlideX3PosUm>500</SlideX3PosUm><SlideY3PosUm>100</SlideY3PosUm>` +
		`<SlideX4PosUm>100</SlideX4PosUm><SlideY4PosUm>100</SlideY4PosUm>` +
		`<ImageStartOffset>0</ImageStartOffset><ImageEndOffset>0</ImageEndOffset><PixelWidth>400</PixelWidth><PixelHeight>200</PixelHeight>` +
		`<ImageFormat>PNG</ImageFormat><IsLocked>true</IsLocked></Panorama>`
	testROI = `<AcquisitionROI><ID>1</ID><PanoramaID>1</PanoramaID><ROIType>Acquisition</ROIType></AcquisitionROI>`
)

func acquisitionXML(id, roi int, extra string) string {
	return fmt.Sprintf(`<Acquisition><ID>%d</ID><Description>ROI_%03d</Description><OrderNumber>%d</OrderNumber>`+
		`<AcquisitionROIID>%d</AcquisitionROIID><DataStartOffset>0</DataStartOffset><DataEndOffset>48</DataEndOffset>`+
		`<MaxX>2</MaxX><MaxY>2</MaxY><ValueBytes>4</ValueBytes>%s</Acquisition>`, id, id, id, roi, extra)
}

func channelXML(id, acq, order int, name, label string) string {
	labelXML := ""
	if label != "-" {
		labelXML = "<ChannelLabel>" + label + "</ChannelLabel>"
	}
	return fmt.Sprintf(`<AcquisitionChannel><ID>%d</ID><ChannelName>%s</ChannelName><OrderNumber>%d</OrderNumber>`+
		`<AcquisitionID>%d</AcquisitionID>%s</AcquisitionChannel>`, id, name, order, acq, labelXML)
}

func schema(parts ...string) []byte {
	return []byte(`<MCDSchema xmlns="http://www.fluidigm.com/IMC/MCDSchema_V2_0.xsd">` + strings.Join(parts, "") + `</MCDSchema>`)
}

func validDocument(extra ...string) []byte {
	parts := []string{
		testSlide, testPanorama, testROI,
		acquisitionXML(2, 1, ""),
		acquisitionXML(1, 1, "<ROIStartXPosUm>15000000</ROIStartXPosUm><ROIStartYPosUm>20000</ROIStartYPosUm><ROIEndXPosUm>15000</ROIEndXPosUm><ROIEndYPosUm>20002</ROIEndYPosUm><AblationDistanceBetweenShotsX>1</AblationDistanceBetweenShotsX><UnknownField>kept</UnknownField>"),
		channelXML(10, 1, 2, "Pt195", "CD3"),
		channelXML(11, 1, 0, "X", "X"),
		channelXML(12, 1, 1, "Y", "-"),
		channelXML(20, 2, 0, "Pt195", "CD3"),
		`<Calibration><ID>1</ID><Name>cal</Name></Calibration>`,
	}
	parts = append(parts, extra...)
	return schema(parts...)
}

func assertMetadataError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	var metaErr *core.MetadataError
	assert.True(t, errors.As(err, &metaErr), msgAndArgs...)
}

/*
===============================================================================
    Parsing
===============================================================================
*/

func TestParseValidDocument(t *testing.T) {
	t.Parallel()
	m, err := Parse(validDocument(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "http://www.fluidigm.com/IMC/MCDSchema_V2_0.xsd", m.Namespace())
	require.Len(t, m.Slides(), 1)
	slide := m.Slides()[0]
	assert.Equal(t, 0, slide.ID)
	assert.Equal(t, 75000.0, slide.WidthUm)
	assert.Equal(t, []int{1}, slide.PanoramaIDs)
	assert.Equal(t, []int{1, 2}, slide.AcquisitionIDs)

	pano, found := m.Panorama(1)
	require.True(t, found)
	assert.True(t, pano.HasCorners)
	assert.True(t, pano.IsLocked)
	assert.Equal(t, Point{X: 500, Y: 100}, pano.Corners[2])
	assert.False(t, pano.HasImage())
	assert.Equal(t, []int{1, 2}, pano.AcquisitionIDs)

	// document order is kept for acquisitions, ascending ID on a slide
	require.Len(t, m.Acquisitions(), 2)
	assert.Equal(t, 2, m.Acquisitions()[0].ID)
	onSlide := m.AcquisitionsOnSlide(0)
	require.Len(t, onSlide, 2)
	assert.Equal(t, 1, onSlide[0].ID)
	assert.Equal(t, 0, onSlide[0].SlideID)
	assert.Equal(t, 1, onSlide[0].PanoramaID)

	channels := m.Channels(1)
	require.Len(t, channels, 3)
	for i, c := range channels {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, i, c.OrderNumber)
	}
	assert.Equal(t, "X", channels[0].Name)
	assert.Equal(t, "Pt195", channels[2].Name)

	assert.Len(t, m.Records(KindCalibration), 1)
	assert.Equal(t, "cal", m.Records(KindCalibration)[0].Value("Name"))
}

func TestMissingLabelFallsBackToEmpty(t *testing.T) {
	t.Parallel()
	m, err := Parse(validDocument(), Options{})
	require.NoError(t, err)
	y := m.Channels(1)[1]
	assert.Equal(t, "Y", y.Name)
	assert.Equal(t, "", y.Label)
	assert.False(t, y.Has("ChannelLabel"))
}

func TestUnknownFieldsPassThrough(t *testing.T) {
	t.Parallel()
	m, err := Parse(validDocument(`<FutureElement><ID>4</ID><Payload>x</Payload></FutureElement>`), Options{})
	require.NoError(t, err)
	a, found := m.Acquisition(1)
	require.True(t, found)
	assert.Equal(t, "kept", a.Value("UnknownField"))
	future := m.Records("FutureElement")
	require.Len(t, future, 1)
	assert.Equal(t, []Field{{Name: "ID", Value: "4"}, {Name: "Payload", Value: "x"}}, future[0].Fields)
}

func TestROIPositionCorrections(t *testing.T) {
	t.Parallel()
	m, err := Parse(validDocument(), Options{})
	require.NoError(t, err)
	a, _ := m.Acquisition(1)
	// recorded in nm
	assert.Equal(t, 15000.0, a.ROIStart.X)
	assert.Equal(t, 20000.0, a.ROIStart.Y)
	// end equal to start is replaced by start + width * pixel size
	assert.Equal(t, 15002.0, a.ROIEnd.X)
	assert.Equal(t, 20002.0, a.ROIEnd.Y)

	b, _ := m.Acquisition(2)
	assert.Equal(t, 1.0, b.AblationDistanceX)
	assert.Equal(t, 0, b.PlumeStart)
	assert.Equal(t, 4, b.ValueBytes)
	assert.Equal(t, int64(48), b.DataLength())
	assert.Equal(t, int64(48), b.ExpectedDataLength(3))
}

func TestParseDeterministic(t *testing.T) {
	t.Parallel()
	doc := validDocument()
	first, err := Parse(doc, Options{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Parse(doc, Options{})
		require.NoError(t, err)
		assert.Equal(t, first.Slides(), again.Slides())
		assert.Equal(t, first.Acquisitions(), again.Acquisitions())
		assert.Equal(t, first.Channels(1), again.Channels(1))
		assert.Equal(t, first.UniqueChannels(), again.UniqueChannels())
	}
}

func TestParseInvalidDocuments(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		doc  []byte
	}{
		{name: "malformed", doc: []byte("<MCDSchema><Slide>")},
		{name: "wrong root", doc: []byte("<Other></Other>")},
		{name: "empty", doc: []byte("")},
		{name: "slide missing width", doc: schema(`<Slide><ID>0</ID><HeightUm>1</HeightUm></Slide>`)},
		{name: "slide non-numeric", doc: schema(`<Slide><ID>zero</ID><WidthUm>1</WidthUm><HeightUm>1</HeightUm></Slide>`)},
		{name: "duplicate slide", doc: schema(testSlide, testSlide)},
		{name: "panorama dangling slide", doc: schema(strings.Replace(testPanorama, "<SlideID>0</SlideID>", "<SlideID>9</SlideID>", 1))},
		{name: "roi dangling panorama", doc: schema(testSlide, testPanorama, `<AcquisitionROI><ID>1</ID><PanoramaID>7</PanoramaID></AcquisitionROI>`)},
		{name: "acquisition dangling roi", doc: schema(testSlide, testPanorama, testROI, acquisitionXML(1, 5, ""))},
		{name: "acquisition missing MaxX", doc: schema(testSlide, testPanorama, testROI, strings.Replace(acquisitionXML(1, 1, ""), "<MaxX>2</MaxX>", "", 1))},
		{name: "duplicate acquisition", doc: schema(testSlide, testPanorama, testROI, acquisitionXML(1, 1, ""), acquisitionXML(1, 1, ""))},
		{name: "channel dangling acquisition", doc: schema(testSlide, testPanorama, testROI, acquisitionXML(1, 1, ""), channelXML(1, 3, 0, "A", "a"))},
		{name: "channel missing name", doc: schema(testSlide, testPanorama, testROI, acquisitionXML(1, 1, ""), strings.Replace(channelXML(1, 1, 0, "A", "a"), "<ChannelName>A</ChannelName>", "", 1))},
		{name: "duplicate channel id", doc: schema(testSlide, testPanorama, testROI, acquisitionXML(1, 1, ""), channelXML(1, 1, 0, "A", "a"), channelXML(1, 1, 1, "B", "b"))},
		{name: "repeated order number", doc: schema(testSlide, testPanorama, testROI, acquisitionXML(1, 1, ""), channelXML(1, 1, 0, "A", "a"), channelXML(2, 1, 0, "B", "b"))},
		{name: "roi point dangling roi", doc: schema(testSlide, testPanorama, testROI, `<ROIPoint><ID>1</ID><AcquisitionROIID>4</AcquisitionROIID></ROIPoint>`)},
	}
	for _, c := range cases {
		_, err := Parse(c.doc, Options{})
		assertMetadataError(t, err, c.name)
	}
}

func TestChannelOrderGaps(t *testing.T) {
	t.Parallel()
	doc := schema(testSlide, testPanorama, testROI, acquisitionXML(1, 1, ""),
		channelXML(1, 1, 0, "A", "a"), channelXML(2, 1, 5, "B", "b"), channelXML(3, 1, 2, "C", "c"))

	_, err := Parse(doc, Options{StrictMode: true})
	assertMetadataError(t, err)

	m, err := Parse(doc, Options{StrictMode: false})
	require.NoError(t, err)
	channels := m.Channels(1)
	require.Len(t, channels, 3)
	assert.Equal(t, []string{"A", "C", "B"}, []string{channels[0].Name, channels[1].Name, channels[2].Name})
	assert.Equal(t, 2, channels[2].Index)
}

func TestAcquisitionLookups(t *testing.T) {
	t.Parallel()
	m, err := Parse(validDocument(), Options{})
	require.NoError(t, err)

	a, found := m.AcquisitionByOrder(2)
	require.True(t, found)
	assert.Equal(t, 2, a.ID)
	a, found = m.AcquisitionByDescription("ROI_001")
	require.True(t, found)
	assert.Equal(t, 1, a.ID)
	_, found = m.AcquisitionByDescription("missing")
	assert.False(t, found)

	unique := m.UniqueChannels()
	names := make([]string, len(unique))
	for i, c := range unique {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"X", "Y", "Pt195"}, names)
	assert.Len(t, m.PanoramasOnSlide(0), 1)
	assert.Len(t, m.AcquisitionsOnPanorama(1), 2)
}

func TestROIPoints(t *testing.T) {
	t.Parallel()
	m, err := Parse(validDocument(
		`<ROIPoint><ID>2</ID><AcquisitionROIID>1</AcquisitionROIID><OrderNumber>1</OrderNumber><SlideXPosUm>5</SlideXPosUm><SlideYPosUm>6</SlideYPosUm></ROIPoint>`,
		`<ROIPoint><ID>1</ID><AcquisitionROIID>1</AcquisitionROIID><OrderNumber>0</OrderNumber><SlideXPosUm>1</SlideXPosUm><SlideYPosUm>2</SlideYPosUm><PanoramaPixelXPos>3</PanoramaPixelXPos></ROIPoint>`,
	), Options{})
	require.NoError(t, err)
	points := m.ROIPoints(1)
	require.Len(t, points, 2)
	assert.Equal(t, 1, points[0].ID)
	assert.Equal(t, Point{X: 1, Y: 2}, points[0].Slide)
	assert.Equal(t, 3.0, points[0].PanoramaPixel.X)
	roi, found := m.ROI(1)
	require.True(t, found)
	assert.Equal(t, "Acquisition", roi.ROIType)
}

func TestIntegralFloatValues(t *testing.T) {
	t.Parallel()
	rec := newRecord("Test")
	rec.set("A", " 12.0 ")
	rec.set("B", "12.5")
	rec.set("C", "")
	f := newFieldReader(rec)
	assert.Equal(t, 12, f.requiredInt("A"))
	assert.NoError(t, f.err)
	assert.Equal(t, 7, f.optionalInt("C", 7))
	assert.NoError(t, f.err)
	f.requiredInt("B")
	assert.Error(t, f.err)
}

func TestSlideTransforms(t *testing.T) {
	t.Parallel()
	m, err := Parse(validDocument(), Options{})
	require.NoError(t, err)

	pano, ok := m.Panorama(1)
	require.True(t, ok)
	tr, err := pano.SlideTransform()
	require.NoError(t, err)
	p := tr.Apply(Point{X: 200, Y: 50})
	assert.InDelta(t, 300, p.X, 1e-6)
	assert.InDelta(t, 150, p.Y, 1e-6)

	acq, ok := m.Acquisition(1)
	require.True(t, ok)
	p = acq.SlideTransform().Apply(Point{X: 2, Y: 1})
	assert.InDelta(t, 15002, p.X, 1e-9)
	assert.InDelta(t, 20001, p.Y, 1e-9)

	pano.HasCorners = false
	_, err = pano.SlideTransform()
	assert.Error(t, err)
}
