package metadata

import (
	"fmt"

	"github.com/b71729/openmcd/geometry"
)

// Element kinds with a typed view
const (
	KindSlide              = "Slide"
	KindPanorama           = "Panorama"
	KindAcquisitionROI     = "AcquisitionROI"
	KindROIPoint           = "ROIPoint"
	KindAcquisition        = "Acquisition"
	KindAcquisitionChannel = "AcquisitionChannel"
)

// Element kinds kept only as generic records
const (
	KindCalibration        = "Calibration"
	KindCalibrationParams  = "CalibrationParams"
	KindCalibrationChannel = "CalibrationChannel"
	KindCalibrationFinal   = "CalibrationFinal"
	KindSlideFiducialMarks = "SlideFiducialMarks"
	KindSlideProfile       = "SlideProfile"
)

// roiPositionLimit is the largest plausible ROI start position in µm.
// Some schema versions wrote positions in nm; those are scaled down by 1000.
const roiPositionLimit = 75000

// Point is a position in slide space (µm) or pixel space
type Point = geometry.Point

// Slide is a physical glass slide
type Slide struct {
	*Record

	ID               int
	UID              string
	Description      string
	Filename         string
	SlideType        string
	WidthUm          float64
	HeightUm         float64
	ImageStartOffset int64
	ImageEndOffset   int64
	ImageFile        string
	SwVersion        string

	// PanoramaIDs and AcquisitionIDs are back-references, in document order and ascending ID respectively
	PanoramaIDs    []int
	AcquisitionIDs []int
}

func newSlide(rec *Record) (*Slide, error) {
	f := newFieldReader(rec)
	s := &Slide{Record: rec}
	s.ID = f.requiredInt("ID")
	f.id = s.ID
	s.UID = f.str("UID")
	s.Description = f.str("Description")
	s.Filename = f.str("Filename")
	s.SlideType = f.str("SlideType")
	s.WidthUm = f.requiredFloat("WidthUm")
	s.HeightUm = f.requiredFloat("HeightUm")
	s.ImageStartOffset = f.optionalInt64("ImageStartOffset", 0)
	s.ImageEndOffset = f.optionalInt64("ImageEndOffset", 0)
	s.ImageFile = f.str("ImageFile")
	s.SwVersion = f.str("SwVersion")
	if f.err == nil && (s.WidthUm <= 0 || s.HeightUm <= 0) {
		f.fail("physical size %gx%g µm must be positive", s.WidthUm, s.HeightUm)
	}
	return s, f.err
}

// Panorama is an optical image of a slide region
type Panorama struct {
	*Record

	ID          int
	SlideID     int
	Description string
	// Corners are the slide-space positions of image pixels (0,H), (W,H), (W,0) and (0,0)
	Corners          [4]Point
	HasCorners       bool
	ImageStartOffset int64
	ImageEndOffset   int64
	PixelWidth       int
	PixelHeight      int
	ImageFormat      string
	PixelScaleCoef   float64
	Type             string
	IsLocked         bool
	RotationAngle    float64

	AcquisitionIDs []int
}

var cornerFields = [4][2]string{
	{"SlideX1PosUm", "SlideY1PosUm"},
	{"SlideX2PosUm", "SlideY2PosUm"},
	{"SlideX3PosUm", "SlideY3PosUm"},
	{"SlideX4PosUm", "SlideY4PosUm"},
}

func newPanorama(rec *Record) (*Panorama, error) {
	f := newFieldReader(rec)
	p := &Panorama{Record: rec}
	p.ID = f.requiredInt("ID")
	f.id = p.ID
	p.SlideID = f.requiredInt("SlideID")
	p.Description = f.str("Description")
	p.HasCorners = true
	for i, names := range cornerFields {
		if !rec.Has(names[0]) || !rec.Has(names[1]) {
			p.HasCorners = false
			continue
		}
		p.Corners[i] = Point{X: f.optionalFloat(names[0], 0), Y: f.optionalFloat(names[1], 0)}
	}
	p.ImageStartOffset = f.optionalInt64("ImageStartOffset", 0)
	p.ImageEndOffset = f.optionalInt64("ImageEndOffset", 0)
	p.PixelWidth = f.optionalInt("PixelWidth", 0)
	p.PixelHeight = f.optionalInt("PixelHeight", 0)
	p.ImageFormat = f.str("ImageFormat")
	p.PixelScaleCoef = f.optionalFloat("PixelScaleCoef", 1)
	p.Type = f.str("Type")
	p.IsLocked = f.optionalBool("IsLocked", false)
	p.RotationAngle = f.optionalFloat("RotationAngle", 0)
	return p, f.err
}

// HasImage returns whether an optical image was recorded for the panorama
func (p *Panorama) HasImage() bool {
	return p.ImageEndOffset-p.ImageStartOffset > 0
}

// PixelCorners returns the pixel positions matching `Corners`
func (p *Panorama) PixelCorners() [4]Point {
	w, h := float64(p.PixelWidth), float64(p.PixelHeight)
	return [4]Point{{X: 0, Y: h}, {X: w, Y: h}, {X: w, Y: 0}, {X: 0, Y: 0}}
}

// SlideTransform returns the least-squares transform from image pixels to slide µm,
// fitted from the four recorded corners
func (p *Panorama) SlideTransform() (geometry.Affine, error) {
	if !p.HasCorners {
		return geometry.Affine{}, fmt.Errorf("panorama %d has no slide corner positions", p.ID)
	}
	if p.PixelWidth <= 0 || p.PixelHeight <= 0 {
		return geometry.Affine{}, fmt.Errorf("panorama %d has no pixel dimensions", p.ID)
	}
	pixels := p.PixelCorners()
	t, err := geometry.FitAffine(pixels[:], p.Corners[:])
	if err != nil {
		return geometry.Affine{}, fmt.Errorf("panorama %d: %w", p.ID, err)
	}
	return t, nil
}

// ROI is a region of interest drawn on a panorama, which acquisitions are recorded within
type ROI struct {
	*Record

	ID         int
	PanoramaID int
	ROIType    string
}

func newROI(rec *Record) (*ROI, error) {
	f := newFieldReader(rec)
	r := &ROI{Record: rec}
	r.ID = f.requiredInt("ID")
	f.id = r.ID
	r.PanoramaID = f.requiredInt("PanoramaID")
	r.ROIType = f.str("ROIType")
	return r, f.err
}

// ROIPoint is one vertex of an ROI outline
type ROIPoint struct {
	*Record

	ID            int
	ROIID         int
	OrderNumber   int
	Slide         Point
	PanoramaPixel Point
}

func newROIPoint(rec *Record) (*ROIPoint, error) {
	f := newFieldReader(rec)
	p := &ROIPoint{Record: rec}
	p.ID = f.requiredInt("ID")
	f.id = p.ID
	p.ROIID = f.requiredInt("AcquisitionROIID")
	p.OrderNumber = f.optionalInt("OrderNumber", 0)
	p.Slide = Point{X: f.optionalFloat("SlideXPosUm", 0), Y: f.optionalFloat("SlideYPosUm", 0)}
	p.PanoramaPixel = Point{X: f.optionalFloat("PanoramaPixelXPos", 0), Y: f.optionalFloat("PanoramaPixelYPos", 0)}
	return p, f.err
}

// Acquisition is one spectrometry run over a rectangular region
type Acquisition struct {
	*Record

	ID                int
	Description       string
	OrderNumber       int
	ROIID             int
	AblationPower     float64
	AblationDistanceX float64
	AblationDistanceY float64
	AblationFrequency float64
	SignalType        string
	DualCountStart    string
	DataStartOffset   int64
	DataEndOffset     int64
	StartTimeStamp    string
	EndTimeStamp      string

	BeforeAblationImageStartOffset int64
	BeforeAblationImageEndOffset   int64
	AfterAblationImageStartOffset  int64
	AfterAblationImageEndOffset    int64

	// ROIStart and ROIEnd are slide-space positions in µm, with recording quirks corrected
	ROIStart Point
	ROIEnd   Point

	MovementType      string
	SegmentDataFormat string
	ValueBytes        int
	Width             int
	Height            int
	PlumeStart        int
	PlumeEnd          int
	Template          string
	ProfilingType     string
	// RotationAngle is in degrees, counter-clockwise in slide space
	RotationAngle float64

	// resolved while linking
	PanoramaID int
	SlideID    int
}

func newAcquisition(rec *Record) (*Acquisition, error) {
	f := newFieldReader(rec)
	a := &Acquisition{Record: rec}
	a.ID = f.requiredInt("ID")
	f.id = a.ID
	a.Description = f.str("Description")
	a.OrderNumber = f.optionalInt("OrderNumber", 0)
	a.ROIID = f.requiredInt("AcquisitionROIID")
	a.AblationPower = f.optionalFloat("AblationPower", 0)
	a.AblationDistanceX = f.optionalFloat("AblationDistanceBetweenShotsX", 1)
	a.AblationDistanceY = f.optionalFloat("AblationDistanceBetweenShotsY", 1)
	a.AblationFrequency = f.optionalFloat("AblationFrequency", 0)
	a.SignalType = f.str("SignalType")
	a.DualCountStart = f.str("DualCountStart")
	a.DataStartOffset = f.requiredInt64("DataStartOffset")
	a.DataEndOffset = f.requiredInt64("DataEndOffset")
	a.StartTimeStamp = f.str("StartTimeStamp")
	a.EndTimeStamp = f.str("EndTimeStamp")
	a.BeforeAblationImageStartOffset = f.optionalInt64("BeforeAblationImageStartOffset", 0)
	a.BeforeAblationImageEndOffset = f.optionalInt64("BeforeAblationImageEndOffset", 0)
	a.AfterAblationImageStartOffset = f.optionalInt64("AfterAblationImageStartOffset", 0)
	a.AfterAblationImageEndOffset = f.optionalInt64("AfterAblationImageEndOffset", 0)
	a.ROIStart = Point{X: f.optionalFloat("ROIStartXPosUm", 0), Y: f.optionalFloat("ROIStartYPosUm", 0)}
	a.ROIEnd = Point{X: f.optionalFloat("ROIEndXPosUm", 0), Y: f.optionalFloat("ROIEndYPosUm", 0)}
	a.MovementType = f.str("MovementType")
	a.SegmentDataFormat = f.str("SegmentDataFormat")
	a.ValueBytes = f.optionalInt("ValueBytes", 4)
	a.Width = f.requiredInt("MaxX")
	a.Height = f.requiredInt("MaxY")
	a.PlumeStart = f.optionalInt("PlumeStart", 0)
	a.PlumeEnd = f.optionalInt("PlumeEnd", 0)
	a.Template = f.str("Template")
	a.ProfilingType = f.str("ProfilingType")
	a.RotationAngle = f.optionalFloat("RotationAngle", 0)
	if f.err != nil {
		return a, f.err
	}
	if a.Width < 0 || a.Height < 0 {
		f.fail("dimensions %dx%d must not be negative", a.Width, a.Height)
	}
	if a.AblationDistanceX <= 0 {
		a.AblationDistanceX = 1
	}
	if a.AblationDistanceY <= 0 {
		a.AblationDistanceY = 1
	}
	a.fixROIPositions()
	return a, f.err
}

// fixROIPositions corrects start positions recorded in nm rather than µm, and
// end positions recorded equal to the start.
func (a *Acquisition) fixROIPositions() {
	if a.ROIStart.X > roiPositionLimit {
		a.ROIStart.X /= 1000
	}
	if a.ROIStart.Y > roiPositionLimit {
		a.ROIStart.Y /= 1000
	}
	if a.ROIEnd.X == a.ROIStart.X {
		a.ROIEnd.X = a.ROIStart.X + float64(a.Width)*a.AblationDistanceX
	}
	if a.ROIEnd.Y == a.ROIStart.Y {
		a.ROIEnd.Y = a.ROIStart.Y + float64(a.Height)*a.AblationDistanceY
	}
}

// PixelSize returns the slide-space size of one pixel in µm
func (a *Acquisition) PixelSize() (x, y float64) {
	return a.AblationDistanceX, a.AblationDistanceY
}

// SlideTransform maps pixel positions to slide µm: pixels are scaled by the
// ablation distances, rotated by `RotationAngle` and placed at `ROIStart`
func (a *Acquisition) SlideTransform() geometry.Affine {
	return geometry.Scaling(a.AblationDistanceX, a.AblationDistanceY).
		Then(geometry.Rotation(a.RotationAngle)).
		Then(geometry.Translation(a.ROIStart))
}

// DataLength returns the number of bytes recorded for the spectral segment
func (a *Acquisition) DataLength() int64 {
	return a.DataEndOffset - a.DataStartOffset
}

// ExpectedDataLength returns the number of bytes the spectral segment must hold for `channels` channels
func (a *Acquisition) ExpectedDataLength(channels int) int64 {
	return int64(a.Width) * int64(a.Height) * int64(channels) * int64(a.ValueBytes)
}

// HasBeforeAblationImage returns whether an optical image was taken before ablation
func (a *Acquisition) HasBeforeAblationImage() bool {
	return a.BeforeAblationImageEndOffset-a.BeforeAblationImageStartOffset > 0
}

// HasAfterAblationImage returns whether an optical image was taken after ablation
func (a *Acquisition) HasAfterAblationImage() bool {
	return a.AfterAblationImageEndOffset-a.AfterAblationImageStartOffset > 0
}

// Channel is one measured label within an acquisition.
// `Index` is its column within each per-pixel spectrum row.
type Channel struct {
	*Record

	ID            int
	Name          string
	Label         string
	OrderNumber   int
	AcquisitionID int
	Index         int
}

func newChannel(rec *Record) (*Channel, error) {
	f := newFieldReader(rec)
	c := &Channel{Record: rec}
	c.ID = f.requiredInt("ID")
	f.id = c.ID
	c.Name = f.requiredString("ChannelName")
	c.Label = f.str("ChannelLabel")
	c.OrderNumber = f.requiredInt("OrderNumber")
	c.AcquisitionID = f.requiredInt("AcquisitionID")
	return c, f.err
}
