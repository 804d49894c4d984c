// Package mcdtest builds small synthetic `.mcd` containers for tests.
package mcdtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Channel describes one channel of a synthetic acquisition
type Channel struct {
	ID    int
	Name  string
	Label string
	// OmitLabel drops the ChannelLabel element entirely
	OmitLabel bool
}

// Acquisition describes a synthetic acquisition. Channels are written with
// order numbers matching their position in `Channels`.
type Acquisition struct {
	ID       int
	ROIID    int
	Width    int
	Height   int
	X, Y     float64
	Rotation float64
	// PixelSize is the ablation distance between shots in µm; 0 means 1
	PixelSize float64
	Channels  []Channel
	// Values returns the intensity stored for `channel` at scan position `pixel`.
	// Defaults to `DefaultValue`.
	Values func(pixel, channel int) float32
	// ExtraBytes appends bytes to the data segment without changing the declared dimensions
	ExtraBytes int
	// Extra holds additional elements written verbatim into the Acquisition record
	Extra map[string]string
	// BeforeImage and AfterImage are embedded as optical images when non-empty
	BeforeImage []byte
	AfterImage  []byte
}

// Slide describes a synthetic slide
type Slide struct {
	ID       int
	WidthUm  float64
	HeightUm float64
}

// Panorama describes a synthetic panorama. `Image` is embedded as its optical image when non-empty.
type Panorama struct {
	ID      int
	SlideID int
	// Corners are the slide-space positions (x1,y1 .. x4,y4) in µm
	Corners       [8]float64
	PixelWidth    int
	PixelHeight   int
	Image         []byte
	ImageFormat   string
	IncludeCorner bool
}

// ROI links an acquisition to a panorama
type ROI struct {
	ID         int
	PanoramaID int
}

// File describes a complete synthetic container
type File struct {
	Slides       []Slide
	Panoramas    []Panorama
	ROIs         []ROI
	Acquisitions []Acquisition
	// ExtraXML is inserted verbatim before the closing MCDSchema tag
	ExtraXML string
	// TrailingBytes appended after the metadata block
	TrailingBytes int
}

// DefaultValue is the intensity written when an acquisition has no `Values` func
func DefaultValue(acquisitionID int) func(pixel, channel int) float32 {
	return func(pixel, channel int) float32 {
		return float32(acquisitionID*100000 + pixel*10 + channel)
	}
}

// Simple returns a file with one slide, panorama, ROI and acquisition of
// `width`×`height` pixels with the named channels.
func Simple(width, height int, channels ...string) File {
	acq := Acquisition{ID: 1, ROIID: 1, Width: width, Height: height}
	for i, name := range channels {
		acq.Channels = append(acq.Channels, Channel{ID: i + 1, Name: name, Label: name + "_label"})
	}
	return File{
		Slides:       []Slide{{ID: 1, WidthUm: 2000, HeightUm: 1000}},
		Panoramas:    []Panorama{{ID: 1, SlideID: 1}},
		ROIs:         []ROI{{ID: 1, PanoramaID: 1}},
		Acquisitions: []Acquisition{acq},
	}
}

// headerBytes precede the first segment so that no segment begins at offset 0
var headerBytes = []byte("IMC synthetic\x00\x00\x00")

type offsets struct {
	dataStart, dataEnd     map[int]int64
	panoStart, panoEnd     map[int]int64
	beforeStart, beforeEnd map[int]int64
	afterStart, afterEnd   map[int]int64
}

// writeOptical writes `image` behind its fixed-size header and returns the recorded offsets
func writeOptical(buf *bytes.Buffer, image []byte) (start, end int64) {
	start = int64(buf.Len())
	buf.Write(make([]byte, 161))
	buf.Write(image)
	return start, int64(buf.Len())
}

// Bytes renders the container
func (f File) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(headerBytes)
	offs := offsets{
		dataStart: map[int]int64{}, dataEnd: map[int]int64{},
		panoStart: map[int]int64{}, panoEnd: map[int]int64{},
		beforeStart: map[int]int64{}, beforeEnd: map[int]int64{},
		afterStart: map[int]int64{}, afterEnd: map[int]int64{},
	}
	for _, pano := range f.Panoramas {
		if len(pano.Image) == 0 {
			continue
		}
		offs.panoStart[pano.ID], offs.panoEnd[pano.ID] = writeOptical(&buf, pano.Image)
	}
	for _, acq := range f.Acquisitions {
		if len(acq.BeforeImage) > 0 {
			offs.beforeStart[acq.ID], offs.beforeEnd[acq.ID] = writeOptical(&buf, acq.BeforeImage)
		}
		if len(acq.AfterImage) > 0 {
			offs.afterStart[acq.ID], offs.afterEnd[acq.ID] = writeOptical(&buf, acq.AfterImage)
		}
	}
	for _, acq := range f.Acquisitions {
		offs.dataStart[acq.ID] = int64(buf.Len())
		values := acq.Values
		if values == nil {
			values = DefaultValue(acq.ID)
		}
		var b4 [4]byte
		for pixel := 0; pixel < acq.Width*acq.Height; pixel++ {
			for c := range acq.Channels {
				binary.LittleEndian.PutUint32(b4[:], math.Float32bits(values(pixel, c)))
				buf.Write(b4[:])
			}
		}
		buf.Write(make([]byte, acq.ExtraBytes))
		offs.dataEnd[acq.ID] = int64(buf.Len())
	}
	for _, r := range f.renderXML(offs) {
		var b2 [2]byte
		binary.LittleEndian.PutUint16(b2[:], uint16(r))
		buf.Write(b2[:])
	}
	buf.Write(make([]byte, f.TrailingBytes))
	return buf.Bytes()
}

func element(sb *strings.Builder, name string, value interface{}) {
	fmt.Fprintf(sb, "<%s>%v</%s>", name, value, name)
}

func writeExtra(sb *strings.Builder, extra map[string]string) {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		element(sb, k, extra[k])
	}
}

// renderXML renders the metadata document for the given segment offsets
func (f File) renderXML(offs offsets) string {
	var sb strings.Builder
	sb.WriteString(`<MCDSchema xmlns="http://www.fluidigm.com/IMC/MCDSchema_V2_0.xsd">`)
	for _, slide := range f.Slides {
		sb.WriteString("<Slide>")
		element(&sb, "ID", slide.ID)
		element(&sb, "UID", "")
		element(&sb, "Description", fmt.Sprintf("Slide %d", slide.ID))
		element(&sb, "Filename", "synthetic.mcd")
		element(&sb, "SlideType", "Slide")
		element(&sb, "WidthUm", slide.WidthUm)
		element(&sb, "HeightUm", slide.HeightUm)
		element(&sb, "ImageStartOffset", 0)
		element(&sb, "ImageEndOffset", 0)
		element(&sb, "SwVersion", "7.0.8493")
		sb.WriteString("</Slide>")
	}
	for _, pano := range f.Panoramas {
		sb.WriteString("<Panorama>")
		element(&sb, "ID", pano.ID)
		element(&sb, "SlideID", pano.SlideID)
		element(&sb, "Description", fmt.Sprintf("Panorama_%03d", pano.ID))
		if pano.IncludeCorner {
			names := []string{"SlideX1PosUm", "SlideY1PosUm", "SlideX2PosUm", "SlideY2PosUm", "SlideX3PosUm", "SlideY3PosUm", "SlideX4PosUm", "SlideY4PosUm"}
			for i, name := range names {
				element(&sb, name, pano.Corners[i])
			}
			element(&sb, "PixelWidth", pano.PixelWidth)
			element(&sb, "PixelHeight", pano.PixelHeight)
		}
		element(&sb, "ImageStartOffset", offs.panoStart[pano.ID])
		element(&sb, "ImageEndOffset", offs.panoEnd[pano.ID])
		if pano.ImageFormat != "" {
			element(&sb, "ImageFormat", pano.ImageFormat)
		}
		element(&sb, "Type", "Default")
		sb.WriteString("</Panorama>")
	}
	for _, roi := range f.ROIs {
		sb.WriteString("<AcquisitionROI>")
		element(&sb, "ID", roi.ID)
		element(&sb, "PanoramaID", roi.PanoramaID)
		element(&sb, "ROIType", "Acquisition")
		sb.WriteString("</AcquisitionROI>")
	}
	for i, acq := range f.Acquisitions {
		pixelSize := acq.PixelSize
		if pixelSize == 0 {
			pixelSize = 1
		}
		sb.WriteString("<Acquisition>")
		element(&sb, "ID", acq.ID)
		element(&sb, "Description", fmt.Sprintf("ROI_%03d", acq.ID))
		element(&sb, "AblationPower", 50)
		element(&sb, "AblationDistanceBetweenShotsX", pixelSize)
		element(&sb, "AblationDistanceBetweenShotsY", pixelSize)
		element(&sb, "AblationFrequency", 200)
		element(&sb, "AcquisitionROIID", acq.ROIID)
		element(&sb, "OrderNumber", i+1)
		element(&sb, "SignalType", "Dual")
		element(&sb, "DataStartOffset", offs.dataStart[acq.ID])
		element(&sb, "DataEndOffset", offs.dataEnd[acq.ID])
		element(&sb, "StartTimeStamp", "2021-03-04T10:12:00.000+00:00")
		element(&sb, "EndTimeStamp", "2021-03-04T10:42:00.000+00:00")
		element(&sb, "BeforeAblationImageStartOffset", offs.beforeStart[acq.ID])
		element(&sb, "BeforeAblationImageEndOffset", offs.beforeEnd[acq.ID])
		element(&sb, "AfterAblationImageStartOffset", offs.afterStart[acq.ID])
		element(&sb, "AfterAblationImageEndOffset", offs.afterEnd[acq.ID])
		element(&sb, "ROIStartXPosUm", acq.X)
		element(&sb, "ROIStartYPosUm", acq.Y)
		element(&sb, "ROIEndXPosUm", acq.X)
		element(&sb, "ROIEndYPosUm", acq.Y+float64(acq.Height)*pixelSize)
		element(&sb, "MovementType", "XRaster")
		element(&sb, "SegmentDataFormat", "Float")
		element(&sb, "ValueBytes", 4)
		element(&sb, "MaxX", acq.Width)
		element(&sb, "MaxY", acq.Height)
		if acq.Rotation != 0 {
			element(&sb, "RotationAngle", acq.Rotation)
		}
		writeExtra(&sb, acq.Extra)
		sb.WriteString("</Acquisition>")
	}
	for _, acq := range f.Acquisitions {
		for order, channel := range acq.Channels {
			sb.WriteString("<AcquisitionChannel>")
			element(&sb, "ID", channel.ID+acq.ID*1000)
			element(&sb, "ChannelName", channel.Name)
			element(&sb, "OrderNumber", order)
			element(&sb, "AcquisitionID", acq.ID)
			if !channel.OmitLabel {
				element(&sb, "ChannelLabel", channel.Label)
			}
			sb.WriteString("</AcquisitionChannel>")
		}
	}
	sb.WriteString(f.ExtraXML)
	sb.WriteString("</MCDSchema>")
	return sb.String()
}

// Write renders the container into `dir` under `name` and returns its path
func (f File) Write(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, f.Bytes(), 0644); err != nil {
		t.Fatalf("error: %v", err)
	}
	return path
}
