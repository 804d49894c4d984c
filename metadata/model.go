// Package metadata builds the slide / panorama / acquisition / channel graph from the metadata document.
//
// Entities live in flat, document-ordered slices owned by `Model`. Relations are
// expressed as IDs and resolved through the `Model`.
package metadata

import (
	"sort"

	"github.com/b71729/openmcd/core"
)

// Options adjusts how strictly the document is interpreted
type Options struct {
	// StrictMode rejects gaps in channel order numbers instead of logging a warning
	StrictMode bool
}

// Model is the parsed metadata document
type Model struct {
	namespace string
	records   []*Record
	byKind    map[string][]*Record

	slides       []*Slide
	panoramas    []*Panorama
	rois         []*ROI
	roiPoints    []*ROIPoint
	acquisitions []*Acquisition
	channels     []*Channel

	slideIdx       map[int]*Slide
	panoramaIdx    map[int]*Panorama
	roiIdx         map[int]*ROI
	acquisitionIdx map[int]*Acquisition
	channelsByAcq  map[int][]*Channel
	pointsByROI    map[int][]*ROIPoint
}

// Parse builds a `Model` from a UTF-8 metadata document
func Parse(doc []byte, opts Options) (*Model, error) {
	namespace, records, err := readRecords(doc)
	if err != nil {
		return nil, err
	}
	m := &Model{
		namespace:      namespace,
		records:        records,
		byKind:         make(map[string][]*Record),
		slideIdx:       make(map[int]*Slide),
		panoramaIdx:    make(map[int]*Panorama),
		roiIdx:         make(map[int]*ROI),
		acquisitionIdx: make(map[int]*Acquisition),
		channelsByAcq:  make(map[int][]*Channel),
		pointsByROI:    make(map[int][]*ROIPoint),
	}
	if err := m.build(); err != nil {
		return nil, err
	}
	if err := m.link(opts); err != nil {
		return nil, err
	}
	return m, nil
}

func duplicate(kind string, id int) error {
	return core.MetadataErrorf(kind, id, "duplicate ID")
}

// build creates the typed entities and indexes them by ID
func (m *Model) build() error {
	channelIDs := make(map[int]bool)
	pointIDs := make(map[int]bool)
	for _, rec := range m.records {
		m.byKind[rec.Kind] = append(m.byKind[rec.Kind], rec)
		switch rec.Kind {
		case KindSlide:
			s, err := newSlide(rec)
			if err != nil {
				return err
			}
			if _, found := m.slideIdx[s.ID]; found {
				return duplicate(rec.Kind, s.ID)
			}
			m.slideIdx[s.ID] = s
			m.slides = append(m.slides, s)
		case KindPanorama:
			p, err := newPanorama(rec)
			if err != nil {
				return err
			}
			if _, found := m.panoramaIdx[p.ID]; found {
				return duplicate(rec.Kind, p.ID)
			}
			m.panoramaIdx[p.ID] = p
			m.panoramas = append(m.panoramas, p)
		case KindAcquisitionROI:
			r, err := newROI(rec)
			if err != nil {
				return err
			}
			if _, found := m.roiIdx[r.ID]; found {
				return duplicate(rec.Kind, r.ID)
			}
			m.roiIdx[r.ID] = r
			m.rois = append(m.rois, r)
		case KindROIPoint:
			p, err := newROIPoint(rec)
			if err != nil {
				return err
			}
			if pointIDs[p.ID] {
				return duplicate(rec.Kind, p.ID)
			}
			pointIDs[p.ID] = true
			m.roiPoints = append(m.roiPoints, p)
		case KindAcquisition:
			a, err := newAcquisition(rec)
			if err != nil {
				return err
			}
			if _, found := m.acquisitionIdx[a.ID]; found {
				return duplicate(rec.Kind, a.ID)
			}
			m.acquisitionIdx[a.ID] = a
			m.acquisitions = append(m.acquisitions, a)
		case KindAcquisitionChannel:
			c, err := newChannel(rec)
			if err != nil {
				return err
			}
			if channelIDs[c.ID] {
				return duplicate(rec.Kind, c.ID)
			}
			channelIDs[c.ID] = true
			m.channels = append(m.channels, c)
		default:
			core.Debugf("keeping <%s> as a generic record", rec.Kind)
		}
	}
	return nil
}

// link resolves cross-references and fills back-references
func (m *Model) link(opts Options) error {
	for _, p := range m.panoramas {
		slide, found := m.slideIdx[p.SlideID]
		if !found {
			return core.MetadataErrorf(KindPanorama, p.ID, "references missing slide %d", p.SlideID)
		}
		slide.PanoramaIDs = append(slide.PanoramaIDs, p.ID)
	}
	for _, r := range m.rois {
		if _, found := m.panoramaIdx[r.PanoramaID]; !found {
			return core.MetadataErrorf(KindAcquisitionROI, r.ID, "references missing panorama %d", r.PanoramaID)
		}
	}
	for _, p := range m.roiPoints {
		if _, found := m.roiIdx[p.ROIID]; !found {
			return core.MetadataErrorf(KindROIPoint, p.ID, "references missing ROI %d", p.ROIID)
		}
		m.pointsByROI[p.ROIID] = append(m.pointsByROI[p.ROIID], p)
	}
	for _, points := range m.pointsByROI {
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].OrderNumber < points[j].OrderNumber
		})
	}

	for _, a := range m.acquisitionsByID() {
		roi, found := m.roiIdx[a.ROIID]
		if !found {
			return core.MetadataErrorf(KindAcquisition, a.ID, "references missing ROI %d", a.ROIID)
		}
		panorama := m.panoramaIdx[roi.PanoramaID]
		a.PanoramaID = panorama.ID
		a.SlideID = panorama.SlideID
		panorama.AcquisitionIDs = append(panorama.AcquisitionIDs, a.ID)
		slide := m.slideIdx[panorama.SlideID]
		slide.AcquisitionIDs = append(slide.AcquisitionIDs, a.ID)
	}

	for _, c := range m.channels {
		if _, found := m.acquisitionIdx[c.AcquisitionID]; !found {
			return core.MetadataErrorf(KindAcquisitionChannel, c.ID, "references missing acquisition %d", c.AcquisitionID)
		}
		m.channelsByAcq[c.AcquisitionID] = append(m.channelsByAcq[c.AcquisitionID], c)
	}
	for _, a := range m.acquisitionsByID() {
		acqID, channels := a.ID, m.channelsByAcq[a.ID]
		sort.SliceStable(channels, func(i, j int) bool {
			return channels[i].OrderNumber < channels[j].OrderNumber
		})
		for i, c := range channels {
			if i > 0 && channels[i-1].OrderNumber == c.OrderNumber {
				return core.MetadataErrorf(KindAcquisition, acqID, "channels %d and %d share order number %d", channels[i-1].ID, c.ID, c.OrderNumber)
			}
			if c.OrderNumber != i {
				if opts.StrictMode {
					return core.MetadataErrorf(KindAcquisition, acqID, "channel order numbers are not contiguous: channel %d has order %d at column %d", c.ID, c.OrderNumber, i)
				}
				core.Warnf("acquisition %d: channel %d has order number %d at column %d", acqID, c.ID, c.OrderNumber, i)
			}
			c.Index = i
		}
	}
	return nil
}

// acquisitionsByID returns the acquisitions sorted by ascending ID
func (m *Model) acquisitionsByID() []*Acquisition {
	out := make([]*Acquisition, len(m.acquisitions))
	copy(out, m.acquisitions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

/*
===============================================================================
    Queries
===============================================================================
*/

// Namespace returns the XML namespace of the document root, which identifies the schema version
func (m *Model) Namespace() string {
	return m.namespace
}

// Records returns every record of `kind` in document order
func (m *Model) Records(kind string) []*Record {
	return m.byKind[kind]
}

// AllRecords returns every record in document order
func (m *Model) AllRecords() []*Record {
	return m.records
}

// Slides returns every slide in document order
func (m *Model) Slides() []*Slide {
	return m.slides
}

// Slide returns the slide with `id`
func (m *Model) Slide(id int) (*Slide, bool) {
	s, found := m.slideIdx[id]
	return s, found
}

// Panoramas returns every panorama in document order
func (m *Model) Panoramas() []*Panorama {
	return m.panoramas
}

// Panorama returns the panorama with `id`
func (m *Model) Panorama(id int) (*Panorama, bool) {
	p, found := m.panoramaIdx[id]
	return p, found
}

// PanoramasOnSlide returns the panoramas of slide `slideID` in document order
func (m *Model) PanoramasOnSlide(slideID int) []*Panorama {
	var out []*Panorama
	for _, p := range m.panoramas {
		if p.SlideID == slideID {
			out = append(out, p)
		}
	}
	return out
}

// ROI returns the acquisition ROI with `id`
func (m *Model) ROI(id int) (*ROI, bool) {
	r, found := m.roiIdx[id]
	return r, found
}

// ROIPoints returns the outline of ROI `roiID` ordered by order number
func (m *Model) ROIPoints(roiID int) []*ROIPoint {
	return m.pointsByROI[roiID]
}

// Acquisitions returns every acquisition in document order
func (m *Model) Acquisitions() []*Acquisition {
	return m.acquisitions
}

// Acquisition returns the acquisition with `id`
func (m *Model) Acquisition(id int) (*Acquisition, bool) {
	a, found := m.acquisitionIdx[id]
	return a, found
}

// AcquisitionsOnSlide returns the acquisitions recorded on slide `slideID` by ascending ID
func (m *Model) AcquisitionsOnSlide(slideID int) []*Acquisition {
	var out []*Acquisition
	for _, a := range m.acquisitionsByID() {
		if a.SlideID == slideID {
			out = append(out, a)
		}
	}
	return out
}

// AcquisitionsOnPanorama returns the acquisitions recorded within panorama `panoramaID` by ascending ID
func (m *Model) AcquisitionsOnPanorama(panoramaID int) []*Acquisition {
	var out []*Acquisition
	for _, a := range m.acquisitionsByID() {
		if a.PanoramaID == panoramaID {
			out = append(out, a)
		}
	}
	return out
}

// AcquisitionByOrder returns the first acquisition with order number `n`
func (m *Model) AcquisitionByOrder(n int) (*Acquisition, bool) {
	for _, a := range m.acquisitions {
		if a.OrderNumber == n {
			return a, true
		}
	}
	return nil, false
}

// AcquisitionByDescription returns the first acquisition described as `description`
func (m *Model) AcquisitionByDescription(description string) (*Acquisition, bool) {
	for _, a := range m.acquisitions {
		if a.Description == description {
			return a, true
		}
	}
	return nil, false
}

// Channels returns the channels of acquisition `acquisitionID` ordered by column index
func (m *Model) Channels(acquisitionID int) []*Channel {
	return m.channelsByAcq[acquisitionID]
}

// UniqueChannels returns one channel per distinct name across all acquisitions,
// sorted by order number and then name.
func (m *Model) UniqueChannels() []*Channel {
	seen := make(map[string]bool)
	var out []*Channel
	for _, a := range m.acquisitionsByID() {
		for _, c := range m.channelsByAcq[a.ID] {
			if !seen[c.Name] {
				seen[c.Name] = true
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OrderNumber != out[j].OrderNumber {
			return out[i].OrderNumber < out[j].OrderNumber
		}
		return out[i].Name < out[j].Name
	})
	return out
}
