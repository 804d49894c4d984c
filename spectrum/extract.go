// Package spectrum decodes spectrum-major acquisition segments and rebuilds per-channel raster images.
package spectrum

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/b71729/openmcd/core"
)

// SupportedValueBytes is the only value width understood: 32-bit little-endian floats
const SupportedValueBytes = 4

// Layout describes the shape of a spectral segment
type Layout struct {
	Width      int
	Height     int
	Channels   int
	ValueBytes int
}

// Pixels returns the number of spectra in the segment
func (l Layout) Pixels() int {
	return l.Width * l.Height
}

// RowBytes returns the number of bytes in one spectrum
func (l Layout) RowBytes() int {
	return l.Channels * l.ValueBytes
}

// ExpectedLength returns the number of bytes the segment must hold
func (l Layout) ExpectedLength() int64 {
	return int64(l.Width) * int64(l.Height) * int64(l.Channels) * int64(l.ValueBytes)
}

// Extractor streams spectra out of one acquisition's segment
type Extractor struct {
	r          io.ReaderAt
	offset     int64
	layout     Layout
	bufferSize int
}

// NewExtractor validates that the `length` bytes of `r` starting at `offset` match `layout`.
// `bufferSize` bounds the number of bytes read at once.
func NewExtractor(r io.ReaderAt, offset, length int64, layout Layout, bufferSize int) (*Extractor, error) {
	if layout.ValueBytes != SupportedValueBytes {
		return nil, core.FormatErrorAt(offset, SupportedValueBytes, int64(layout.ValueBytes), "unsupported value width")
	}
	if layout.Width < 0 || layout.Height < 0 || layout.Channels < 0 {
		return nil, core.FormatErrorf("invalid layout %dx%d with %d channels", layout.Width, layout.Height, layout.Channels)
	}
	if expected := layout.ExpectedLength(); expected != length {
		return nil, core.FormatErrorAt(offset, expected, length, "spectral segment length does not match %dx%d pixels with %d channels of %d bytes",
			layout.Width, layout.Height, layout.Channels, layout.ValueBytes)
	}
	if bufferSize < layout.RowBytes() {
		bufferSize = layout.RowBytes()
	}
	return &Extractor{r: r, offset: offset, layout: layout, bufferSize: bufferSize}, nil
}

// Layout returns the validated segment layout
func (e *Extractor) Layout() Layout {
	return e.layout
}

// Each calls `fn` with every spectrum in scan order. `row` is reused between calls.
func (e *Extractor) Each(ctx context.Context, fn func(pixel int, row []float32) error) error {
	rowBytes := e.layout.RowBytes()
	pixels := e.layout.Pixels()
	if rowBytes == 0 || pixels == 0 {
		return nil
	}
	rowsPerChunk := e.bufferSize / rowBytes
	buf := make([]byte, rowsPerChunk*rowBytes)
	row := make([]float32, e.layout.Channels)

	for pixel := 0; pixel < pixels; {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows := rowsPerChunk
		if remaining := pixels - pixel; remaining < rows {
			rows = remaining
		}
		chunk := buf[:rows*rowBytes]
		pos := e.offset + int64(pixel)*int64(rowBytes)
		n, err := e.r.ReadAt(chunk, pos)
		if n != len(chunk) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return core.FormatErrorAt(pos, int64(len(chunk)), int64(n), "spectral segment truncated: %v", err)
		}
		for r := 0; r < rows; r++ {
			base := r * rowBytes
			for c := range row {
				row[c] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[base+c*4:]))
			}
			if err := fn(pixel, row); err != nil {
				return err
			}
			pixel++
		}
	}
	return nil
}

// Spectra holds a whole decoded acquisition, spectrum-major in scan order
type Spectra struct {
	Layout Layout
	Values []float32
}

// Pixel returns the spectrum recorded at scan position `i`
func (s *Spectra) Pixel(i int) []float32 {
	n := s.Layout.Channels
	return s.Values[i*n : (i+1)*n]
}

// Channel returns a copy of column `index` in scan order
func (s *Spectra) Channel(index int) []float32 {
	n := s.Layout.Channels
	out := make([]float32, s.Layout.Pixels())
	for i := range out {
		out[i] = s.Values[i*n+index]
	}
	return out
}

// All decodes every channel of every pixel
func (e *Extractor) All(ctx context.Context) (*Spectra, error) {
	spectra := &Spectra{Layout: e.layout, Values: make([]float32, 0, e.layout.Pixels()*e.layout.Channels)}
	err := e.Each(ctx, func(_ int, row []float32) error {
		spectra.Values = append(spectra.Values, row...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spectra, nil
}

// Columns decodes the given channel columns in scan order, in a single pass over the whole segment
func (e *Extractor) Columns(ctx context.Context, indices ...int) ([][]float32, error) {
	for _, index := range indices {
		if index < 0 || index >= e.layout.Channels {
			return nil, core.FormatErrorf("channel column %d out of range [0, %d)", index, e.layout.Channels)
		}
	}
	out := make([][]float32, len(indices))
	for i := range out {
		out[i] = make([]float32, e.layout.Pixels())
	}
	err := e.Each(ctx, func(pixel int, row []float32) error {
		for i, index := range indices {
			out[i][pixel] = row[index]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Channel decodes one channel column in scan order
func (e *Extractor) Channel(ctx context.Context, index int) ([]float32, error) {
	columns, err := e.Columns(ctx, index)
	if err != nil {
		return nil, err
	}
	return columns[0], nil
}

// Spectrum decodes the single spectrum at scan position `pixel` with one read
func (e *Extractor) Spectrum(pixel int) ([]float32, error) {
	if pixel < 0 || pixel >= e.layout.Pixels() {
		return nil, fmt.Errorf("spectrum %d of %d: %w", pixel, e.layout.Pixels(), ErrOutOfBounds)
	}
	rowBytes := e.layout.RowBytes()
	buf := make([]byte, rowBytes)
	pos := e.offset + int64(pixel)*int64(rowBytes)
	n, err := e.r.ReadAt(buf, pos)
	if n != len(buf) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, core.FormatErrorAt(pos, int64(len(buf)), int64(n), "spectral segment truncated: %v", err)
	}
	row := make([]float32, e.layout.Channels)
	for c := range row {
		row[c] = math.Float32frombits(binary.LittleEndian.Uint32(buf[c*4:]))
	}
	return row, nil
}
