package spectrum

import (
	"errors"
	"fmt"
	"math"

	"github.com/b71729/openmcd/core"
)

// ErrOutOfBounds is wrapped by errors for pixels or regions outside an image
var ErrOutOfBounds = errors.New("outside the image")

// ScanOrder maps the scan position of a spectrum to its raster position
type ScanOrder interface {
	Position(i int) (x, y int)
}

// RasterOrder is the default scan order: row-major, top-to-bottom
type RasterOrder struct {
	Width int
}

// Position implements `ScanOrder`
func (o RasterOrder) Position(i int) (x, y int) {
	return i % o.Width, i / o.Width
}

// CoordinateOrder places each spectrum at the pixel coordinates recorded in the acquisition's X and Y channels
type CoordinateOrder struct {
	xs, ys []int
}

// NewCoordinateOrder validates recorded coordinates against the image dimensions
func NewCoordinateOrder(xs, ys []float32, width, height int) (*CoordinateOrder, error) {
	if len(xs) != len(ys) {
		return nil, core.FormatErrorAt(-1, int64(len(xs)), int64(len(ys)), "coordinate channels differ in length")
	}
	order := &CoordinateOrder{xs: make([]int, len(xs)), ys: make([]int, len(ys))}
	for i := range xs {
		x, y := float64(xs[i]), float64(ys[i])
		if math.IsNaN(x) || math.IsNaN(y) || x < 0 || y < 0 || x >= float64(width) || y >= float64(height) || x != math.Trunc(x) || y != math.Trunc(y) {
			return nil, core.FormatErrorf("spectrum %d recorded at (%g, %g), outside the %dx%d acquisition", i, x, y, width, height)
		}
		order.xs[i], order.ys[i] = int(x), int(y)
	}
	return order, nil
}

// Position implements `ScanOrder`
func (o *CoordinateOrder) Position(i int) (x, y int) {
	return o.xs[i], o.ys[i]
}

// CoordinateColumns returns the columns of the channels named "X" and "Y", if both are present
func CoordinateColumns(names []string) (x, y int, ok bool) {
	x, y = -1, -1
	for i, name := range names {
		switch name {
		case "X":
			x = i
		case "Y":
			y = i
		}
	}
	return x, y, x >= 0 && y >= 0
}

// ChannelImage is a single channel in raster order (row-major, top-to-bottom)
type ChannelImage struct {
	Width  int
	Height int
	Data   []float32

	min, max float32
	valid    int
	// visited is nil when every pixel was recorded
	visited []bool
}

// NewChannelImage wraps raster-ordered `data` in which every pixel is valid
func NewChannelImage(width, height int, data []float32) *ChannelImage {
	img := &ChannelImage{Width: width, Height: height, Data: data, valid: len(data)}
	img.computeRange()
	return img
}

// RestoreChannelImage wraps raster-ordered `data`. `visited` marks the recorded pixels; nil means all of them.
func RestoreChannelImage(width, height int, data []float32, visited []bool) *ChannelImage {
	img := &ChannelImage{Width: width, Height: height, Data: data}
	img.setVisited(visited)
	img.computeRange()
	return img
}

func (img *ChannelImage) setVisited(visited []bool) {
	img.valid = len(img.Data)
	img.visited = nil
	if visited == nil {
		return
	}
	n := 0
	for _, v := range visited {
		if v {
			n++
		}
	}
	if n != len(visited) {
		img.valid, img.visited = n, visited
	}
}

func (img *ChannelImage) computeRange() {
	img.min, img.max = float32(math.Inf(1)), float32(math.Inf(-1))
	seen := false
	for _, v := range img.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			continue
		}
		seen = true
		if v < img.min {
			img.min = v
		}
		if v > img.max {
			img.max = v
		}
	}
	if !seen {
		img.min, img.max = 0, 0
	}
}

// Range returns the smallest and largest finite intensity in the image
func (img *ChannelImage) Range() (min, max float32) {
	return img.min, img.max
}

// ValidPixels returns the number of pixels for which a spectrum was recorded
func (img *ChannelImage) ValidPixels() int {
	return img.valid
}

// IsComplete returns whether every pixel was recorded
func (img *ChannelImage) IsComplete() bool {
	return img.valid == img.Width*img.Height
}

// At returns the intensity at raster position (x, y)
func (img *ChannelImage) At(x, y int) float32 {
	return img.Data[y*img.Width+x]
}

// Visited returns whether a spectrum was recorded at raster position (x, y)
func (img *ChannelImage) Visited(x, y int) bool {
	return img.visited == nil || img.visited[y*img.Width+x]
}

// Mask returns which pixels were recorded, in raster order, or nil when all of them were
func (img *ChannelImage) Mask() []bool {
	if img.visited == nil {
		return nil
	}
	return append([]bool(nil), img.visited...)
}

// Clone returns a copy of `img` sharing no memory with it
func (img *ChannelImage) Clone() *ChannelImage {
	c := *img
	c.Data = append([]float32(nil), img.Data...)
	if img.visited != nil {
		c.visited = append([]bool(nil), img.visited...)
	}
	return &c
}

// Region is a rectangle of raster pixels
type Region struct {
	X, Y          int
	Width, Height int
}

// FullRegion returns the region covering a whole `width` x `height` image
func FullRegion(width, height int) Region {
	return Region{Width: width, Height: height}
}

// Empty returns whether the region holds no pixels
func (r Region) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Crop copies the pixels of `img` inside `r` into a new image
func (img *ChannelImage) Crop(r Region) (*ChannelImage, error) {
	if r.X < 0 || r.Y < 0 || r.Width < 0 || r.Height < 0 || r.X+r.Width > img.Width || r.Y+r.Height > img.Height {
		return nil, fmt.Errorf("region %s of %dx%d image: %w", r, img.Width, img.Height, ErrOutOfBounds)
	}
	data := make([]float32, r.Width*r.Height)
	var visited []bool
	if img.visited != nil {
		visited = make([]bool, len(data))
	}
	for y := 0; y < r.Height; y++ {
		src := (r.Y+y)*img.Width + r.X
		copy(data[y*r.Width:(y+1)*r.Width], img.Data[src:src+r.Width])
		if visited != nil {
			copy(visited[y*r.Width:(y+1)*r.Width], img.visited[src:src+r.Width])
		}
	}
	return RestoreChannelImage(r.Width, r.Height, data, visited), nil
}

// BuildImage reshapes the scan-ordered `values` of one channel into a raster image.
// Pixels never visited by `order` are left at zero and are not counted as valid.
func BuildImage(values []float32, order ScanOrder, width, height int) (*ChannelImage, error) {
	if len(values) != width*height {
		return nil, core.FormatErrorAt(-1, int64(width*height), int64(len(values)), "channel holds the wrong number of values for %dx%d", width, height)
	}
	img := &ChannelImage{Width: width, Height: height, Data: make([]float32, width*height)}
	if _, raster := order.(RasterOrder); raster {
		copy(img.Data, values)
		img.valid = len(values)
		img.computeRange()
		return img, nil
	}
	visited := make([]bool, width*height)
	for i, v := range values {
		x, y := order.Position(i)
		pos := y*width + x
		img.Data[pos] = v
		visited[pos] = true
	}
	img.setVisited(visited)
	img.computeRange()
	return img, nil
}
