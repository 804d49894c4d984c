// Package geometry maps between pixel space and slide space (µm).
package geometry

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

// Point is a 2D position
type Point struct {
	X, Y float64
}

// Rect is an axis-aligned rectangle
type Rect struct {
	Min, Max Point
}

// Width returns the horizontal extent
func (r Rect) Width() float64 {
	return r.Max.X - r.Min.X
}

// Height returns the vertical extent
func (r Rect) Height() float64 {
	return r.Max.Y - r.Min.Y
}

// Affine maps (x, y) to (A·x + B·y + C, D·x + E·y + F)
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// ErrDegenerate is returned when points do not determine a unique transform
var ErrDegenerate = errors.New("points do not determine an affine transform")

// Identity returns the transform which leaves points unchanged
func Identity() Affine {
	return Affine{A: 1, E: 1}
}

// Translation moves points by `offset`
func Translation(offset Point) Affine {
	return Affine{A: 1, C: offset.X, E: 1, F: offset.Y}
}

// Scaling scales x by `sx` and y by `sy`
func Scaling(sx, sy float64) Affine {
	return Affine{A: sx, E: sy}
}

// Rotation rotates counter-clockwise by `degrees` about the origin
func Rotation(degrees float64) Affine {
	sin, cos := math.Sincos(degrees * math.Pi / 180)
	return Affine{A: cos, B: -sin, D: sin, E: cos}
}

// Apply transforms `p`
func (t Affine) Apply(p Point) Point {
	return Point{
		X: t.A*p.X + t.B*p.Y + t.C,
		Y: t.D*p.X + t.E*p.Y + t.F,
	}
}

// Then returns the transform applying `t` followed by `u`
func (t Affine) Then(u Affine) Affine {
	return Affine{
		A: u.A*t.A + u.B*t.D,
		B: u.A*t.B + u.B*t.E,
		C: u.A*t.C + u.B*t.F + u.C,
		D: u.D*t.A + u.E*t.D,
		E: u.D*t.B + u.E*t.E,
		F: u.D*t.C + u.E*t.F + u.F,
	}
}

func (t Affine) dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		t.A, t.B, t.C,
		t.D, t.E, t.F,
		0, 0, 1,
	})
}

// Invert returns the inverse transform
func (t Affine) Invert() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.dense()); err != nil {
		return Affine{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	return Affine{
		A: inv.At(0, 0), B: inv.At(0, 1), C: inv.At(0, 2),
		D: inv.At(1, 0), E: inv.At(1, 1), F: inv.At(1, 2),
	}, nil
}

// Aff3 returns the transform in the form used by `golang.org/x/image/draw`
func (t Affine) Aff3() f64.Aff3 {
	return f64.Aff3{t.A, t.B, t.C, t.D, t.E, t.F}
}

// BoundingBox returns the smallest rectangle containing the transformed rectangle (0,0)-(width,height)
func (t Affine) BoundingBox(width, height float64) Rect {
	corners := []Point{
		t.Apply(Point{0, 0}),
		t.Apply(Point{width, 0}),
		t.Apply(Point{width, height}),
		t.Apply(Point{0, height}),
	}
	box := Rect{Min: corners[0], Max: corners[0]}
	for _, c := range corners[1:] {
		box.Min.X = math.Min(box.Min.X, c.X)
		box.Min.Y = math.Min(box.Min.Y, c.Y)
		box.Max.X = math.Max(box.Max.X, c.X)
		box.Max.Y = math.Max(box.Max.Y, c.Y)
	}
	return box
}

// FitAffine returns the least-squares transform taking each `src` point to its `dst` counterpart.
// At least three non-collinear correspondences are required.
func FitAffine(src, dst []Point) (Affine, error) {
	if len(src) != len(dst) {
		return Affine{}, fmt.Errorf("%d source points but %d destination points", len(src), len(dst))
	}
	n := len(src)
	if n < 3 {
		return Affine{}, fmt.Errorf("%w: need at least 3 points, have %d", ErrDegenerate, n)
	}
	a := mat.NewDense(n, 3, nil)
	b := mat.NewDense(n, 2, nil)
	for i := range src {
		a.SetRow(i, []float64{src[i].X, src[i].Y, 1})
		b.SetRow(i, []float64{dst[i].X, dst[i].Y})
	}
	// collinear points leave the design matrix rank deficient
	var qr mat.QR
	qr.Factorize(a)
	var r mat.Dense
	qr.RTo(&r)
	tol := 1e-10 * math.Max(1, math.Abs(r.At(0, 0)))
	for i := 0; i < 3; i++ {
		if math.Abs(r.At(i, i)) < tol {
			return Affine{}, ErrDegenerate
		}
	}
	var x mat.Dense
	if err := qr.SolveTo(&x, false, b); err != nil {
		return Affine{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	return Affine{
		A: x.At(0, 0), B: x.At(1, 0), C: x.At(2, 0),
		D: x.At(0, 1), E: x.At(1, 1), F: x.At(2, 1),
	}, nil
}
