// Package raster describes georeferenced pixel grids and cuts polygon
// footprints out of them.
package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Affine maps pixel (col,row) to CRS (x,y):
//
//	x = C + A*col + B*row
//	y = F + D*col + E*row
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// NorthUp builds the common transform with no rotation.
func NorthUp(originX, originY, pixelW, pixelH float64) Affine {
	return Affine{A: pixelW, C: originX, E: -pixelH, F: originY}
}

func (t Affine) Apply(col, row float64) orb.Point {
	return orb.Point{t.C + t.A*col + t.B*row, t.F + t.D*col + t.E*row}
}

// Invert returns the CRS -> pixel transform.
func (t Affine) Invert() (Affine, error) {
	det := t.A*t.E - t.B*t.D
	if det == 0 || math.IsNaN(det) {
		return Affine{}, errors.New("raster transform is singular")
	}
	a, b := t.E/det, -t.B/det
	d, e := -t.D/det, t.A/det
	return Affine{
		A: a, B: b, C: -(a*t.C + b*t.F),
		D: d, E: e, F: -(d*t.C + e*t.F),
	}, nil
}

// Offset moves the origin to pixel (col,row).
func (t Affine) Offset(col, row int) Affine {
	o := t.Apply(float64(col), float64(row))
	t.C, t.F = o[0], o[1]
	return t
}

// Scale multiplies pixel size by (sx, sy).
func (t Affine) Scale(sx, sy float64) Affine {
	t.A *= sx
	t.D *= sx
	t.B *= sy
	t.E *= sy
	return t
}

// PixelWidth is the ground size of one column step.
func (t Affine) PixelWidth() float64 { return math.Hypot(t.A, t.D) }

// PixelHeight is the ground size of one row step.
func (t Affine) PixelHeight() float64 { return math.Hypot(t.B, t.E) }

// Sample formats, as in the TIFF SampleFormat tag.
const (
	SampleUint = 1
	SampleInt  = 2
)

// Metadata is everything needed to interpret and rewrite a raster.
type Metadata struct {
	Width         int
	Height        int
	Bands         int
	BitsPerSample int // 8 or 16
	SampleFormat  int
	CRS           string
	Transform     Affine
	NoData        *float64
}

// Bound is the CRS envelope of the full grid.
func (m Metadata) Bound() orb.Bound {
	b := orb.Bound{Min: m.Transform.Apply(0, 0), Max: m.Transform.Apply(0, 0)}
	for _, c := range [][2]float64{{float64(m.Width), 0}, {0, float64(m.Height)}, {float64(m.Width), float64(m.Height)}} {
		b = b.Extend(m.Transform.Apply(c[0], c[1]))
	}
	return b
}

// Fill is the stored sample written outside the mask: nodata when declared,
// zero otherwise.
func (m Metadata) Fill() uint16 {
	if m.NoData == nil {
		return 0
	}
	v := math.Round(*m.NoData)
	if m.SampleFormat == SampleInt {
		if m.BitsPerSample == 8 {
			return uint16(uint8(int8(clamp(v, math.MinInt8, math.MaxInt8))))
		}
		return uint16(int16(clamp(v, math.MinInt16, math.MaxInt16)))
	}
	if m.BitsPerSample == 8 {
		return uint16(clamp(v, 0, math.MaxUint8))
	}
	return uint16(clamp(v, 0, math.MaxUint16))
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

func (m Metadata) Validate() error {
	if m.Width <= 0 || m.Height <= 0 || m.Bands <= 0 {
		return fmt.Errorf("invalid raster dimensions %dx%dx%d", m.Width, m.Height, m.Bands)
	}
	if m.BitsPerSample != 8 && m.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bits per sample %d", m.BitsPerSample)
	}
	return nil
}

// Window is a pixel rectangle.
type Window struct {
	Col, Row      int
	Width, Height int
}

func (w Window) Empty() bool { return w.Width <= 0 || w.Height <= 0 }

// Intersect clips w to other.
func (w Window) Intersect(o Window) Window {
	c0, r0 := max(w.Col, o.Col), max(w.Row, o.Row)
	c1, r1 := min(w.Col+w.Width, o.Col+o.Width), min(w.Row+w.Height, o.Row+o.Height)
	if c1 <= c0 || r1 <= r0 {
		return Window{}
	}
	return Window{Col: c0, Row: r0, Width: c1 - c0, Height: r1 - r0}
}

// Block holds pixel-interleaved samples for a window.
type Block struct {
	Width, Height, Bands int
	Pix                  []uint16
}

func NewBlock(w, h, bands int) *Block {
	return &Block{Width: w, Height: h, Bands: bands, Pix: make([]uint16, w*h*bands)}
}

// Offset of the first sample of pixel (x,y).
func (b *Block) Offset(x, y int) int { return (y*b.Width + x) * b.Bands }

// Source is an open, read-only raster.
type Source interface {
	Metadata() Metadata
	ReadWindow(w Window) (*Block, error)
	Close() error
}

// Opener opens rasters by path.
type Opener interface {
	Open(path string) (Source, error)
}

// Writer persists a block with its georeferencing.
type Writer interface {
	Write(path string, meta Metadata, b *Block, compression string) error
}
