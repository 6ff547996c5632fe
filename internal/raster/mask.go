package raster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
)

// Region is an area in the raster's CRS.
type Region interface {
	Bound() orb.Bound
	Contains(p orb.Point) bool
}

// MaskResult describes a written crop.
type MaskResult struct {
	Window     Window
	Size       model.PixelSize
	Transform  Affine
	PixelScale float64
}

// Masker crops rasters to regions and writes the result.
type Masker struct {
	Writer Writer
}

// Mask reads the minimal pixel window covering region, blanks pixels whose
// centre falls outside it and writes the crop to outPath with a transform
// shifted to the window origin. A region that misses the raster yields
// model.ErrNoOverlap.
func (m *Masker) Mask(src Source, region Region, outPath string, cfg model.CropConfig) (MaskResult, error) {
	meta := src.Metadata()
	win, err := FootprintWindow(meta, region.Bound())
	if err != nil {
		return MaskResult{}, err
	}

	blk, err := src.ReadWindow(win)
	if err != nil {
		// the source path is not known here; callers fill it in
		return MaskResult{}, &model.ResourceError{Op: "read window", Err: err}
	}

	fill := meta.Fill()
	inside := 0
	for y := 0; y < win.Height; y++ {
		for x := 0; x < win.Width; x++ {
			p := meta.Transform.Apply(float64(win.Col+x)+0.5, float64(win.Row+y)+0.5)
			if region.Contains(p) {
				inside++
				continue
			}
			off := blk.Offset(x, y)
			for b := 0; b < blk.Bands; b++ {
				blk.Pix[off+b] = fill
			}
		}
	}
	if inside == 0 {
		return MaskResult{}, model.ErrNoOverlap
	}

	out := meta
	out.Width, out.Height = win.Width, win.Height
	out.Transform = meta.Transform.Offset(win.Col, win.Row)

	if cfg.OutputResolution != nil {
		blk, out = Resample(blk, out, *cfg.OutputResolution)
	}

	if err := m.Writer.Write(outPath, out, blk, cfg.Compression); err != nil {
		return MaskResult{}, &model.ResourceError{Op: "write crop", Path: outPath, Err: err}
	}
	return MaskResult{
		Window:     win,
		Size:       model.PixelSize{Width: out.Width, Height: out.Height},
		Transform:  out.Transform,
		PixelScale: out.Transform.PixelWidth(),
	}, nil
}

// FootprintWindow is the smallest pixel window covering b, clipped to the
// raster. It fails with model.ErrNoOverlap when nothing is left.
func FootprintWindow(meta Metadata, b orb.Bound) (Window, error) {
	inv, err := meta.Transform.Invert()
	if err != nil {
		return Window{}, err
	}
	minC, minR := math.Inf(1), math.Inf(1)
	maxC, maxR := math.Inf(-1), math.Inf(-1)
	for _, p := range []orb.Point{b.Min, b.Max, {b.Min[0], b.Max[1]}, {b.Max[0], b.Min[1]}} {
		px := inv.Apply(p[0], p[1])
		minC, maxC = math.Min(minC, px[0]), math.Max(maxC, px[0])
		minR, maxR = math.Min(minR, px[1]), math.Max(maxR, px[1])
	}
	full := Window{Width: meta.Width, Height: meta.Height}
	if maxC <= 0 || maxR <= 0 || minC >= float64(meta.Width) || minR >= float64(meta.Height) {
		return Window{}, model.ErrNoOverlap
	}
	c0, r0 := int(math.Floor(minC)), int(math.Floor(minR))
	w := Window{Col: c0, Row: r0, Width: int(math.Ceil(maxC)) - c0, Height: int(math.Ceil(maxR)) - r0}
	w = w.Intersect(full)
	if w.Empty() {
		return Window{}, fmt.Errorf("%w: empty window", model.ErrNoOverlap)
	}
	return w, nil
}

// Resample changes pixel size to res CRS units with nearest neighbour.
func Resample(b *Block, meta Metadata, res float64) (*Block, Metadata) {
	sx := res / meta.Transform.PixelWidth()
	sy := res / meta.Transform.PixelHeight()
	if sx == 1 && sy == 1 {
		return b, meta
	}
	w := max(1, int(math.Round(float64(b.Width)/sx)))
	h := max(1, int(math.Round(float64(b.Height)/sy)))
	out := NewBlock(w, h, b.Bands)
	for y := 0; y < h; y++ {
		sy0 := min(b.Height-1, int((float64(y)+0.5)*sy))
		for x := 0; x < w; x++ {
			sx0 := min(b.Width-1, int((float64(x)+0.5)*sx))
			copy(out.Pix[out.Offset(x, y):out.Offset(x, y)+b.Bands], b.Pix[b.Offset(sx0, sy0):b.Offset(sx0, sy0)+b.Bands])
		}
	}
	meta.Width, meta.Height = w, h
	meta.Transform = meta.Transform.Scale(sx, sy)
	return out, meta
}
