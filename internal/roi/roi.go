// Package roi turns validated field polygons into the region actually cut
// out of the raster: optional convex hull, optional union, constant buffer
// and a minimum area gate.
package roi

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/dabom10/Nong-View/internal/core/model"
)

// Shape is a derived region: the union of Base polygons grown by Buffer.
// Membership is exact (Minkowski sum with a disc), so no polygonal
// approximation of the buffer is ever built.
type Shape struct {
	Base   orb.MultiPolygon
	Buffer float64
	CRS    string

	bound orb.Bound
	area  float64
}

func newShape(base orb.MultiPolygon, buffer float64, crs string) *Shape {
	s := &Shape{Base: base, Buffer: buffer, CRS: crs}
	s.bound = base.Bound().Pad(buffer)
	for _, p := range base {
		// Steiner: exact for convex members, a close upper bound otherwise
		s.area += planar.Area(p) + planar.Length(p)*buffer + math.Pi*buffer*buffer
	}
	return s
}

// Bound is the envelope of the buffered region.
func (s *Shape) Bound() orb.Bound { return s.bound }

// Area of the buffered region in CRS units squared.
func (s *Shape) Area() float64 { return s.area }

// Bounds tags the envelope with the shape's CRS.
func (s *Shape) Bounds() model.ROIBounds { return model.BoundsFrom(s.bound, s.CRS) }

// Contains reports whether p lies inside the region (boundary included).
func (s *Shape) Contains(p orb.Point) bool {
	if !s.bound.Contains(p) {
		return false
	}
	if planar.MultiPolygonContains(s.Base, p) {
		return true
	}
	return s.Buffer > 0 && planar.DistanceFrom(s.Base, p) <= s.Buffer
}

// Derive builds the per-geometry region for one polygon. It returns nil when
// the polygon is degenerate or the buffered area is below the threshold.
func Derive(p orb.Polygon, cfg model.CropConfig, crs string) *Shape {
	base := p
	if cfg.UseConvexHull {
		base = ConvexHull(p)
	}
	return accept(orb.MultiPolygon{base}, cfg, crs)
}

// DeriveBatch unions every polygon before buffering. The convex hull flag is
// ignored here; the batch shape only estimates overall extent.
func DeriveBatch(ps []orb.Polygon, cfg model.CropConfig, crs string) *Shape {
	mp := make(orb.MultiPolygon, 0, len(ps))
	for _, p := range ps {
		if len(p) > 0 {
			mp = append(mp, p)
		}
	}
	if len(mp) == 0 {
		return nil
	}
	return accept(mp, cfg, crs)
}

// BatchBounds is DeriveBatch reduced to its envelope.
func BatchBounds(ps []orb.Polygon, cfg model.CropConfig, crs string) (model.ROIBounds, bool) {
	s := DeriveBatch(ps, cfg, crs)
	if s == nil {
		return model.ROIBounds{}, false
	}
	return s.Bounds(), true
}

func accept(base orb.MultiPolygon, cfg model.CropConfig, crs string) *Shape {
	if !(planar.Area(base) > 0) {
		return nil
	}
	s := newShape(base, cfg.BufferDistance, crs)
	if !(s.area >= cfg.MinAreaThreshold) {
		return nil
	}
	return s
}

// ConvexHull of the exterior ring using Andrew's monotone chain. The result
// is a closed counter-clockwise ring with no holes.
func ConvexHull(p orb.Polygon) orb.Polygon {
	if len(p) == 0 {
		return p
	}
	pts := make([]orb.Point, len(p[0]))
	copy(pts, p[0])
	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})
	uniq := pts[:0]
	for _, pt := range pts {
		if len(uniq) == 0 || pt != uniq[len(uniq)-1] {
			uniq = append(uniq, pt)
		}
	}
	if len(uniq) < 3 {
		r := append(orb.Ring{}, uniq...)
		if len(r) > 0 {
			r = append(r, r[0])
		}
		return orb.Polygon{r}
	}

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}
	hull := make(orb.Ring, 0, 2*len(uniq))
	for _, pt := range uniq {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], pt) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, pt)
	}
	lower := len(hull) + 1
	for i := len(uniq) - 2; i >= 0; i-- {
		pt := uniq[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], pt) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, pt)
	}
	// last point equals the first, closing the ring
	return orb.Polygon{hull}
}
