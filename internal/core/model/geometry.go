// Package model defines core domain types shared across the service.
package model

import (
	"fmt"

	"github.com/paulmach/orb"
)

const DefaultCRS = "EPSG:5186"

// Geometry is one input polygon: exterior ring first, holes after.
type Geometry struct {
	Coordinates  []orb.Ring     `json:"coordinates"`
	GeometryType string         `json:"geometry_type,omitempty"`
	CRS          string         `json:"crs,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// Polygon returns a copy of the rings as an orb polygon.
func (g Geometry) Polygon() orb.Polygon {
	out := make(orb.Polygon, 0, len(g.Coordinates))
	for _, r := range g.Coordinates {
		cp := make(orb.Ring, len(r))
		copy(cp, r)
		out = append(out, cp)
	}
	return out
}

// CRSOrDefault falls back to EPSG:5186 when no CRS is declared.
func (g Geometry) CRSOrDefault() string {
	if g.CRS == "" {
		return DefaultCRS
	}
	return g.CRS
}

type ROIBounds struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
	CRS  string  `json:"crs"`
}

func BoundsFrom(b orb.Bound, crs string) ROIBounds {
	return ROIBounds{MinX: b.Min[0], MinY: b.Min[1], MaxX: b.Max[0], MaxY: b.Max[1], CRS: crs}
}

func (b ROIBounds) Width() float64  { return b.MaxX - b.MinX }
func (b ROIBounds) Height() float64 { return b.MaxY - b.MinY }
func (b ROIBounds) Area() float64   { return b.Width() * b.Height() }

func (b ROIBounds) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// String representation matching wfs/wms bbox format
func (b ROIBounds) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.MinX, b.MinY, b.MaxX, b.MaxY, b.CRS)
}
