// Package h3mapper implements mapper.Interface on uber/h3-go.
package h3mapper

import (
	"errors"
	"fmt"
	"slices"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"
)

const maxRes = 15

var errNotLonLat = errors.New("coordinates are not lon/lat degrees")

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellForPoint returns the cell containing a lon/lat point.
func (m *Mapper) CellForPoint(lonlat orb.Point, res int) (string, error) {
	if err := checkRes(res); err != nil {
		return "", err
	}
	ll, err := latLng(lonlat)
	if err != nil {
		return "", err
	}
	c, err := h3.LatLngToCell(ll, res)
	if err != nil {
		return "", fmt.Errorf("cell for %v: %w", lonlat, err)
	}
	return c.String(), nil
}

// CellsForPolygon returns the sorted, unique cells whose centres fall
// inside poly. Small polygons can legitimately yield none.
func (m *Mapper) CellsForPolygon(poly orb.Polygon, res int) ([]string, error) {
	if err := checkRes(res); err != nil {
		return nil, err
	}
	if len(poly) == 0 {
		return nil, errors.New("polygon has no rings")
	}
	gp := h3.GeoPolygon{Holes: make([]h3.GeoLoop, 0, len(poly)-1)}
	for i, ring := range poly {
		loop, err := geoLoop(ring)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("exterior ring: %w", err)
			}
			return nil, fmt.Errorf("hole %d: %w", i-1, err)
		}
		if i == 0 {
			gp.GeoLoop = loop
		} else {
			gp.Holes = append(gp.Holes, loop)
		}
	}

	cells, err := h3.PolygonToCells(gp, res)
	if err != nil {
		return nil, fmt.Errorf("polyfill at res %d: %w", res, err)
	}
	// cells share a resolution, so numeric order matches their hex strings
	slices.Sort(cells)
	cells = slices.Compact(cells)

	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = c.String()
	}
	return out, nil
}

func checkRes(res int) error {
	if res < 0 || res > maxRes {
		return fmt.Errorf("h3 resolution %d out of range 0..%d", res, maxRes)
	}
	return nil
}

func latLng(p orb.Point) (h3.LatLng, error) {
	if p[0] < -180 || p[0] > 180 || p[1] < -90 || p[1] > 90 {
		return h3.LatLng{}, fmt.Errorf("point %v: %w", p, errNotLonLat)
	}
	return h3.NewLatLng(p[1], p[0]), nil
}

// geoLoop drops the closing vertex; h3 loops are implicitly closed.
func geoLoop(r orb.Ring) (h3.GeoLoop, error) {
	if len(r) > 1 && r[0].Equal(r[len(r)-1]) {
		r = r[:len(r)-1]
	}
	if len(r) < 3 {
		return nil, fmt.Errorf("need 3 distinct vertices, got %d", len(r))
	}
	loop := make(h3.GeoLoop, len(r))
	for i, p := range r {
		ll, err := latLng(p)
		if err != nil {
			return nil, err
		}
		loop[i] = ll
	}
	return loop, nil
}
