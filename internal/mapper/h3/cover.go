package h3mapper

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
)

// Cover returns the sorted, unique cells touched by a lon/lat geometry.
// Polygons smaller than a cell (common for single parcels at coarse
// resolutions) fall back to the cell of their bounding-box centre so
// every non-empty geometry covers at least one cell.
func (m *Mapper) Cover(g orb.Geometry, res int) ([]string, error) {
	if err := checkRes(res); err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	if err := m.cover(set, g, res); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Mapper) cover(set map[string]struct{}, g orb.Geometry, res int) error {
	switch v := g.(type) {
	case nil:
		return nil
	case orb.Polygon:
		cells, err := m.CellsForPolygon(v, res)
		if err != nil {
			return err
		}
		if len(cells) > 0 {
			for _, c := range cells {
				set[c] = struct{}{}
			}
			return nil
		}
	case orb.MultiPolygon:
		for i, p := range v {
			if err := m.cover(set, p, res); err != nil {
				return fmt.Errorf("polygon %d: %w", i, err)
			}
		}
		return nil
	case orb.Collection:
		for _, sub := range v {
			if err := m.cover(set, sub, res); err != nil {
				return err
			}
		}
		return nil
	}
	c, err := m.CellForPoint(g.Bound().Center(), res)
	if err != nil {
		return err
	}
	set[c] = struct{}{}
	return nil
}
