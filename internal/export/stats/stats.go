// Package stats summarises prepared layers for the export report.
package stats

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/floats"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/features"
)

// AreaField holds a precomputed area in square metres.
const AreaField = "area_sqm"

// TypeFields are the categorical columns area is grouped by, in priority
// order. The first one present in the layer wins.
var TypeFields = []string{"crop_type", "facility_type", "land_type"}

// Compute counts features and sums area. When the layer carries area_sqm it
// is used per feature, falling back to the geometric area where the value
// is null.
func Compute(c *features.Collection) model.LayerStatistics {
	st := model.LayerStatistics{AreaByType: map[string]float64{}}
	if c == nil {
		return st
	}
	st.LayerName = c.Name
	st.FeatureCount = len(c.Features)

	useField := hasField(c, AreaField)
	areas := make([]float64, len(c.Features))
	for i, f := range c.Features {
		if useField {
			if v, ok := f.Properties[AreaField].(float64); ok && !math.IsNaN(v) {
				areas[i] = v
				continue
			}
		}
		areas[i] = GeometricArea(f.Geometry)
	}
	st.TotalAreaSqm = floats.Sum(areas)

	for _, tf := range TypeFields {
		if !hasField(c, tf) {
			continue
		}
		for i, f := range c.Features {
			v := f.Properties[tf]
			if v == nil {
				continue
			}
			st.AreaByType[fmt.Sprint(v)] += areas[i]
		}
		break
	}
	return st
}

// GeometricArea is the planar area of polygonal geometries in CRS units
// squared; other kinds have zero area.
func GeometricArea(g orb.Geometry) float64 {
	if g == nil {
		return 0
	}
	return math.Abs(planar.Area(g))
}

func hasField(c *features.Collection, name string) bool {
	for _, f := range c.Features {
		if _, ok := f.Properties[name]; ok {
			return true
		}
	}
	return false
}
