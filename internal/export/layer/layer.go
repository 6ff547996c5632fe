// Package layer turns raw analysis collections into the typed schema a
// LayerConfig declares.
package layer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/features"
)

// Defaults is the layer set used when an export names none.
func Defaults() []model.LayerConfig {
	return []model.LayerConfig{
		{
			Name:         "parcels",
			GeometryType: "Polygon",
			Fields: model.Fields{
				{Name: "pnu", Type: model.FieldString},
				{Name: "land_type", Type: model.FieldString},
				{Name: "area_sqm", Type: model.FieldFloat},
				{Name: "owner_name", Type: model.FieldString},
			},
		},
		{
			Name:         "crop_detections",
			GeometryType: "Polygon",
			Fields: model.Fields{
				{Name: "detection_id", Type: model.FieldString},
				{Name: "crop_type", Type: model.FieldString},
				{Name: "confidence", Type: model.FieldFloat},
				{Name: "area_sqm", Type: model.FieldFloat},
			},
		},
		{
			Name:         "facilities",
			GeometryType: "Polygon",
			Fields: model.Fields{
				{Name: "facility_id", Type: model.FieldString},
				{Name: "facility_type", Type: model.FieldString},
				{Name: "area_sqm", Type: model.FieldFloat},
				{Name: "condition", Type: model.FieldString},
			},
		},
	}
}

// Prepare keeps the geometry and every declared field present in src,
// coercing values to the declared type. Unparseable values become nil.
// Declared fields absent from every feature are dropped with a warning, as
// are features whose geometry kind does not match the layer. A nil
// collection is returned when src has no features.
func Prepare(cfg model.LayerConfig, src *features.Collection) (*features.Collection, []string) {
	if src.Len() == 0 {
		return nil, nil
	}
	var warnings []string

	present := make(map[string]bool, len(cfg.Fields))
	for _, f := range src.Features {
		for _, fd := range cfg.Fields {
			if _, ok := f.Properties[fd.Name]; ok {
				present[fd.Name] = true
			}
		}
	}
	var keep model.Fields
	for _, fd := range cfg.Fields {
		if !present[fd.Name] {
			warnings = append(warnings, fmt.Sprintf("layer %s: field %s not found in source", cfg.Name, fd.Name))
			continue
		}
		keep = append(keep, fd)
	}

	out := &features.Collection{Name: cfg.Name, CRS: src.CRS, Features: make([]features.Feature, 0, len(src.Features))}
	var mismatched, nullified int
	for _, f := range src.Features {
		if !Matches(cfg.GeometryType, f.Geometry) {
			mismatched++
			continue
		}
		props := make(map[string]any, len(keep))
		for _, fd := range keep {
			raw, ok := f.Properties[fd.Name]
			if !ok || raw == nil {
				props[fd.Name] = nil
				continue
			}
			v := Coerce(raw, fd.Type)
			if v == nil {
				nullified++
			}
			props[fd.Name] = v
		}
		out.Features = append(out.Features, features.Feature{ID: f.ID, Geometry: f.Geometry, Properties: props})
	}
	if mismatched > 0 {
		warnings = append(warnings, fmt.Sprintf("layer %s: dropped %d features that are not %s", cfg.Name, mismatched, cfg.GeometryType))
	}
	if nullified > 0 {
		warnings = append(warnings, fmt.Sprintf("layer %s: %d values could not be converted and were set to null", cfg.Name, nullified))
	}
	if len(out.Features) == 0 {
		return nil, warnings
	}
	return out, warnings
}

// Matches reports whether g is of the declared kind or its multi form.
func Matches(declared string, g orb.Geometry) bool {
	if g == nil {
		return false
	}
	t := g.GeoJSONType()
	return strings.EqualFold(t, declared) || strings.EqualFold(t, "Multi"+declared)
}

// Coerce converts v to the Go type backing t: string, float64 or int64.
// It returns nil when v has no sensible value of that type.
func Coerce(v any, t model.FieldType) any {
	switch t {
	case model.FieldString:
		return toString(v)
	case model.FieldFloat:
		if f, ok := toFloat(v); ok {
			return f
		}
	case model.FieldInt:
		if f, ok := toFloat(v); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return n
			}
		}
	}
	return nil
}

func toString(v any) any {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
