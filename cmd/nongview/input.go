package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/features"
)

// readGeometries loads field polygons from a GeoJSON FeatureCollection.
// Non-polygon features are kept so validation can report them by index.
func readGeometries(path string) ([]model.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := features.DecodeGeoJSON("input", data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]model.Geometry, 0, c.Len())
	for _, f := range c.Features {
		g := model.Geometry{CRS: c.CRS, Properties: f.Properties}
		switch v := f.Geometry.(type) {
		case orb.Polygon:
			g.GeometryType = "Polygon"
			g.Coordinates = []orb.Ring(v)
		case nil:
			g.GeometryType = "Polygon"
		default:
			g.GeometryType = v.GeoJSONType()
		}
		out = append(out, g)
	}
	return out, nil
}

// readJSON overlays the file at path onto dst; an empty path leaves dst as is.
func readJSON(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
