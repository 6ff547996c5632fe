package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// DefaultGeoJSONCRS applies when a file carries no legacy "crs" member.
const DefaultGeoJSONCRS = "EPSG:4326"

// Dir reads analyses laid out as <Root>/<analysis id>/<layer>.geojson with
// an optional <Root>/<analysis id>/source.json describing the analysis.
type Dir struct {
	Root string
}

func (d Dir) analysisPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid analysis id %q", id)
	}
	return filepath.Join(d.Root, id), nil
}

func (d Dir) Layer(_ context.Context, analysisID, name string) (*Collection, error) {
	dir, err := d.analysisPath(analysisID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".geojson"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeGeoJSON(name, data)
}

func (d Dir) Info(_ context.Context, analysisID string) (AnalysisInfo, error) {
	dir, err := d.analysisPath(analysisID)
	if err != nil {
		return AnalysisInfo{}, err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return AnalysisInfo{}, ErrNotFound
	}
	info := AnalysisInfo{ID: analysisID}
	data, err := os.ReadFile(filepath.Join(dir, "source.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return AnalysisInfo{}, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return AnalysisInfo{}, fmt.Errorf("parse source.json for %s: %w", analysisID, err)
	}
	info.ID = analysisID
	return info, nil
}

// DecodeGeoJSON parses a FeatureCollection document.
func DecodeGeoJSON(name string, data []byte) (*Collection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	c := &Collection{Name: name, CRS: crsMember(fc.ExtraMembers), Features: make([]Feature, 0, len(fc.Features))}
	for _, f := range fc.Features {
		c.Features = append(c.Features, Feature{ID: f.ID, Geometry: f.Geometry, Properties: map[string]any(f.Properties)})
	}
	return c, nil
}

// EncodeGeoJSON writes c as a FeatureCollection with a legacy "crs" member.
func EncodeGeoJSON(c *Collection) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, f := range c.Features {
		gf := geojson.NewFeature(f.Geometry)
		gf.ID = f.ID
		if f.Properties != nil {
			gf.Properties = geojson.Properties(f.Properties)
		}
		fc.Append(gf)
	}
	if c.CRS != "" {
		fc.ExtraMembers = geojson.Properties{
			"crs": map[string]any{"type": "name", "properties": map[string]any{"name": c.CRS}},
		}
	}
	return json.Marshal(fc)
}

func crsMember(extra geojson.Properties) string {
	raw, ok := extra["crs"].(map[string]any)
	if !ok {
		return DefaultGeoJSONCRS
	}
	props, _ := raw["properties"].(map[string]any)
	name, _ := props["name"].(string)
	if name == "" {
		return DefaultGeoJSONCRS
	}
	// urn:ogc:def:crs:EPSG::5186 -> EPSG:5186
	if i := strings.LastIndex(name, ":"); strings.HasPrefix(strings.ToLower(name), "urn:ogc:def:crs:epsg") && i >= 0 {
		return "EPSG:" + name[i+1:]
	}
	if strings.EqualFold(name, "urn:ogc:def:crs:OGC:1.3:CRS84") {
		return DefaultGeoJSONCRS
	}
	return strings.ToUpper(name)
}
