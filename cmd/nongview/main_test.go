package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/service"
)

const fieldsDoc = `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::5186"}},
  "features": [
    {"type": "Feature", "properties": {"pnu": "4521010100100010000"},
     "geometry": {"type": "Polygon", "coordinates": [[[200100,500100],[200140,500100],[200140,500140],[200100,500140],[200100,500100]]]}},
    {"type": "Feature", "properties": {"pnu": "4521010100100020000"},
     "geometry": {"type": "Point", "coordinates": [200300,500300]}}
  ]
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestReadGeometries(t *testing.T) {
	gs, err := readGeometries(writeFile(t, "fields.geojson", fieldsDoc))
	if err != nil {
		t.Fatalf("readGeometries: %v", err)
	}
	if len(gs) != 2 {
		t.Fatalf("got %d geometries", len(gs))
	}
	if gs[0].GeometryType != "Polygon" || gs[0].CRS != "EPSG:5186" || len(gs[0].Coordinates[0]) != 5 {
		t.Fatalf("polygon %+v", gs[0])
	}
	if gs[0].Properties["pnu"] != "4521010100100010000" {
		t.Fatalf("properties %+v", gs[0].Properties)
	}
	if gs[1].GeometryType != "Point" || gs[1].Coordinates != nil {
		t.Fatalf("point %+v", gs[1])
	}
}

func TestReadJSON_OverlaysDefaults(t *testing.T) {
	cc := model.DefaultCropConfig()
	if err := readJSON(writeFile(t, "crop.json", `{"buffer_distance": 5}`), &cc); err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if cc.BufferDistance != 5 || cc.MinAreaThreshold != 100 || !cc.UseConvexHull {
		t.Fatalf("config %+v", cc)
	}
	if err := readJSON(writeFile(t, "bad.json", `{"bufer": 5}`), &cc); err == nil {
		t.Fatalf("unknown field accepted")
	}
}

func TestRun_Validate(t *testing.T) {
	var out, errb bytes.Buffer
	code := run([]string{"validate", "-geometries", writeFile(t, "fields.geojson", fieldsDoc)}, &out, &errb)
	if code != 3 {
		t.Fatalf("code=%d stderr=%s", code, errb.String())
	}
	var rep []service.GeometryReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v (%s)", err, out.String())
	}
	if len(rep) != 2 || !rep[0].Valid || rep[1].Valid {
		t.Fatalf("report %+v", rep)
	}
}

func TestRun_ROI(t *testing.T) {
	doc := `{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"EPSG:5186"}},"features":[
	  {"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[200100,500100],[200140,500100],[200140,500140],[200100,500140],[200100,500100]]]}}]}`
	var out, errb bytes.Buffer
	code := run([]string{"roi", "-geometries", writeFile(t, "f.geojson", doc),
		"-config", writeFile(t, "c.json", `{"buffer_distance": 0, "min_area_threshold": 0, "use_convex_hull": false}`)}, &out, &errb)
	if code != 0 {
		t.Fatalf("code=%d stderr=%s", code, errb.String())
	}
	var b model.ROIBounds
	if err := json.Unmarshal(out.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.MinX != 200100 || b.MaxY != 500140 || b.CRS != "EPSG:5186" {
		t.Fatalf("bounds %+v", b)
	}
}

func TestRun_Usage(t *testing.T) {
	var out, errb bytes.Buffer
	if code := run(nil, &out, &errb); code != 2 {
		t.Fatalf("no args code=%d", code)
	}
	if code := run([]string{"frobnicate"}, &out, &errb); code != 2 {
		t.Fatalf("unknown command code=%d", code)
	}
	if code := run([]string{"crop", "-image", "x"}, &out, &errb); code != 2 {
		t.Fatalf("crop without geometries code=%d", code)
	}
}
