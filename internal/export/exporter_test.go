package export

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	_ "modernc.org/sqlite"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/crs"
	"github.com/dabom10/Nong-View/internal/features"
	h3mapper "github.com/dabom10/Nong-View/internal/mapper/h3"
)

type memStore struct {
	layers map[string]*features.Collection
	infos  map[string]features.AnalysisInfo
}

func (m memStore) Layer(_ context.Context, id, name string) (*features.Collection, error) {
	c, ok := m.layers[id+"/"+name]
	if !ok {
		return nil, features.ErrNotFound
	}
	return c.Clone(), nil
}

func (m memStore) Info(_ context.Context, id string) (features.AnalysisInfo, error) {
	info, ok := m.infos[id]
	if !ok {
		return features.AnalysisInfo{}, features.ErrNotFound
	}
	return info, nil
}

func rect(x, y, w, h float64) orb.Polygon {
	return orb.Polygon{{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}, {x, y}}}
}

func sampleStore() memStore {
	const x0, y0 = 200000.0, 600000.0
	return memStore{
		layers: map[string]*features.Collection{
			"a1/parcels": {Name: "parcels", CRS: "EPSG:5186", Features: []features.Feature{
				{Geometry: rect(x0, y0, 10, 10), Properties: map[string]any{"pnu": "4521010100100010000", "land_type": "paddy", "area_sqm": 100.0, "owner_name": "홍길동", "phone": "010-1234-5678"}},
				{Geometry: rect(x0+20, y0, 10, 20), Properties: map[string]any{"pnu": "4521010100100020000", "land_type": "field", "area_sqm": "200", "owner_name": "김철수"}},
			}},
			"a1/crop_detections": {Name: "crop_detections", CRS: "EPSG:5186", Features: []features.Feature{
				{Geometry: rect(x0, y0, 5, 5), Properties: map[string]any{"detection_id": "d1", "crop_type": "rice", "confidence": 0.91}},
			}},
			"a1/facilities": {Name: "facilities", CRS: "EPSG:5186", Features: []features.Feature{
				{Geometry: rect(x0+50, y0, 4, 4), Properties: map[string]any{"facility_id": "f1", "facility_type": "greenhouse", "area_sqm": 16.0, "condition": "양호"}},
			}},
		},
		infos: map[string]features.AnalysisInfo{
			"a1": {ID: "a1", SourceImages: []string{"img-2", "img-1"}, AnalyzedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
		},
	}
}

var fixedNow = time.Date(2024, 6, 1, 9, 30, 15, 0, time.UTC)

func newExporter(t *testing.T, s features.Store, opts ...Option) (*Exporter, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(nil, s, crs.NewTransformer(0), dir, opts...), dir
}

func request(ids ...string) model.ExportRequest {
	return model.ExportRequest{AnalysisIDs: ids, RegionName: "김제시 백구면", Config: model.DefaultExportConfig()}
}

func tables(t *testing.T, path string) map[string]string {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	rows, err := db.Query("SELECT table_name, data_type FROM gpkg_contents")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var n, d string
		if err := rows.Scan(&n, &d); err != nil {
			t.Fatal(err)
		}
		out[n] = d
	}
	return out
}

func TestExport_DefaultLayers(t *testing.T) {
	ex, dir := newExporter(t, sampleStore(), WithCells(h3mapper.New(), 9))
	var fractions []float64
	res, err := ex.Export(context.Background(), request("a1"), func(f float64, _ string) { fractions = append(fractions, f) })
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if want := filepath.Join(dir, "김제시_백구면_20240601_093015_report.gpkg"); res.OutputPath != want {
		t.Fatalf("path %s want %s", res.OutputPath, want)
	}
	var names []string
	for _, s := range res.Layers {
		names = append(names, s.LayerName)
	}
	if diff := cmp.Diff([]string{"parcels", "crop_detections", "facilities"}, names); diff != "" {
		t.Fatalf("layers (-want +got):\n%s", diff)
	}
	want := map[string]string{
		"parcels": "features", "crop_detections": "features", "facilities": "features",
		"metadata": "attributes", "layer_statistics": "attributes",
	}
	if diff := cmp.Diff(want, tables(t, res.OutputPath)); diff != "" {
		t.Fatalf("container tables (-want +got):\n%s", diff)
	}
	if res.Layers[0].TotalAreaSqm != 300 || res.Layers[0].AreaByType["paddy"] != 100 {
		t.Fatalf("parcels stats %+v", res.Layers[0])
	}
	if !res.Success || res.SizeBytes == 0 || !strings.HasPrefix(res.Checksum, "xxh64:") {
		t.Fatalf("result %+v", res)
	}
	if diff := cmp.Diff([]float64{1.0 / 3, 2.0 / 3, 1}, fractions); diff != "" {
		t.Fatalf("progress (-want +got):\n%s", diff)
	}
	md := res.Metadata
	if md.AnalysisDateRange.Start != "2024-05-02" || len(md.SourceImages) != 2 || md.SourceImages[0] != "img-1" {
		t.Fatalf("metadata %+v", md)
	}
	if md.QualityMetrics["layer_completeness"] != 1 || md.ProcessingSummary["h3_cells"].(int) < 1 {
		t.Fatalf("summary %+v quality %+v", md.ProcessingSummary, md.QualityMetrics)
	}

	db, err := sql.Open("sqlite", res.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var owner string
	if err := db.QueryRow(`SELECT owner_name FROM parcels WHERE pnu = '4521010100100010000'`).Scan(&owner); err != nil {
		t.Fatal(err)
	}
	if owner != "홍**" {
		t.Fatalf("owner_name=%q", owner)
	}
	if _, err := db.Exec(`SELECT phone FROM parcels`); err == nil {
		t.Fatalf("undeclared phone column exported")
	}
}

func TestExport_MissingDataIsWarningOnly(t *testing.T) {
	s := sampleStore()
	delete(s.layers, "a1/crop_detections")
	ex, _ := newExporter(t, s)

	res, err := ex.Export(context.Background(), request("a1", "ghost"), nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(res.Layers) != 2 {
		t.Fatalf("layers %+v", res.Layers)
	}
	joined := strings.Join(res.Warnings, "\n")
	for _, frag := range []string{"analysis ghost not found", "analysis ghost has no parcels layer", "crop_detections has no features"} {
		if !strings.Contains(joined, frag) {
			t.Fatalf("warnings %q lack %q", joined, frag)
		}
	}
	if got := res.Metadata.QualityMetrics["layer_completeness"]; got != 2.0/3 {
		t.Fatalf("layer_completeness=%v", got)
	}
	if _, ok := tables(t, res.OutputPath)["crop_detections"]; ok {
		t.Fatalf("empty layer written")
	}
}

func TestExport_ReprojectsToOutputCRS(t *testing.T) {
	s := memStore{layers: map[string]*features.Collection{
		"a1/parcels": {Name: "parcels", CRS: "EPSG:4326", Features: []features.Feature{
			{Geometry: rect(127, 38, 0.001, 0.001), Properties: map[string]any{"pnu": "1"}},
		}},
	}}
	ex, _ := newExporter(t, s)
	req := request("a1")
	req.Config.Layers = []model.LayerConfig{{Name: "parcels", GeometryType: "Polygon", Fields: model.Fields{{Name: "pnu", Type: model.FieldString}}}}

	res, err := ex.Export(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	db, err := sql.Open("sqlite", res.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var minX, minY float64
	var srs int
	if err := db.QueryRow(`SELECT min_x, min_y, srs_id FROM gpkg_contents WHERE table_name = 'parcels'`).Scan(&minX, &minY, &srs); err != nil {
		t.Fatal(err)
	}
	if srs != 5186 || minX < 199999 || minX > 200001 || minY < 599999 || minY > 600001 {
		t.Fatalf("extent (%v, %v) srs %d", minX, minY, srs)
	}
	// about 88 m by 111 m at this latitude
	if a := res.Layers[0].TotalAreaSqm; a < 9000 || a > 10500 {
		t.Fatalf("area %v", a)
	}
}

func TestExport_SizeLimitIsAdvisory(t *testing.T) {
	ex, _ := newExporter(t, sampleStore())
	req := request("a1")
	req.Config.MaxFileSizeMB = 0.001
	res, err := ex.Export(context.Background(), req, nil)
	if err != nil || !res.Success {
		t.Fatalf("Export: %v success=%v", err, res.Success)
	}
	if !strings.Contains(strings.Join(res.Warnings, "\n"), "above the 0.00 MB limit") {
		t.Fatalf("warnings %v", res.Warnings)
	}
}

func TestExport_CancelBetweenLayers(t *testing.T) {
	ex, _ := newExporter(t, sampleStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := ex.Export(ctx, request("a1"), func(float64, string) { cancel() })
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
	if res == nil || len(res.Layers) != 1 || res.Success {
		t.Fatalf("partial result %+v", res)
	}
	got := tables(t, res.OutputPath)
	if _, ok := got["parcels"]; !ok || len(got) != 3 {
		t.Fatalf("tables after cancel %v", got)
	}
}

func TestExport_UnwritableOutputFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "out")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ex := New(nil, sampleStore(), crs.NewTransformer(0), blocker)
	_, err := ex.Export(context.Background(), request("a1"), nil)
	var rerr *model.ResourceError
	if !errors.As(err, &rerr) {
		t.Fatalf("want ResourceError, got %v", err)
	}
}

func TestExport_InvalidRequest(t *testing.T) {
	ex, _ := newExporter(t, sampleStore())
	_, err := ex.Export(context.Background(), model.ExportRequest{RegionName: "x", Config: model.DefaultExportConfig()}, nil)
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestOutputFilename(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := map[string]string{
		"Gimje/North": "Gimje_North_20240102_030405_report.gpkg",
		"  ":          "export_20240102_030405_report.gpkg",
		"김제":          "김제_20240102_030405_report.gpkg",
	}
	for in, want := range cases {
		if got := OutputFilename(in, at); got != want {
			t.Fatalf("OutputFilename(%q)=%q want %q", in, got, want)
		}
	}
}
