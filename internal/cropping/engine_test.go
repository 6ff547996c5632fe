package cropping

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/crs"
	h3mapper "github.com/dabom10/Nong-View/internal/mapper/h3"
	"github.com/dabom10/Nong-View/internal/raster"
	"github.com/dabom10/Nong-View/internal/raster/rastertest"
)

const rasterPath = "/data/ortho/gimje_2024.tif"

func fixture() (*rastertest.Opener, *rastertest.Writer) {
	meta := raster.Metadata{
		Width: 1000, Height: 1000, Bands: 1, BitsPerSample: 8, SampleFormat: raster.SampleUint,
		CRS:       "EPSG:5186",
		Transform: raster.NorthUp(200000, 501000, 1, 1),
	}
	op := &rastertest.Opener{Rasters: map[string]*rastertest.Memory{rasterPath: rastertest.NewGradient(meta)}}
	return op, &rastertest.Writer{}
}

func square(x, y, size float64, pnu string) model.Geometry {
	return model.Geometry{
		CRS: "EPSG:5186",
		Coordinates: []orb.Ring{{
			{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
		}},
		Properties: map[string]any{"pnu": pnu},
	}
}

// fifteen fields, the eleventh far outside the raster
func fields() []model.Geometry {
	var gs []model.Geometry
	for i := 0; i < 15; i++ {
		x := 200050 + float64(i%5)*150
		y := 500100 + float64(i/5)*250
		if i == 10 {
			x, y = 300000, 500000
		}
		gs = append(gs, square(x, y, 40, "45210"+strings.Repeat("0", 3)+string(rune('a'+i))))
	}
	return gs
}

func cfg() model.CropConfig {
	c, _ := model.NewCropConfig(model.CropConfig{BufferDistance: 2, MinAreaThreshold: 100, UseConvexHull: true})
	return c
}

func TestCrop_OneOutsideRasterIsSkipped(t *testing.T) {
	for _, workers := range []int{1, 4} {
		op, w := fixture()
		e := New(nil, op, w, crs.NewTransformer(0), WithWorkers(workers))

		var fractions []float64
		var mu sync.Mutex
		out, err := e.Crop(context.Background(), Request{
			ImageID: "img-1", RasterPath: rasterPath, Geometries: fields(), Config: cfg(), OutputDir: "/tmp/crops",
		}, func(f float64, _ string) {
			mu.Lock()
			fractions = append(fractions, f)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("workers=%d: crop: %v", workers, err)
		}
		if len(out.Results) != 14 || out.Succeeded != 14 || out.Total != 15 || out.Processed != 15 || out.Skipped != 1 {
			t.Fatalf("workers=%d: counters %+v", workers, out)
		}
		if len(out.Skips) != 1 || out.Skips[0].Index != 10 || out.Skips[0].Stage != model.StageMask {
			t.Fatalf("workers=%d: skips %+v", workers, out.Skips)
		}
		for i := 1; i < len(out.Results); i++ {
			if out.Results[i].GeometryIndex <= out.Results[i-1].GeometryIndex {
				t.Fatalf("workers=%d: results out of input order", workers)
			}
		}
		for i := 1; i < len(fractions); i++ {
			if fractions[i] < fractions[i-1] {
				t.Fatalf("progress decreased: %v", fractions)
			}
		}
		if fractions[len(fractions)-1] != 1 {
			t.Fatalf("progress did not reach 1: %v", fractions)
		}
		if len(w.Files) != 14 {
			t.Fatalf("written files=%d want 14", len(w.Files))
		}
	}
}

func TestCrop_ResultDescribesCrop(t *testing.T) {
	op, w := fixture()
	e := New(nil, op, w, crs.NewTransformer(0), WithCells(h3mapper.New(), 9))
	g := square(200100, 500100, 40, "4521010100100010000")
	out, err := e.Crop(context.Background(), Request{
		ImageID: "img-1", RasterPath: rasterPath, Geometries: []model.Geometry{g}, Config: cfg(), OutputDir: "/tmp/crops",
	}, nil)
	if err != nil || len(out.Results) != 1 {
		t.Fatalf("crop: %v %+v", err, out)
	}
	r := out.Results[0]
	if r.OutputPath != "/tmp/crops/gimje_2024_4521010100100010000_crop.tif" {
		t.Fatalf("output path %q", r.OutputPath)
	}
	want := model.ROIBounds{MinX: 200098, MinY: 500098, MaxX: 200142, MaxY: 500142, CRS: "EPSG:5186"}
	if r.ROIBounds != want {
		t.Fatalf("roi %+v want %+v", r.ROIBounds, want)
	}
	if r.CroppedSize != (model.PixelSize{Width: 44, Height: 44}) || r.OriginalSize.Width != 1000 || r.PixelScale != 1 {
		t.Fatalf("sizes %+v %+v scale %v", r.CroppedSize, r.OriginalSize, r.PixelScale)
	}
	if r.Metadata["pnu"] != "4521010100100010000" || r.Metadata["h3_cell"] == nil {
		t.Fatalf("metadata %+v", r.Metadata)
	}
	if r.CropID == "" || r.ImageID != "img-1" {
		t.Fatalf("ids %+v", r)
	}
	if w.Files[r.OutputPath].Compression != model.CompressionLZW {
		t.Fatalf("compression not forwarded")
	}
}

func TestCrop_ReprojectsAndSkipsInvalid(t *testing.T) {
	op, w := fixture()
	tr := crs.NewTransformer(0)
	e := New(nil, op, w, tr)

	ll, err := tr.Transform(square(200300, 500300, 50, "x"), "EPSG:4326")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	bowtie := model.Geometry{Coordinates: []orb.Ring{{{200000, 500000}, {200010, 500010}, {200010, 500000}, {200000, 500010}, {200000, 500000}}}}
	tiny := square(200500, 500500, 5, "t")

	out, err := e.Crop(context.Background(), Request{
		RasterPath: rasterPath, Geometries: []model.Geometry{ll, bowtie, tiny}, Config: cfg(), OutputDir: "/out",
	}, nil)
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Metadata["source_crs"] != "EPSG:4326" {
		t.Fatalf("results %+v", out.Results)
	}
	if out.Results[0].ROIBounds.CRS != "EPSG:5186" {
		t.Fatalf("roi must be in raster CRS")
	}
	stages := []string{out.Skips[0].Stage, out.Skips[1].Stage}
	if stages[0] != model.StageValidate || stages[1] != model.StageROI {
		t.Fatalf("skip stages %v", stages)
	}
}

func TestCrop_UnopenableRasterFailsWholeRun(t *testing.T) {
	op, w := fixture()
	e := New(nil, op, w, crs.NewTransformer(0))
	_, err := e.Crop(context.Background(), Request{RasterPath: "/missing.tif", Geometries: fields()}, nil)
	var re *model.ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
}

func TestCrop_CancelBetweenGeometriesKeepsFinishedResults(t *testing.T) {
	op, w := fixture()
	e := New(nil, op, w, crs.NewTransformer(0))
	gs := fields()
	gs[10] = square(200900, 500900, 40, "inside")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := e.Crop(ctx, Request{RasterPath: rasterPath, Geometries: gs, Config: cfg(), OutputDir: "/out"},
		func(f float64, _ string) {
			if f >= 5.0/15.0 {
				cancel()
			}
		})
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(out.Results) != 5 || out.Processed != 5 || out.Total != 15 {
		t.Fatalf("partial outcome %+v", out)
	}
}

func TestValidateGeometries(t *testing.T) {
	e := New(nil, nil, nil, crs.NewTransformer(0))
	gs := fields()
	gs[3].Coordinates[0] = gs[3].Coordinates[0][:4]
	errs := e.ValidateGeometries(gs)
	if len(errs) == 0 || !strings.HasPrefix(errs[0], "geometry 3: ") {
		t.Fatalf("errors %v", errs)
	}
}

func TestCrop_ReadFailureNamesSourceRaster(t *testing.T) {
	op, w := fixture()
	op.Rasters[rasterPath].ReadErr = errors.New("short read")
	e := New(nil, op, w, crs.NewTransformer(0))

	out, err := e.Crop(context.Background(), Request{
		ImageID: "img-1", RasterPath: rasterPath, Geometries: fields()[:1], Config: cfg(), OutputDir: "/tmp/crops",
	}, nil)
	if err != nil {
		t.Fatalf("crop: %v", err)
	}
	if len(out.Skips) != 1 || out.Skips[0].Stage != model.StageMask {
		t.Fatalf("skips %+v", out.Skips)
	}
	reason := out.Skips[0].Reason
	if !strings.Contains(reason, rasterPath) || strings.Contains(reason, "/tmp/crops") || !strings.Contains(reason, "short read") {
		t.Fatalf("reason %q should name the source raster", reason)
	}
}
