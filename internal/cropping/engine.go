// Package cropping cuts one raster crop per field polygon. Each geometry is
// validated, reprojected into the raster CRS, turned into a region and
// masked independently, so one bad geometry never affects its siblings.
package cropping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/core/observability"
	"github.com/dabom10/Nong-View/internal/crs"
	"github.com/dabom10/Nong-View/internal/geometry"
	"github.com/dabom10/Nong-View/internal/mapper"
	"github.com/dabom10/Nong-View/internal/raster"
	"github.com/dabom10/Nong-View/internal/roi"
)

// Request is one crop run against a single raster.
type Request struct {
	ImageID    string
	RasterPath string
	Geometries []model.Geometry
	Config     model.CropConfig
	OutputDir  string
}

// ProgressFunc receives the completed fraction after every geometry.
type ProgressFunc func(fraction float64, message string)

type Engine struct {
	logger  *slog.Logger
	opener  raster.Opener
	masker  *raster.Masker
	tr      *crs.Transformer
	cells   mapper.Interface
	cellRes int
	workers int
	metrics *observability.Metrics
	now     func() time.Time
}

type Option func(*Engine)

// WithWorkers sets per-job parallelism. Results keep input order.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithCells tags each result with the H3 cell of its region centre.
func WithCells(m mapper.Interface, res int) Option {
	return func(e *Engine) { e.cells, e.cellRes = m, res }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(logger *slog.Logger, opener raster.Opener, writer raster.Writer, tr *crs.Transformer, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		logger:  logger,
		opener:  opener,
		masker:  &raster.Masker{Writer: writer},
		tr:      tr,
		workers: 1,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ValidateGeometries runs geometry validation only; nothing is cropped.
func (e *Engine) ValidateGeometries(gs []model.Geometry) []string {
	return geometry.ValidateAll(gs)
}

type item struct {
	result *model.CropResult
	skip   *model.Skip
}

// Crop processes every geometry of req. Per-geometry failures are recorded
// as skips. The only whole-run failure is an unopenable raster. When ctx is
// cancelled the geometries finished so far are returned with
// model.ErrCancelled.
func (e *Engine) Crop(ctx context.Context, req Request, progress ProgressFunc) (*model.CropOutcome, error) {
	src, err := e.opener.Open(req.RasterPath)
	if err != nil {
		return nil, &model.ResourceError{Op: "open raster", Path: req.RasterPath, Err: err}
	}
	defer func() { _ = src.Close() }()

	meta := src.Metadata()
	rasterCRS := meta.CRS
	if rasterCRS == "" {
		rasterCRS = model.DefaultCRS
	}
	stem := strings.TrimSuffix(filepath.Base(req.RasterPath), filepath.Ext(req.RasterPath))
	names := outputNames(stem, req.Geometries)

	total := len(req.Geometries)
	slots := make([]item, total)
	var (
		mu   sync.Mutex
		done int
	)
	finish := func(i int, it item) {
		mu.Lock()
		defer mu.Unlock()
		slots[i] = it
		done++
		if progress != nil {
			progress(float64(done)/float64(total), fmt.Sprintf("processed %d/%d geometries", done, total))
		}
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(e.workers)
	for range e.workers {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				// in-flight work finishes even if the job is cancelled meanwhile
				it := e.cropOne(context.WithoutCancel(ctx), src, meta, rasterCRS, req, i, filepath.Join(req.OutputDir, names[i]))
				finish(i, it)
			}
		}()
	}

dispatch:
	for i := range req.Geometries {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	out := &model.CropOutcome{Total: total}
	for _, it := range slots {
		switch {
		case it.result != nil:
			out.Results = append(out.Results, *it.result)
			out.Processed++
			out.Succeeded++
		case it.skip != nil:
			out.Skips = append(out.Skips, *it.skip)
			out.Processed++
			out.Skipped++
		}
	}
	cancelled := ctx.Err() != nil && out.Processed < total

	e.logger.InfoContext(ctx, "crop finished",
		"image_id", req.ImageID, "total", total, "succeeded", out.Succeeded,
		"skipped", out.Skipped, "cancelled", cancelled)
	if cancelled {
		return out, model.ErrCancelled
	}
	return out, nil
}

func (e *Engine) cropOne(ctx context.Context, src raster.Source, meta raster.Metadata, rasterCRS string, req Request, idx int, outPath string) item {
	start := e.now()
	g := req.Geometries[idx]
	skip := func(stage, reason string) item {
		e.logger.WarnContext(ctx, "geometry skipped", "index", idx, "stage", stage, "reason", reason)
		e.metrics.ObserveCropGeometry(false, stage, e.now().Sub(start))
		return item{skip: &model.Skip{Index: idx, Stage: stage, Reason: reason}}
	}

	if errs := geometry.Validate(g); len(errs) > 0 {
		return skip(model.StageValidate, strings.Join(errs, "; "))
	}
	srcCRS := g.CRSOrDefault()
	tg, err := e.tr.Transform(g, rasterCRS)
	if err != nil {
		return skip(model.StageReproject, err.Error())
	}

	shape := roi.Derive(geometry.ToPolygon(tg), req.Config, rasterCRS)
	if shape == nil {
		return skip(model.StageROI, fmt.Sprintf("region is degenerate or below minimum area %.2f", req.Config.MinAreaThreshold))
	}

	res, err := e.masker.Mask(src, shape, outPath, req.Config)
	if err != nil {
		if errors.Is(err, model.ErrNoOverlap) {
			return skip(model.StageMask, "geometry does not overlap raster")
		}
		var re *model.ResourceError
		if errors.As(err, &re) && re.Path == "" {
			re.Path = req.RasterPath
		}
		return skip(model.StageMask, err.Error())
	}

	md := make(map[string]any, len(g.Properties)+4)
	for k, v := range g.Properties {
		md[k] = v
	}
	md["source_crs"] = srcCRS
	md["roi_area"] = shape.Area()
	if cell, ok := e.cellFor(shape, rasterCRS); ok {
		md["h3_cell"] = cell
	}

	elapsed := e.now().Sub(start)
	e.metrics.ObserveCropGeometry(true, "", elapsed)
	return item{result: &model.CropResult{
		CropID:         uuid.NewString(),
		ImageID:        req.ImageID,
		SourcePath:     req.RasterPath,
		GeometryIndex:  idx,
		ROIBounds:      shape.Bounds(),
		OutputPath:     outPath,
		OriginalSize:   model.PixelSize{Width: meta.Width, Height: meta.Height},
		CroppedSize:    res.Size,
		PixelScale:     res.PixelScale,
		ProcessingTime: elapsed,
		CreatedAt:      e.now().UTC(),
		Metadata:       md,
	}}
}

func (e *Engine) cellFor(s *roi.Shape, rasterCRS string) (string, bool) {
	if e.cells == nil {
		return "", false
	}
	c := s.Bound().Center()
	ll, err := e.tr.TransformGeometry(c, rasterCRS, "EPSG:4326")
	if err != nil {
		return "", false
	}
	cell, err := e.cells.CellForPoint(ll.(orb.Point), e.cellRes)
	if err != nil {
		return "", false
	}
	return cell, true
}

// outputNames builds "<stem>_<pnu or short id>_crop.tif" for every input,
// falling back to an index suffix when a PNU repeats.
func outputNames(stem string, gs []model.Geometry) []string {
	out := make([]string, len(gs))
	seen := make(map[string]bool, len(gs))
	for i, g := range gs {
		tag := ""
		if v, ok := g.Properties["pnu"]; ok && v != nil {
			tag = sanitize(fmt.Sprint(v))
		}
		if tag == "" || seen[tag] {
			tag = fmt.Sprintf("%s_%03d", uuid.NewString()[:8], i)
		}
		seen[tag] = true
		out[i] = fmt.Sprintf("%s_%s_crop.tif", stem, tag)
	}
	return out
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
