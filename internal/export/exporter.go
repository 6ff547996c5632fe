// Package export builds GeoPackage reports from analysis layers. Layers are
// prepared, privacy protected, reprojected, written and summarised one at a
// time; a failing layer is recorded as a warning and the next one proceeds.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/core/observability"
	"github.com/dabom10/Nong-View/internal/crs"
	"github.com/dabom10/Nong-View/internal/export/gpkg"
	"github.com/dabom10/Nong-View/internal/export/layer"
	"github.com/dabom10/Nong-View/internal/export/privacy"
	"github.com/dabom10/Nong-View/internal/export/stats"
	"github.com/dabom10/Nong-View/internal/features"
	"github.com/dabom10/Nong-View/internal/mapper"
)

const (
	createdBy = "nongview"
	// Version is recorded in every package's metadata table.
	Version = "1.0.0"
)

// ProgressFunc receives the completed fraction after every layer.
type ProgressFunc func(fraction float64, message string)

type Exporter struct {
	logger    *slog.Logger
	store     features.Store
	tr        *crs.Transformer
	outputDir string
	cells     mapper.Interface
	cellRes   int
	metrics   *observability.Metrics
	now       func() time.Time
}

type Option func(*Exporter)

// WithCells records how many H3 cells the exported features cover at res.
func WithCells(m mapper.Interface, res int) Option {
	return func(e *Exporter) { e.cells, e.cellRes = m, res }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Exporter) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

func New(logger *slog.Logger, store features.Store, tr *crs.Transformer, outputDir string, opts ...Option) *Exporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Exporter{
		logger:    logger,
		store:     store,
		tr:        tr,
		outputDir: outputDir,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OutputFilename is "<region>_<YYYYMMDD_HHMMSS>_report.gpkg" with the
// region reduced to letters, digits, '-' and '_'.
func OutputFilename(region string, at time.Time) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(region) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "export"
	}
	return fmt.Sprintf("%s_%s_report.gpkg", name, at.Format("20060102_150405"))
}

type run struct {
	result        *model.ExportResult
	requested     int
	written       int
	loaded        int
	kept          int
	filledValues  int
	declaredSlots int
	cells         map[string]struct{}
}

func (r *run) warn(format string, args ...any) {
	r.result.Warnings = append(r.result.Warnings, fmt.Sprintf(format, args...))
}

// Export writes one package for req. It fails only when the container
// cannot be created or finalised. On cancellation, layers written so far
// stay in the file and the partial result is returned with
// model.ErrCancelled.
func (e *Exporter) Export(ctx context.Context, req model.ExportRequest, progress ProgressFunc) (*model.ExportResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := e.now()
	cfg := req.Config
	layers := cfg.Layers
	if len(layers) == 0 {
		layers = layer.Defaults()
	}

	exportID := uuid.NewString()
	path := filepath.Join(e.outputDir, OutputFilename(req.RegionName, started))
	log := e.logger.With("export_id", exportID, "region", req.RegionName)

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, &model.ResourceError{Op: "create output dir", Path: e.outputDir, Err: err}
	}
	w, err := gpkg.Create(ctx, path)
	if err != nil {
		return nil, &model.ResourceError{Op: "create geopackage", Path: path, Err: err}
	}

	r := &run{
		result:    &model.ExportResult{ExportID: exportID, OutputPath: path, Layers: []model.LayerStatistics{}, Warnings: []string{}},
		requested: len(layers),
		cells:     map[string]struct{}{},
	}
	infos := e.sourceInfo(ctx, r, req.AnalysisIDs)

	cancelled := false
	for i, lc := range layers {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		outcome, n := e.exportLayer(ctx, w, r, req, lc)
		e.metrics.ObserveExportLayer(lc.Name, outcome, n)
		log.Info("layer processed", "layer", lc.Name, "outcome", outcome)
		if progress != nil {
			progress(float64(i+1)/float64(len(layers)), fmt.Sprintf("layer %s %s", lc.Name, outcome))
		}
	}

	res := r.result
	res.Metadata = e.metadata(exportID, req, infos, r, started)

	// metadata and statistics go in even after a cancel so the partial
	// package still describes itself
	bg := context.WithoutCancel(ctx)
	if cfg.IncludeMetadata {
		if err := w.WriteMetadata(bg, metadataRows(res.Metadata)); err != nil {
			r.warn("metadata table not written: %v", err)
		}
	}
	if cfg.IncludeStatistics && len(res.Layers) > 0 {
		if err := w.WriteStatistics(bg, res.Layers); err != nil {
			r.warn("statistics table not written: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, &model.ResourceError{Op: "finalize geopackage", Path: path, Err: err}
	}

	size, sum, err := fileDigest(path)
	if err != nil {
		return nil, &model.ResourceError{Op: "stat geopackage", Path: path, Err: err}
	}
	res.SizeBytes = size
	res.FileSizeMB = float64(size) / (1024 * 1024)
	res.Checksum = sum
	if cfg.MaxFileSizeMB > 0 && res.FileSizeMB > cfg.MaxFileSizeMB {
		r.warn("package is %.2f MB, above the %.2f MB limit", res.FileSizeMB, cfg.MaxFileSizeMB)
	}
	e.metrics.ObserveExportSize(size)

	res.ProcessingTime = e.now().Sub(started)
	res.Success = !cancelled
	log.Info("export finished", "path", path, "layers", r.written, "bytes", size, "warnings", len(res.Warnings), "cancelled", cancelled)
	if cancelled {
		return res, model.ErrCancelled
	}
	return res, nil
}

// exportLayer runs prepare, protect, reproject, write and summarise for one
// layer and returns its outcome label with the number of features written.
func (e *Exporter) exportLayer(ctx context.Context, w *gpkg.Writer, r *run, req model.ExportRequest, lc model.LayerConfig) (string, int) {
	cfg := req.Config
	raw, warnings, err := features.LoadMerged(ctx, e.store, req.AnalysisIDs, lc.Name)
	r.result.Warnings = append(r.result.Warnings, warnings...)
	if err != nil {
		r.warn("layer %s not loaded: %v", lc.Name, err)
		return "failed", 0
	}
	r.loaded += raw.Len()

	prepared, warnings := layer.Prepare(lc, raw)
	r.result.Warnings = append(r.result.Warnings, warnings...)
	if prepared == nil {
		r.warn("layer %s has no features; skipped", lc.Name)
		return "empty", 0
	}

	protected, warnings := privacy.Apply(prepared, cfg.Privacy)
	r.result.Warnings = append(r.result.Warnings, warnings...)

	out, err := e.reproject(protected, cfg.OutputCRS, r)
	if err != nil {
		r.warn("layer %s not reprojected: %v", lc.Name, err)
		return "failed", 0
	}
	if out.Len() == 0 {
		r.warn("layer %s lost every feature during reprojection; skipped", lc.Name)
		return "empty", 0
	}

	if err := w.WriteLayer(context.WithoutCancel(ctx), lc, out); err != nil {
		r.warn("layer %s not written: %v", lc.Name, err)
		return "failed", 0
	}

	st := stats.Compute(out)
	r.result.Layers = append(r.result.Layers, st)
	if def, err := crs.Lookup(out.CRS); err == nil && def.Geographic && !declares(lc, stats.AreaField) {
		r.warn("layer %s: areas are in square degrees because %s is geographic", lc.Name, def.ID())
	}
	r.written++
	r.kept += out.Len()
	for _, f := range out.Features {
		for _, fd := range lc.Fields {
			r.declaredSlots++
			if f.Properties[fd.Name] != nil {
				r.filledValues++
			}
		}
		e.collectCell(r, f.Geometry, out.CRS)
	}
	return "written", out.Len()
}

func declares(lc model.LayerConfig, field string) bool {
	for _, f := range lc.Fields {
		if f.Name == field {
			return true
		}
	}
	return false
}

// reproject drops features whose coordinates cannot be transformed; an
// unsupported CRS pair fails the whole layer.
func (e *Exporter) reproject(c *features.Collection, dst string, r *run) (*features.Collection, error) {
	src := c.CRS
	if src == "" {
		src = model.DefaultCRS
	}
	same, err := sameCRS(src, dst)
	if err != nil {
		return nil, err
	}
	if same {
		c.CRS = dst
		return c, nil
	}
	if _, err := e.tr.Pipeline(src, dst); err != nil {
		return nil, err
	}
	out := &features.Collection{Name: c.Name, CRS: dst, Features: make([]features.Feature, 0, len(c.Features))}
	dropped := 0
	for _, f := range c.Features {
		g, err := e.tr.TransformGeometry(f.Geometry, src, dst)
		if err != nil {
			dropped++
			continue
		}
		f.Geometry = g
		out.Features = append(out.Features, f)
	}
	if dropped > 0 {
		r.warn("layer %s: dropped %d features that could not be reprojected to %s", c.Name, dropped, dst)
	}
	return out, nil
}

func sameCRS(a, b string) (bool, error) {
	ca, err := crs.ParseCode(a)
	if err != nil {
		return false, &model.ReprojectionError{From: a, To: b, Reason: err.Error()}
	}
	cb, err := crs.ParseCode(b)
	if err != nil {
		return false, &model.ReprojectionError{From: a, To: b, Reason: err.Error()}
	}
	return ca == cb, nil
}

func (e *Exporter) collectCell(r *run, g orb.Geometry, srcCRS string) {
	if e.cells == nil || g == nil {
		return
	}
	ll, err := e.tr.TransformGeometry(g, srcCRS, "EPSG:4326")
	if err != nil {
		return
	}
	cells, err := e.cells.Cover(ll, e.cellRes)
	if err != nil {
		return
	}
	for _, c := range cells {
		r.cells[c] = struct{}{}
	}
}

func (e *Exporter) sourceInfo(ctx context.Context, r *run, ids []string) []features.AnalysisInfo {
	var out []features.AnalysisInfo
	for _, id := range ids {
		info, err := e.store.Info(ctx, id)
		if errors.Is(err, features.ErrNotFound) {
			r.warn("analysis %s not found", id)
			continue
		}
		if err != nil {
			r.warn("analysis %s info unavailable: %v", id, err)
			continue
		}
		out = append(out, info)
	}
	return out
}

func (e *Exporter) metadata(exportID string, req model.ExportRequest, infos []features.AnalysisInfo, r *run, started time.Time) model.ExportMetadata {
	images := []string{}
	seen := map[string]bool{}
	var first, last time.Time
	for _, info := range infos {
		for _, img := range info.SourceImages {
			if !seen[img] {
				seen[img] = true
				images = append(images, img)
			}
		}
		if info.AnalyzedAt.IsZero() {
			continue
		}
		if first.IsZero() || info.AnalyzedAt.Before(first) {
			first = info.AnalyzedAt
		}
		if info.AnalyzedAt.After(last) {
			last = info.AnalyzedAt
		}
	}
	sort.Strings(images)
	if first.IsZero() {
		first, last = started, started
	}

	var totalArea float64
	for _, s := range r.result.Layers {
		totalArea += s.TotalAreaSqm
	}
	summary := map[string]any{
		"total_analysis_ids": len(req.AnalysisIDs),
		"region_name":        req.RegionName,
		"export_purpose":     req.Purpose,
		"total_area_sqm":     totalArea,
		"layers_requested":   r.requested,
		"layers_written":     r.written,
		"features_written":   r.kept,
		"output_crs":         req.Config.OutputCRS,
	}
	if e.cells != nil {
		summary["h3_resolution"] = e.cellRes
		summary["h3_cells"] = len(r.cells)
	}

	return model.ExportMetadata{
		ExportID:          exportID,
		CreatedAt:         started.UTC(),
		CreatedBy:         createdBy,
		Version:           Version,
		SourceImages:      images,
		AnalysisDateRange: model.DateRange{Start: first.Format("2006-01-02"), End: last.Format("2006-01-02")},
		ProcessingSummary: summary,
		QualityMetrics: map[string]float64{
			"layer_completeness": ratio(r.written, r.requested),
			"field_completeness": ratio(r.filledValues, r.declaredSlots),
			"feature_retention":  ratio(r.kept, r.loaded),
		},
	}
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func metadataRows(md model.ExportMetadata) map[string]any {
	return map[string]any{
		"export_id":           md.ExportID,
		"created_at":          md.CreatedAt,
		"created_by":          md.CreatedBy,
		"version":             md.Version,
		"source_images":       md.SourceImages,
		"analysis_date_range": md.AnalysisDateRange,
		"processing_summary":  md.ProcessingSummary,
		"quality_metrics":     md.QualityMetrics,
	}
}

func fileDigest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, fmt.Sprintf("xxh64:%016x", h.Sum64()), nil
}
