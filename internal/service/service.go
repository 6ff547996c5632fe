// Package service is the surface the job API calls into: geometry
// validation, crop and export submission, job status and cancellation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/cropping"
	"github.com/dabom10/Nong-View/internal/crs"
	"github.com/dabom10/Nong-View/internal/export"
	"github.com/dabom10/Nong-View/internal/geometry"
	"github.com/dabom10/Nong-View/internal/jobs"
	"github.com/dabom10/Nong-View/internal/logger"
	"github.com/dabom10/Nong-View/internal/roi"
)

type Service struct {
	log      *slog.Logger
	jobs     *jobs.Manager
	cropper  *cropping.Engine
	exporter *export.Exporter
	images   ImageResolver
	tr       *crs.Transformer
	cropDir  string
}

// New wires the engines to the job manager. Crops land in
// <cropDir>/<job id>/.
func New(log *slog.Logger, m *jobs.Manager, cropper *cropping.Engine, exporter *export.Exporter, images ImageResolver, tr *crs.Transformer, cropDir string) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if tr == nil {
		tr = crs.NewTransformer(0)
	}
	return &Service{
		log:      log,
		jobs:     m,
		cropper:  cropper,
		exporter: exporter,
		images:   images,
		tr:       tr,
		cropDir:  cropDir,
	}
}

// Validate never fails; an empty result means every geometry is usable.
func (s *Service) Validate(gs []model.Geometry) []string {
	return geometry.ValidateAll(gs)
}

type GeometryReport struct {
	Index  int      `json:"index"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidationReport is Validate broken down per geometry.
func (s *Service) ValidationReport(gs []model.Geometry) []GeometryReport {
	out := make([]GeometryReport, len(gs))
	for i, g := range gs {
		errs := geometry.Validate(g)
		out[i] = GeometryReport{Index: i, Valid: len(errs) == 0, Errors: errs}
	}
	return out
}

// ROIBounds estimates the extent a batch crop would cover: every geometry
// is reprojected to targetCRS (EPSG:5186 when empty), unioned and buffered.
func (s *Service) ROIBounds(gs []model.Geometry, cfg model.CropConfig, targetCRS string) (model.ROIBounds, error) {
	if targetCRS == "" {
		targetCRS = model.DefaultCRS
	}
	dst, err := crs.Normalize(targetCRS)
	if err != nil {
		return model.ROIBounds{}, &model.ValidationError{Errors: []string{err.Error()}}
	}
	if errs := geometry.ValidateAll(gs); len(errs) > 0 {
		return model.ROIBounds{}, &model.ValidationError{Errors: errs}
	}
	polys := make([]orb.Polygon, 0, len(gs))
	for _, g := range gs {
		tg, err := s.tr.Transform(g, dst)
		if err != nil {
			return model.ROIBounds{}, err
		}
		polys = append(polys, geometry.ToPolygon(tg))
	}
	b, ok := roi.BatchBounds(polys, cfg, dst)
	if !ok {
		return model.ROIBounds{}, &model.ValidationError{Errors: []string{"batch region is empty or below the minimum area"}}
	}
	return b, nil
}

// SubmitCropJob checks the request and queues the crop. A batch with any
// invalid geometry is rejected whole, with every indexed error, and no job
// is created.
func (s *Service) SubmitCropJob(ctx context.Context, imageRef string, gs []model.Geometry, cfg model.CropConfig) (string, error) {
	cfg, err := model.NewCropConfig(cfg)
	if err != nil {
		return "", err
	}
	if len(gs) == 0 {
		return "", &model.ValidationError{Errors: []string{"at least one geometry is required"}}
	}
	if imageRef == "" {
		return "", &model.ValidationError{Errors: []string{"image reference is empty"}}
	}
	if errs := geometry.ValidateAll(gs); len(errs) > 0 {
		return "", &model.ValidationError{Errors: errs}
	}
	geoms := append([]model.Geometry(nil), gs...)

	h, err := s.jobs.Submit(ctx, model.JobKindCrop, func(ctx context.Context, report jobs.Reporter) (jobs.Payload, error) {
		path, err := s.images.Resolve(ctx, imageRef)
		if err != nil {
			return jobs.Payload{}, err
		}
		out, err := s.cropper.Crop(ctx, cropping.Request{
			ImageID:    imageRef,
			RasterPath: path,
			Geometries: geoms,
			Config:     cfg,
			OutputDir:  filepath.Join(s.cropDir, logger.JobID(ctx)),
		}, cropping.ProgressFunc(report))
		return jobs.Payload{Crop: out}, err
	})
	if err != nil {
		return "", fmt.Errorf("submit crop job: %w", err)
	}
	s.log.InfoContext(ctx, "crop job submitted", "job_id", h.ID, "image", imageRef, "geometries", len(geoms))
	return h.ID, nil
}

// SubmitExportJob checks the request and queues the export.
func (s *Service) SubmitExportJob(ctx context.Context, analysisRefs []string, regionName string, cfg model.ExportConfig) (string, error) {
	return s.SubmitExport(ctx, model.ExportRequest{
		AnalysisIDs: analysisRefs,
		RegionName:  regionName,
		Config:      cfg,
	})
}

// SubmitExport is SubmitExportJob with the export purpose included.
func (s *Service) SubmitExport(ctx context.Context, req model.ExportRequest) (string, error) {
	cfg, err := model.NewExportConfig(req.Config)
	if err != nil {
		return "", err
	}
	req.Config = cfg
	req.AnalysisIDs = append([]string(nil), req.AnalysisIDs...)
	if err := req.Validate(); err != nil {
		return "", err
	}

	h, err := s.jobs.Submit(ctx, model.JobKindExport, func(ctx context.Context, report jobs.Reporter) (jobs.Payload, error) {
		res, err := s.exporter.Export(ctx, req, export.ProgressFunc(report))
		return jobs.Payload{Export: res}, err
	})
	if err != nil {
		return "", fmt.Errorf("submit export job: %w", err)
	}
	s.log.InfoContext(ctx, "export job submitted", "job_id", h.ID, "region", req.RegionName, "analyses", len(req.AnalysisIDs))
	return h.ID, nil
}

func (s *Service) GetJobStatus(ctx context.Context, id string) (model.Job, error) {
	return s.jobs.Get(ctx, id)
}

// CancelJob cancels a pending job immediately. A running job is asked to
// stop and turns Cancelled at its next item boundary.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	err := s.jobs.Cancel(ctx, id)
	switch {
	case err == nil:
		s.log.InfoContext(ctx, "job cancel requested", "job_id", id)
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrIllegalTransition), errors.Is(err, jobs.ErrNotOwned):
	default:
		s.log.WarnContext(ctx, "job cancel failed", "job_id", id, "err", err)
	}
	return err
}

func (s *Service) ListJobs(ctx context.Context) ([]model.Job, error) {
	return s.jobs.List(ctx)
}
