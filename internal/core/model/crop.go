package model

import (
	"strings"
	"time"
)

const (
	CompressionNone    = "none"
	CompressionDeflate = "deflate"
	CompressionLZW     = "lzw"
)

type CropConfig struct {
	BufferDistance   float64  `json:"buffer_distance" validate:"gte=0"`
	MinAreaThreshold float64  `json:"min_area_threshold" validate:"gte=0"`
	UseConvexHull    bool     `json:"use_convex_hull"`
	OutputResolution *float64 `json:"output_resolution,omitempty" validate:"omitempty,gt=0"`
	Compression      string   `json:"compression" validate:"oneof=none deflate lzw"`
}

// DefaultCropConfig mirrors the defaults the field teams run with.
func DefaultCropConfig() CropConfig {
	return CropConfig{
		BufferDistance:   10.0,
		MinAreaThreshold: 100.0,
		UseConvexHull:    true,
		Compression:      CompressionLZW,
	}
}

// NewCropConfig normalises and validates a config; the result is safe to share.
func NewCropConfig(c CropConfig) (CropConfig, error) {
	c.Compression = strings.ToLower(strings.TrimSpace(c.Compression))
	if c.Compression == "" {
		c.Compression = CompressionLZW
	}
	if c.OutputResolution != nil {
		r := *c.OutputResolution
		c.OutputResolution = &r
	}
	if err := c.Validate(); err != nil {
		return CropConfig{}, err
	}
	return c, nil
}

func (c CropConfig) Validate() error { return validateStruct(c) }

type PixelSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type CropResult struct {
	CropID         string         `json:"crop_id"`
	ImageID        string         `json:"image_id"`
	SourcePath     string         `json:"source_path"`
	GeometryIndex  int            `json:"geometry_index"`
	ROIBounds      ROIBounds      `json:"roi_bounds"`
	OutputPath     string         `json:"output_path"`
	OriginalSize   PixelSize      `json:"original_size"`
	CroppedSize    PixelSize      `json:"cropped_size"`
	PixelScale     float64        `json:"pixel_scale"`
	ProcessingTime time.Duration  `json:"processing_time"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// pipeline stages a geometry can be skipped at
const (
	StageValidate  = "validate"
	StageReproject = "reproject"
	StageROI       = "roi"
	StageMask      = "mask"
)

// Skip records why one geometry produced no result.
type Skip struct {
	Index  int    `json:"index"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

type CropOutcome struct {
	Results   []CropResult `json:"results"`
	Total     int          `json:"total"`
	Processed int          `json:"processed"`
	Succeeded int          `json:"succeeded"`
	Skipped   int          `json:"skipped"`
	Skips     []Skip       `json:"skips,omitempty"`
}

func (o *CropOutcome) clone() *CropOutcome {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Results = append([]CropResult(nil), o.Results...)
	cp.Skips = append([]Skip(nil), o.Skips...)
	return &cp
}
