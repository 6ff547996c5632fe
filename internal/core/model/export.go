package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type FieldType string

const (
	FieldString FieldType = "str"
	FieldFloat  FieldType = "float"
	FieldInt    FieldType = "int"
)

// Normalize maps accepted aliases onto the canonical tags.
func (t FieldType) Normalize() FieldType {
	switch strings.ToLower(strings.TrimSpace(string(t))) {
	case "str", "string", "text":
		return FieldString
	case "float", "double", "real":
		return FieldFloat
	case "int", "integer":
		return FieldInt
	}
	return t
}

type Field struct {
	Name string    `json:"name" validate:"required"`
	Type FieldType `json:"type" validate:"oneof=str float int"`
}

// Fields keeps declaration order; it encodes as a JSON object {"name": "type"}.
type Fields []Field

func (f Fields) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, fd := range f {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(fd.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(string(fd.Type))
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields: expected object, got %v", tok)
	}
	var out Fields
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("fields: %w", err)
		}
		name, _ := kt.(string)
		var typ string
		if err := dec.Decode(&typ); err != nil {
			return fmt.Errorf("fields: value for %q: %w", name, err)
		}
		out = append(out, Field{Name: name, Type: FieldType(typ).Normalize()})
	}
	*f = out
	return nil
}

func (f Fields) Names() []string {
	out := make([]string, len(f))
	for i, fd := range f {
		out[i] = fd.Name
	}
	return out
}

type LayerConfig struct {
	Name         string `json:"name" validate:"required"`
	GeometryType string `json:"geometry_type" validate:"oneof=Point LineString Polygon"`
	Fields       Fields `json:"fields" validate:"dive"`
}

type PrivacyConfig struct {
	MaskOwnerNames       bool     `json:"mask_owner_names"`
	MaskPhoneNumbers     bool     `json:"mask_phone_numbers"`
	RemovePersonalFields []string `json:"remove_personal_fields,omitempty"`
	AnonymizeLocations   bool     `json:"anonymize_locations"`
}

type ExportConfig struct {
	OutputCRS         string        `json:"output_crs" validate:"required,epsg"`
	IncludeStatistics bool          `json:"include_statistics"`
	IncludeMetadata   bool          `json:"include_metadata"`
	Privacy           PrivacyConfig `json:"privacy_config"`
	// empty means the built-in parcels/crop_detections/facilities set
	Layers           []LayerConfig `json:"layers,omitempty" validate:"dive"`
	MaxFileSizeMB    float64       `json:"max_file_size_mb" validate:"gt=0"`
	CompressionLevel int           `json:"compression_level" validate:"gte=0,lte=9"`
}

func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		OutputCRS:         DefaultCRS,
		IncludeStatistics: true,
		IncludeMetadata:   true,
		Privacy: PrivacyConfig{
			MaskOwnerNames:   true,
			MaskPhoneNumbers: true,
		},
		MaxFileSizeMB:    100,
		CompressionLevel: 6,
	}
}

// NewExportConfig normalises field type aliases and validates the result.
func NewExportConfig(c ExportConfig) (ExportConfig, error) {
	c.OutputCRS = strings.ToUpper(strings.TrimSpace(c.OutputCRS))
	layers := make([]LayerConfig, len(c.Layers))
	for i, l := range c.Layers {
		fields := make(Fields, len(l.Fields))
		for j, fd := range l.Fields {
			fields[j] = Field{Name: strings.TrimSpace(fd.Name), Type: fd.Type.Normalize()}
		}
		l.Fields = fields
		layers[i] = l
	}
	if len(layers) == 0 {
		layers = nil
	}
	c.Layers = layers
	c.Privacy.RemovePersonalFields = append([]string(nil), c.Privacy.RemovePersonalFields...)
	if err := c.Validate(); err != nil {
		return ExportConfig{}, err
	}
	return c, nil
}

func (c ExportConfig) Validate() error { return validateStruct(c) }

type ExportRequest struct {
	AnalysisIDs []string     `json:"analysis_ids" validate:"required,min=1,dive,required"`
	RegionName  string       `json:"region_name" validate:"required"`
	Purpose     string       `json:"export_purpose,omitempty"`
	Config      ExportConfig `json:"config"`
}

func (r ExportRequest) Validate() error { return validateStruct(r) }

type LayerStatistics struct {
	LayerName    string             `json:"layer_name"`
	FeatureCount int                `json:"feature_count"`
	TotalAreaSqm float64            `json:"total_area_sqm"`
	AreaByType   map[string]float64 `json:"area_by_type"`
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type ExportMetadata struct {
	ExportID          string             `json:"export_id"`
	CreatedAt         time.Time          `json:"created_at"`
	CreatedBy         string             `json:"created_by"`
	Version           string             `json:"version"`
	SourceImages      []string           `json:"source_images"`
	AnalysisDateRange DateRange          `json:"analysis_date_range"`
	ProcessingSummary map[string]any     `json:"processing_summary"`
	QualityMetrics    map[string]float64 `json:"quality_metrics"`
}

type ExportResult struct {
	ExportID       string            `json:"export_id"`
	OutputPath     string            `json:"output_path"`
	SizeBytes      int64             `json:"size_bytes"`
	FileSizeMB     float64           `json:"file_size_mb"`
	Checksum       string            `json:"checksum,omitempty"`
	Layers         []LayerStatistics `json:"layer_statistics"`
	Metadata       ExportMetadata    `json:"metadata"`
	ProcessingTime time.Duration     `json:"processing_time"`
	Success        bool              `json:"success"`
	Warnings       []string          `json:"warnings"`
}

func (r *ExportResult) clone() *ExportResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Layers = append([]LayerStatistics(nil), r.Layers...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	return &cp
}
