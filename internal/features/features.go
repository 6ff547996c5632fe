// Package features is the vector side of the export pipeline: named
// feature collections produced by analyses, and the stores they come from.
package features

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/paulmach/orb"
)

// ErrNotFound means the analysis or the named layer does not exist.
var ErrNotFound = errors.New("feature collection not found")

type Feature struct {
	ID         any
	Geometry   orb.Geometry
	Properties map[string]any
}

// Collection is one named layer in a single CRS.
type Collection struct {
	Name     string
	CRS      string
	Features []Feature
}

func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Features)
}

// Clone copies the feature slice and every property map. Geometries are
// shared; nothing in the pipeline mutates them in place.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	out := &Collection{Name: c.Name, CRS: c.CRS, Features: make([]Feature, len(c.Features))}
	for i, f := range c.Features {
		f.Properties = maps.Clone(f.Properties)
		out.Features[i] = f
	}
	return out
}

// AnalysisInfo describes where an analysis came from.
type AnalysisInfo struct {
	ID           string    `json:"id"`
	SourceImages []string  `json:"source_images"`
	AnalyzedAt   time.Time `json:"analyzed_at"`
}

type Store interface {
	Layer(ctx context.Context, analysisID, name string) (*Collection, error)
	Info(ctx context.Context, analysisID string) (AnalysisInfo, error)
}

// LoadMerged concatenates layer name across analyses. Analyses missing the
// layer are reported as warnings. A CRS mismatch between analyses is an
// error; callers reproject per analysis if they need mixing.
func LoadMerged(ctx context.Context, s Store, analysisIDs []string, name string) (*Collection, []string, error) {
	out := &Collection{Name: name}
	var warnings []string
	for _, id := range analysisIDs {
		c, err := s.Layer(ctx, id, name)
		if errors.Is(err, ErrNotFound) {
			warnings = append(warnings, fmt.Sprintf("analysis %s has no %s layer", id, name))
			continue
		}
		if err != nil {
			return nil, warnings, fmt.Errorf("load %s/%s: %w", id, name, err)
		}
		if c.Len() == 0 {
			continue
		}
		if out.CRS == "" {
			out.CRS = c.CRS
		} else if c.CRS != out.CRS {
			return nil, warnings, fmt.Errorf("layer %s: analysis %s is in %s, expected %s", name, id, c.CRS, out.CRS)
		}
		out.Features = append(out.Features, c.Features...)
	}
	return out, warnings, nil
}
