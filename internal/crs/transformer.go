package crs

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
)

// PointFunc reprojects a single point.
type PointFunc func(orb.Point) (orb.Point, error)

type pair struct{ src, dst int }

// Transformer reprojects geometries between registered CRSs. Pipelines are
// built once per CRS pair and kept in a bounded LRU. Safe for concurrent use.
type Transformer struct {
	pipelines *lru.Cache[pair, PointFunc]
}

const defaultPipelineCache = 64

func NewTransformer(size int) *Transformer {
	if size <= 0 {
		size = defaultPipelineCache
	}
	c, _ := lru.New[pair, PointFunc](size)
	return &Transformer{pipelines: c}
}

// Pipeline returns the point function for src -> dst.
func (t *Transformer) Pipeline(src, dst string) (PointFunc, error) {
	from, err := Lookup(src)
	if err != nil {
		return nil, &model.ReprojectionError{From: src, To: dst, Reason: err.Error()}
	}
	to, err := Lookup(dst)
	if err != nil {
		return nil, &model.ReprojectionError{From: src, To: dst, Reason: err.Error()}
	}
	key := pair{from.Code, to.Code}
	if fn, ok := t.pipelines.Get(key); ok {
		return fn, nil
	}
	var fn PointFunc
	if from.Code == to.Code {
		fn = func(p orb.Point) (orb.Point, error) { return p, nil }
	} else {
		fn = func(p orb.Point) (orb.Point, error) {
			ll, err := from.proj.Inverse(p)
			if err != nil {
				return orb.Point{}, err
			}
			return to.proj.Forward(ll)
		}
	}
	t.pipelines.Add(key, fn)
	return fn, nil
}

// Transform returns a copy of g in dst. A geometry already in dst is copied
// unchanged. Ring order and vertex order are preserved.
func (t *Transformer) Transform(g model.Geometry, dst string) (model.Geometry, error) {
	src := g.CRSOrDefault()
	poly, err := t.TransformPolygon(g.Polygon(), src, dst)
	if err != nil {
		return model.Geometry{}, err
	}
	out := g
	out.Coordinates = []orb.Ring(poly)
	out.CRS = canonical(dst)
	return out, nil
}

// TransformPolygon reprojects every ring of p.
func (t *Transformer) TransformPolygon(p orb.Polygon, src, dst string) (orb.Polygon, error) {
	g, err := t.TransformGeometry(p, src, dst)
	if err != nil {
		return nil, err
	}
	return g.(orb.Polygon), nil
}

// TransformBound reprojects the four corners of b and returns their envelope.
func (t *Transformer) TransformBound(b orb.Bound, src, dst string) (orb.Bound, error) {
	ring, err := t.TransformGeometry(b.ToRing(), src, dst)
	if err != nil {
		return orb.Bound{}, err
	}
	return ring.Bound(), nil
}

// TransformGeometry reprojects any orb geometry into a new value.
func (t *Transformer) TransformGeometry(g orb.Geometry, src, dst string) (orb.Geometry, error) {
	fn, err := t.Pipeline(src, dst)
	if err != nil {
		return nil, err
	}
	out, err := apply(g, fn)
	if err != nil {
		var re *model.ReprojectionError
		if errors.As(err, &re) {
			return nil, err
		}
		return nil, &model.ReprojectionError{From: src, To: dst, Reason: err.Error()}
	}
	return out, nil
}

func apply(g orb.Geometry, fn PointFunc) (orb.Geometry, error) {
	switch g := g.(type) {
	case nil:
		return nil, nil
	case orb.Point:
		return fn(g)
	case orb.MultiPoint:
		out, err := points(g, fn)
		return orb.MultiPoint(out), err
	case orb.LineString:
		out, err := points(g, fn)
		return orb.LineString(out), err
	case orb.Ring:
		out, err := points(g, fn)
		return orb.Ring(out), err
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(g))
		for i, ls := range g {
			p, err := points(ls, fn)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case orb.Polygon:
		return polygon(g, fn)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(g))
		for i, p := range g {
			tp, err := polygon(p, fn)
			if err != nil {
				return nil, err
			}
			out[i] = tp
		}
		return out, nil
	case orb.Bound:
		r, err := points(g.ToRing(), fn)
		if err != nil {
			return nil, err
		}
		return orb.Ring(r).Bound(), nil
	case orb.Collection:
		out := make(orb.Collection, len(g))
		for i, c := range g {
			tc, err := apply(c, fn)
			if err != nil {
				return nil, err
			}
			out[i] = tc
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported geometry %T", g)
}

func points[S ~[]orb.Point](in S, fn PointFunc) ([]orb.Point, error) {
	out := make([]orb.Point, len(in))
	for i, p := range in {
		q, err := fn(p)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

func polygon(p orb.Polygon, fn PointFunc) (orb.Polygon, error) {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		tr, err := points(r, fn)
		if err != nil {
			return nil, err
		}
		out[i] = tr
	}
	return out, nil
}

func canonical(id string) string {
	if n, err := Normalize(id); err == nil {
		return n
	}
	return id
}
