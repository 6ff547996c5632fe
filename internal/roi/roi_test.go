package roi

import (
	"math"
	"testing"

	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
)

// L-shaped field whose hull differs from the polygon itself.
var lShape = orb.Polygon{{
	{200000, 500000}, {200040, 500000}, {200040, 500010}, {200010, 500010},
	{200010, 500030}, {200000, 500030}, {200000, 500000},
}}

func TestDerive_NoBufferNoHullKeepsExactBounds(t *testing.T) {
	cfg := model.CropConfig{UseConvexHull: false}
	s := Derive(lShape, cfg, "EPSG:5186")
	if s == nil {
		t.Fatalf("expected shape")
	}
	if !s.Bound().Equal(lShape.Bound()) {
		t.Fatalf("bounds %v want %v", s.Bound(), lShape.Bound())
	}
	if s.Area() != 600 {
		t.Fatalf("area=%v want 600", s.Area())
	}
	if s.Contains(orb.Point{200030, 500020}) {
		t.Fatalf("notch of the L must be outside without hull")
	}
}

func TestDerive_HullAndBuffer(t *testing.T) {
	cfg := model.CropConfig{UseConvexHull: true, BufferDistance: 5}
	s := Derive(lShape, cfg, "EPSG:5186")
	if s == nil {
		t.Fatalf("expected shape")
	}
	want := lShape.Bound().Pad(5)
	if !s.Bound().Equal(want) {
		t.Fatalf("bounds %v want %v", s.Bound(), want)
	}
	if !s.Contains(orb.Point{200030, 500020}) {
		t.Fatalf("hull must cover the notch")
	}
	if !s.Contains(orb.Point{199996, 500015}) {
		t.Fatalf("point within buffer distance must be inside")
	}
	if s.Contains(orb.Point{199996, 499996}) {
		t.Fatalf("buffer corners are rounded; diagonal point at 5.66m must be outside")
	}
	if s.Bounds().CRS != "EPSG:5186" {
		t.Fatalf("crs not carried")
	}
}

func TestDerive_MinAreaIsInclusive(t *testing.T) {
	sq := orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
	if Derive(sq, model.CropConfig{MinAreaThreshold: 100}, "EPSG:5186") == nil {
		t.Fatalf("area equal to threshold must be accepted")
	}
	small := orb.Polygon{{{0, 0}, {9.9, 0}, {9.9, 10}, {0, 10}, {0, 0}}}
	if Derive(small, model.CropConfig{MinAreaThreshold: 100}, "EPSG:5186") != nil {
		t.Fatalf("area 99 must be rejected at threshold 100")
	}
}

func TestDerive_DegenerateRejectedEvenWithBuffer(t *testing.T) {
	line := orb.Polygon{{{0, 0}, {10, 0}, {20, 0}, {0, 0}}}
	if Derive(line, model.CropConfig{BufferDistance: 50, UseConvexHull: true}, "EPSG:5186") != nil {
		t.Fatalf("buffer of a line must be rejected")
	}
}

func TestBatchBounds_AlwaysUnions(t *testing.T) {
	a := orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
	b := orb.Polygon{{{100, 50}, {120, 50}, {120, 70}, {100, 70}, {100, 50}}}
	got, ok := BatchBounds([]orb.Polygon{a, b}, model.CropConfig{BufferDistance: 1}, "EPSG:5186")
	if !ok {
		t.Fatalf("expected bounds")
	}
	want := model.ROIBounds{MinX: -1, MinY: -1, MaxX: 121, MaxY: 71, CRS: "EPSG:5186"}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if _, ok := BatchBounds(nil, model.CropConfig{}, "EPSG:5186"); ok {
		t.Fatalf("empty batch must yield no bounds")
	}
}

func TestConvexHullIsClosedCCW(t *testing.T) {
	h := ConvexHull(lShape)
	r := h[0]
	if !r.Closed() || len(r) != 6 {
		t.Fatalf("unexpected hull %v", r)
	}
	if r.Orientation() != orb.CCW {
		t.Fatalf("hull must be counter-clockwise")
	}
	// hull adds the 20x30 notch triangle to the L
	if got := Derive(lShape, model.CropConfig{UseConvexHull: true}, "").Area(); math.Abs(got-900) > 1e-9 {
		t.Fatalf("hull area=%v want 900", got)
	}
}
