package featurestore

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/cache/keys"
	"github.com/dabom10/Nong-View/internal/cache/redisstore"
	"github.com/dabom10/Nong-View/internal/features"
)

func newMini(t *testing.T) (*redisstore.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	cli, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	return cli, mr
}

type countingStore struct {
	layers map[string]*features.Collection
	calls  int
}

func (s *countingStore) Layer(_ context.Context, analysisID, name string) (*features.Collection, error) {
	s.calls++
	c, ok := s.layers[analysisID+"/"+name]
	if !ok {
		return nil, features.ErrNotFound
	}
	return c, nil
}

func (s *countingStore) Info(_ context.Context, analysisID string) (features.AnalysisInfo, error) {
	return features.AnalysisInfo{ID: analysisID}, nil
}

func sampleLayer() *features.Collection {
	return &features.Collection{
		Name: "parcels",
		CRS:  "EPSG:5186",
		Features: []features.Feature{{
			ID:         "p1",
			Geometry:   orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}},
			Properties: map[string]any{"pnu": "4521010100100010000"},
		}},
	}
}

func TestCachedStore_ReadThrough(t *testing.T) {
	cli, mr := newMini(t)
	next := &countingStore{layers: map[string]*features.Collection{"a1/parcels": sampleLayer()}}
	s := NewCachedStore(cli, next, 5*time.Minute)
	ctx := context.Background()

	first, err := s.Layer(ctx, "a1", "parcels")
	if err != nil {
		t.Fatalf("first Layer: %v", err)
	}
	second, err := s.Layer(ctx, "a1", "parcels")
	if err != nil {
		t.Fatalf("second Layer: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("backing store called %d times, want 1", next.calls)
	}
	if second.CRS != first.CRS || second.Len() != 1 || second.Features[0].Properties["pnu"] != "4521010100100010000" {
		t.Fatalf("cached layer differs: %+v", second)
	}

	k := keys.Layer("a1", "parcels")
	if ttl := mr.TTL(k); ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("unexpected TTL for %q: %v", k, ttl)
	}
}

func TestCachedStore_MissingLayerNotCached(t *testing.T) {
	cli, mr := newMini(t)
	next := &countingStore{}
	s := NewCachedStore(cli, next, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := s.Layer(context.Background(), "a1", "facilities"); !errors.Is(err, features.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	}
	if next.calls != 2 {
		t.Fatalf("misses should reach the backing store each time, calls=%d", next.calls)
	}
	if mr.Exists(keys.Layer("a1", "facilities")) {
		t.Fatalf("missing layer was cached")
	}
}

func TestCachedStore_CorruptEntryIsReplaced(t *testing.T) {
	cli, mr := newMini(t)
	next := &countingStore{layers: map[string]*features.Collection{"a1/parcels": sampleLayer()}}
	s := NewCachedStore(cli, next, time.Minute)

	k := keys.Layer("a1", "parcels")
	if err := mr.Set(k, "not json"); err != nil {
		t.Fatal(err)
	}
	c, err := s.Layer(context.Background(), "a1", "parcels")
	if err != nil || c.Len() != 1 {
		t.Fatalf("Layer: %v %+v", err, c)
	}
	if got, _ := mr.Get(k); got == "not json" {
		t.Fatalf("corrupt entry kept")
	}
}
