// Package featurestore caches analysis layers in Redis in front of a slower
// features.Store.
package featurestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dabom10/Nong-View/internal/cache/keys"
	"github.com/dabom10/Nong-View/internal/cache/redisstore"
	"github.com/dabom10/Nong-View/internal/core/observability"
	"github.com/dabom10/Nong-View/internal/features"
)

type cachedStore struct {
	cli     *redisstore.Client
	next    features.Store
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

type Option func(*cachedStore)

func WithMetrics(m *observability.Metrics) Option {
	return func(s *cachedStore) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *cachedStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewCachedStore reads layers through Redis. Missing layers are not cached.
// Redis failures degrade to reading from next.
func NewCachedStore(cli *redisstore.Client, next features.Store, ttl time.Duration, opts ...Option) features.Store {
	s := &cachedStore{
		cli:    cli,
		next:   next,
		ttl:    ttl,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *cachedStore) Layer(ctx context.Context, analysisID, name string) (*features.Collection, error) {
	key := keys.Layer(analysisID, name)

	body, err := s.cli.Get(ctx, key)
	switch {
	case err == nil:
		c, derr := features.DecodeGeoJSON(name, body)
		if derr == nil {
			s.metrics.IncLayerCache(true)
			return c, nil
		}
		s.logger.Warn("drop undecodable cached layer", "key", key, "err", derr)
		_ = s.cli.Del(ctx, key)
	case !errors.Is(err, redisstore.ErrNotFound):
		s.logger.Warn("layer cache read failed", "key", key, "err", err)
	}
	s.metrics.IncLayerCache(false)

	c, err := s.next.Layer(ctx, analysisID, name)
	if err != nil {
		return nil, err
	}
	enc, err := features.EncodeGeoJSON(c)
	if err != nil {
		return nil, fmt.Errorf("encode layer %s/%s: %w", analysisID, name, err)
	}
	if err := s.cli.Set(ctx, key, enc, s.ttl); err != nil {
		s.logger.Warn("layer cache write failed", "key", key, "err", err)
	}
	return c, nil
}

func (s *cachedStore) Info(ctx context.Context, analysisID string) (features.AnalysisInfo, error) {
	return s.next.Info(ctx, analysisID)
}
