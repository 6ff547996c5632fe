// Package jobs supervises crop and export runs: lifecycle state, progress,
// cancellation and persistence of job snapshots.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dabom10/Nong-View/internal/cache/keys"
	"github.com/dabom10/Nong-View/internal/cache/redisstore"
	"github.com/dabom10/Nong-View/internal/core/model"
)

var ErrNotFound = errors.New("job not found")

// Repository stores job snapshots by id.
type Repository interface {
	Put(ctx context.Context, job model.Job) error
	Get(ctx context.Context, id string) (model.Job, error)
	List(ctx context.Context) ([]model.Job, error)
}

type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]model.Job
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]model.Job)}
}

func (r *MemoryRepository) Put(_ context.Context, job model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context) ([]model.Job, error) {
	r.mu.RLock()
	out := make([]model.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	r.mu.RUnlock()
	sortJobs(out)
	return out, nil
}

// RedisRepository keeps each snapshot as JSON under keys.Job and indexes
// ids in a set so List survives restarts.
type RedisRepository struct {
	cli *redisstore.Client
	ttl time.Duration
}

// NewRedisRepository stores snapshots for ttl; zero keeps them forever.
func NewRedisRepository(cli *redisstore.Client, ttl time.Duration) *RedisRepository {
	return &RedisRepository{cli: cli, ttl: ttl}
}

func (r *RedisRepository) Put(ctx context.Context, job model.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return r.cli.SetIndexed(ctx, keys.Job(job.ID), b, r.ttl, keys.JobIndex(), job.ID)
}

func (r *RedisRepository) Get(ctx context.Context, id string) (model.Job, error) {
	b, err := r.cli.Get(ctx, keys.Job(id))
	if errors.Is(err, redisstore.ErrNotFound) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	var j model.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return model.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

// List skips index members whose snapshot has expired and drops them from
// the index.
func (r *RedisRepository) List(ctx context.Context) ([]model.Job, error) {
	ids, err := r.cli.Members(ctx, keys.JobIndex())
	if err != nil {
		return nil, err
	}
	ks := make([]string, len(ids))
	for i, id := range ids {
		ks[i] = keys.Job(id)
	}
	raw, err := r.cli.GetMany(ctx, ks)
	if err != nil {
		return nil, err
	}
	out := make([]model.Job, 0, len(raw))
	var expired []string
	for i, b := range raw {
		if b == nil {
			expired = append(expired, ids[i])
			continue
		}
		var j model.Job
		if err := json.Unmarshal(b, &j); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ks[i], err)
		}
		out = append(out, j)
	}
	// best effort; a failed prune is retried on the next List
	_ = r.cli.Unindex(ctx, keys.JobIndex(), expired...)
	sortJobs(out)
	return out, nil
}

func sortJobs(js []model.Job) {
	sort.Slice(js, func(a, b int) bool {
		if !js[a].CreatedAt.Equal(js[b].CreatedAt) {
			return js[a].CreatedAt.Before(js[b].CreatedAt)
		}
		return js[a].ID < js[b].ID
	})
}
