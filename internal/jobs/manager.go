package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/core/observability"
	"github.com/dabom10/Nong-View/internal/jobevents"
	"github.com/dabom10/Nong-View/internal/logger"
)

// ErrIllegalTransition is returned when an operation does not apply to the
// job's current state, such as cancelling a finished job.
var ErrIllegalTransition = errors.New("illegal job transition")

// ErrNotOwned is returned when cancelling a stored job that is still
// Pending or Processing but has no runner in this manager, e.g. one left
// in a shared Redis store by another or an earlier process.
var ErrNotOwned = errors.New("job is not run by this manager")

const DefaultMaxWorkers = 4

// Payload is what a task hands back; at most one field is set.
type Payload struct {
	Crop   *model.CropOutcome
	Export *model.ExportResult
}

// Reporter records progress. Fractions below the last reported value are
// ignored, so observed progress never decreases.
type Reporter func(fraction float64, message string)

// Task is one supervised run. It should check ctx between items and return
// model.ErrCancelled with whatever it finished when ctx is cancelled.
type Task func(ctx context.Context, report Reporter) (Payload, error)

type Manager struct {
	log     *slog.Logger
	repo    Repository
	events  jobevents.Sink
	metrics *observability.Metrics
	now     func() time.Time
	sem     chan struct{}

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	live map[string]*entry
}

type entry struct {
	job     model.Job
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	// serialises persistence so snapshots reach the repository in order
	write sync.Mutex
}

type Option func(*Manager)

func WithMaxWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = make(chan struct{}, n)
		}
	}
}

func WithEvents(s jobevents.Sink) Option {
	return func(m *Manager) {
		if s != nil {
			m.events = s
		}
	}
}

func WithMetrics(x *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = x }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(log *slog.Logger, repo Repository, opts ...Option) *Manager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if repo == nil {
		repo = NewMemoryRepository()
	}
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		log:    log,
		repo:   repo,
		events: jobevents.Nop{},
		now:    time.Now,
		sem:    make(chan struct{}, DefaultMaxWorkers),
		base:   base,
		stop:   stop,
		live:   make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Handle is returned by Submit to await a job.
type Handle struct {
	ID   string
	done <-chan struct{}
	m    *Manager
}

// Done is closed once the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job is terminal or ctx ends, then returns the
// latest snapshot.
func (h *Handle) Wait(ctx context.Context) (model.Job, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return model.Job{}, ctx.Err()
	}
	return h.m.Get(ctx, h.ID)
}

// Submit registers a Pending job and schedules task. The job runs once a
// worker slot is free.
func (m *Manager) Submit(ctx context.Context, kind model.JobKind, task Task) (*Handle, error) {
	if m.base.Err() != nil {
		return nil, errors.New("job manager is closed")
	}
	id := uuid.NewString()
	job := model.Job{
		ID:        id,
		Kind:      kind,
		Status:    model.StatusPending,
		Message:   "queued",
		CreatedAt: m.now().UTC(),
	}
	if err := m.repo.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job %s: %w", id, err)
	}

	jctx := logger.WithJobKind(logger.WithJobID(m.base, id), string(kind))
	jctx, cancel := context.WithCancel(jctx)
	e := &entry{job: job, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.live[id] = e
	m.mu.Unlock()

	m.publish(job)
	m.log.InfoContext(jctx, "job submitted")

	m.wg.Add(1)
	go m.run(jctx, e, task)
	return &Handle{ID: id, done: e.done, m: m}, nil
}

func (m *Manager) run(ctx context.Context, e *entry, task Task) {
	defer m.wg.Done()
	defer close(e.done)
	defer e.cancel()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		// Cancel already finalised the job unless the manager is closing
		snap, err := m.transition(ctx, e, func(j *model.Job) error {
			if j.Status != model.StatusPending {
				return ErrIllegalTransition
			}
			m.markCancelled(j, "cancelled before start")
			return nil
		})
		if err == nil {
			m.metrics.JobFinished(string(snap.Kind), string(snap.Status), false, 0)
		}
		return
	}
	defer func() { <-m.sem }()

	snap, err := m.transition(ctx, e, func(j *model.Job) error {
		if j.Status != model.StatusPending {
			return fmt.Errorf("%w: start from %s", ErrIllegalTransition, j.Status)
		}
		now := m.now().UTC()
		j.Status = model.StatusProcessing
		j.StartedAt = &now
		j.Message = "processing"
		return nil
	})
	if err != nil {
		return
	}
	e.started = m.now()
	m.metrics.JobStarted(string(snap.Kind))
	m.log.InfoContext(ctx, "job started")

	payload, runErr := m.invoke(ctx, task, func(f float64, msg string) { m.progress(ctx, e, f, msg) })

	final, err := m.transition(ctx, e, func(j *model.Job) error {
		if j.Status != model.StatusProcessing {
			return fmt.Errorf("%w: finish from %s", ErrIllegalTransition, j.Status)
		}
		now := m.now().UTC()
		j.CompletedAt = &now
		j.Crop, j.Export = payload.Crop, payload.Export
		switch {
		case runErr == nil && !j.CancelRequested:
			j.Status = model.StatusCompleted
			j.Progress = 1
			j.Message = "completed"
		case errors.Is(runErr, model.ErrCancelled) || (j.CancelRequested && (runErr == nil || errors.Is(runErr, context.Canceled))):
			j.Status = model.StatusCancelled
			j.Message = cancelMessage(payload)
		default:
			j.Status = model.StatusFailed
			j.Message = "failed"
			j.Error = runErr.Error()
			j.ErrorDetails = errorDetails(runErr)
		}
		return nil
	})
	if err != nil {
		m.log.ErrorContext(ctx, "job finish rejected", "err", err)
		return
	}
	m.metrics.JobFinished(string(final.Kind), string(final.Status), true, m.now().Sub(e.started))
	if final.Status == model.StatusFailed {
		m.log.WarnContext(ctx, "job failed", "err", final.Error)
	} else {
		m.log.InfoContext(ctx, "job finished", "status", string(final.Status))
	}
}

// invoke turns a panicking task into an error.
func (m *Manager) invoke(ctx context.Context, task Task, report Reporter) (p Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.ErrorContext(ctx, "job panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			p, err = Payload{}, fmt.Errorf("job panicked: %v", r)
		}
	}()
	return task(ctx, report)
}

func (m *Manager) progress(ctx context.Context, e *entry, fraction float64, msg string) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	_, _ = m.transition(ctx, e, func(j *model.Job) error {
		if j.Status != model.StatusProcessing {
			return ErrIllegalTransition
		}
		if fraction >= j.Progress {
			j.Progress = fraction
		}
		if msg != "" && !j.CancelRequested {
			j.Message = msg
		}
		return nil
	})
}

// Cancel stops a job. A Pending job becomes Cancelled at once; a
// Processing job is cancelled when its task next checks between items.
// Cancelling a terminal job is an error, as is cancelling a stored job no
// runner here owns (ErrNotOwned).
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		j, err := m.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !j.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", ErrNotOwned, id, j.Status)
		}
		return fmt.Errorf("%w: job %s is %s", ErrIllegalTransition, id, j.Status)
	}

	var pending bool
	snap, err := m.transition(ctx, e, func(j *model.Job) error {
		switch j.Status {
		case model.StatusPending:
			pending = true
			m.markCancelled(j, "cancelled before start")
		case model.StatusProcessing:
			if j.CancelRequested {
				return nil
			}
			j.CancelRequested = true
			j.Message = "cancellation requested"
		default:
			return fmt.Errorf("%w: job %s is %s", ErrIllegalTransition, id, j.Status)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.cancel()
	if pending {
		m.metrics.JobFinished(string(snap.Kind), string(snap.Status), false, 0)
	}
	m.log.InfoContext(logger.WithJobID(ctx, id), "job cancel requested", "status", string(snap.Status))
	return nil
}

func (m *Manager) markCancelled(j *model.Job, msg string) {
	now := m.now().UTC()
	j.Status = model.StatusCancelled
	j.CancelRequested = true
	j.CompletedAt = &now
	j.Message = msg
}

// Get returns a snapshot of the job.
func (m *Manager) Get(ctx context.Context, id string) (model.Job, error) {
	m.mu.Lock()
	e, ok := m.live[id]
	var snap model.Job
	if ok {
		snap = e.job.Clone()
	}
	m.mu.Unlock()
	if ok {
		return snap, nil
	}
	return m.repo.Get(ctx, id)
}

// List returns every stored job, oldest first.
func (m *Manager) List(ctx context.Context) ([]model.Job, error) {
	return m.repo.List(ctx)
}

// Close cancels every running job and waits for them to settle.
func (m *Manager) Close(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition applies fn to the live job, persists the new snapshot and
// publishes it. Terminal jobs that persisted cleanly leave the live set;
// reads then go to the repository.
func (m *Manager) transition(ctx context.Context, e *entry, fn func(*model.Job) error) (model.Job, error) {
	e.write.Lock()
	defer e.write.Unlock()

	m.mu.Lock()
	before := e.job.Clone()
	if err := fn(&e.job); err != nil {
		m.mu.Unlock()
		return model.Job{}, err
	}
	snap := e.job.Clone()
	m.mu.Unlock()

	if err := m.repo.Put(context.WithoutCancel(ctx), snap); err != nil {
		m.log.WarnContext(ctx, "persist job snapshot failed", "err", err)
	} else if snap.Status.IsTerminal() {
		m.mu.Lock()
		delete(m.live, snap.ID)
		m.mu.Unlock()
	}
	if snap.Status != before.Status || snap.Progress != before.Progress || snap.CancelRequested != before.CancelRequested {
		m.publish(snap)
	}
	return snap, nil
}

func (m *Manager) publish(j model.Job) {
	m.events.Publish(jobevents.Event{
		JobID:    j.ID,
		Kind:     string(j.Kind),
		Status:   string(j.Status),
		Progress: j.Progress,
		Message:  j.Message,
		Error:    j.Error,
		At:       m.now().UTC(),
	})
}

func cancelMessage(p Payload) string {
	switch {
	case p.Crop != nil:
		return fmt.Sprintf("cancelled after %d of %d geometries", p.Crop.Processed, p.Crop.Total)
	case p.Export != nil:
		return fmt.Sprintf("cancelled after %d layers", len(p.Export.Layers))
	}
	return "cancelled"
}

// errorDetails flattens the structured parts of err for the job record.
func errorDetails(err error) []string {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return append([]string(nil), verr.Errors...)
	}
	var rerr *model.ResourceError
	if errors.As(err, &rerr) {
		return []string{"op: " + rerr.Op, "path: " + rerr.Path, "cause: " + rerr.Err.Error()}
	}
	var perr *model.ReprojectionError
	if errors.As(err, &perr) {
		return []string{"from: " + perr.From, "to: " + perr.To, "reason: " + perr.Reason}
	}
	return []string{err.Error()}
}
