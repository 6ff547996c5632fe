package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/dabom10/Nong-View/internal/core/model"
)

// jobAPI is the part of the service the runner drives.
type jobAPI interface {
	GetJobStatus(ctx context.Context, id string) (model.Job, error)
	CancelJob(ctx context.Context, id string) error
}

// runner submits one job, follows it to a terminal state and prints the
// final snapshot. Interrupting the process cancels the job and still waits
// for it to settle so partial results are reported.
type runner struct {
	api     jobAPI
	submit  func(ctx context.Context) (string, error)
	out     io.Writer
	log     *slog.Logger
	poll    time.Duration
	drain   time.Duration
	result  chan model.Job
	settled bool
}

func newRunner(api jobAPI, submit func(ctx context.Context) (string, error), out io.Writer, log *slog.Logger, drain time.Duration) *runner {
	return &runner{
		api:    api,
		submit: submit,
		out:    out,
		log:    log,
		poll:   250 * time.Millisecond,
		drain:  drain,
		result: make(chan model.Job, 1),
	}
}

func (r *runner) Serve(ctx context.Context) error {
	if r.settled {
		return suture.ErrDoNotRestart
	}
	id, err := r.submit(ctx)
	if err != nil {
		r.settled = true
		return fmt.Errorf("submit: %w: %w", err, suture.ErrTerminateSupervisorTree)
	}
	r.log.Info("job submitted", "job_id", id)

	job, err := r.follow(ctx, id)
	if err != nil && ctx.Err() != nil {
		r.log.Warn("interrupted, cancelling job", "job_id", id)
		if cerr := r.api.CancelJob(context.WithoutCancel(ctx), id); cerr != nil {
			r.log.Warn("cancel", "job_id", id, "err", cerr)
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.drain)
		job, err = r.follow(dctx, id)
		cancel()
	}
	r.settled = true
	if err != nil {
		return fmt.Errorf("follow job %s: %w: %w", id, err, suture.ErrTerminateSupervisorTree)
	}
	r.result <- job
	if err := printJSON(r.out, job); err != nil {
		return fmt.Errorf("print job: %w: %w", err, suture.ErrTerminateSupervisorTree)
	}
	return suture.ErrTerminateSupervisorTree
}

func (r *runner) follow(ctx context.Context, id string) (model.Job, error) {
	t := time.NewTicker(r.poll)
	defer t.Stop()
	last := -1.0
	for {
		j, err := r.api.GetJobStatus(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		if j.Progress > last {
			last = j.Progress
			r.log.Debug("job progress", "job_id", id, "status", string(j.Status), "progress", j.Progress, "message", j.Message)
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-t.C:
		}
	}
}

func (r *runner) String() string { return "job-runner" }

// supervise runs services under one tree until the first of them ends it.
func supervise(ctx context.Context, log *slog.Logger, shutdown time.Duration, svcs ...suture.Service) error {
	hook := (&sutureslog.Handler{Logger: log}).MustHook()
	root := suture.New("nongview", suture.Spec{
		EventHook: hook,
		Timeout:   shutdown,
	})
	for _, s := range svcs {
		root.Add(s)
	}
	return root.Serve(ctx)
}

// exitCode maps a finished job onto the process status.
func exitCode(j model.Job) int {
	switch j.Status {
	case model.StatusCompleted:
		return 0
	case model.StatusCancelled:
		return 130
	default:
		return 1
	}
}
