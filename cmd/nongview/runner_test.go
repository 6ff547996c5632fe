package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/dabom10/Nong-View/internal/core/model"
)

type fakeAPI struct {
	mu        sync.Mutex
	polls     int
	doneAfter int
	cancelled bool
}

func (f *fakeAPI) GetJobStatus(_ context.Context, id string) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	j := model.Job{ID: id, Kind: model.JobKindCrop, Status: model.StatusProcessing, Progress: 0.5}
	switch {
	case f.cancelled:
		j.Status, j.Message = model.StatusCancelled, "cancelled after 5 of 15 geometries"
	case f.doneAfter > 0 && f.polls >= f.doneAfter:
		j.Status, j.Progress = model.StatusCompleted, 1
	}
	return j, nil
}

func (f *fakeAPI) CancelJob(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func testRunner(api jobAPI, submit func(context.Context) (string, error), out *bytes.Buffer) *runner {
	r := newRunner(api, submit, out, slog.New(slog.DiscardHandler), 2*time.Second)
	r.poll = 5 * time.Millisecond
	return r
}

func TestRunner_PrintsFinalJob(t *testing.T) {
	var out bytes.Buffer
	r := testRunner(&fakeAPI{doneAfter: 3}, func(context.Context) (string, error) { return "job-1", nil }, &out)

	err := supervise(context.Background(), slog.New(slog.DiscardHandler), 3*time.Second, r)
	if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Fatalf("supervise: %v", err)
	}
	j := <-r.result
	if j.Status != model.StatusCompleted || exitCode(j) != 0 {
		t.Fatalf("job %+v", j)
	}
	if !strings.Contains(out.String(), `"job_id": "job-1"`) {
		t.Fatalf("output %s", out.String())
	}
}

func TestRunner_InterruptCancelsAndReports(t *testing.T) {
	var out bytes.Buffer
	api := &fakeAPI{}
	r := testRunner(api, func(context.Context) (string, error) { return "job-2", nil }, &out)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = supervise(ctx, slog.New(slog.DiscardHandler), 3*time.Second, r)

	select {
	case j := <-r.result:
		if j.Status != model.StatusCancelled || exitCode(j) != 130 {
			t.Fatalf("job %+v", j)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("runner did not report")
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if !api.cancelled {
		t.Fatalf("job was not cancelled")
	}
}

func TestRunner_SubmitErrorEndsTree(t *testing.T) {
	var out bytes.Buffer
	verr := &model.ValidationError{Errors: []string{"at least one geometry is required"}}
	r := testRunner(&fakeAPI{}, func(context.Context) (string, error) { return "", verr }, &out)

	err := supervise(context.Background(), slog.New(slog.DiscardHandler), time.Second, r)
	if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Fatalf("supervise: %v", err)
	}
	var got *model.ValidationError
	if !errors.As(unwrapTerminate(err), &got) {
		t.Fatalf("unwrapped %v", unwrapTerminate(err))
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected output %s", out.String())
	}
}

func TestExitCode(t *testing.T) {
	for st, want := range map[model.JobStatus]int{
		model.StatusCompleted: 0,
		model.StatusFailed:    1,
		model.StatusCancelled: 130,
	} {
		if got := exitCode(model.Job{Status: st}); got != want {
			t.Fatalf("%s: got %d want %d", st, got, want)
		}
	}
}
