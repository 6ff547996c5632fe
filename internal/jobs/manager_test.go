package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/jobevents"
)

type recorder struct {
	mu     sync.Mutex
	events []jobevents.Event
}

func (r *recorder) Publish(ev jobevents.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) forJob(id string) []jobevents.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []jobevents.Event
	for _, ev := range r.events {
		if ev.JobID == id {
			out = append(out, ev)
		}
	}
	return out
}

func wait(t *testing.T, h *Handle) model.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return j
}

func TestManager_ProgressIsMonotonicAndEndsAtOne(t *testing.T) {
	rec := &recorder{}
	m := NewManager(nil, nil, WithEvents(rec))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	h, err := m.Submit(context.Background(), model.JobKindCrop, func(_ context.Context, report Reporter) (Payload, error) {
		for _, f := range []float64{0.2, 0.6, 0.4, 0.9} {
			report(f, "step")
		}
		return Payload{Crop: &model.CropOutcome{Total: 1, Processed: 1, Succeeded: 1}}, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	j := wait(t, h)
	if j.Status != model.StatusCompleted || j.Progress != 1 || j.Crop == nil || j.StartedAt == nil || j.CompletedAt == nil {
		t.Fatalf("job %+v", j)
	}

	evs := rec.forJob(h.ID)
	last := -1.0
	for _, ev := range evs {
		if ev.Progress < last {
			t.Fatalf("progress went from %v to %v: %+v", last, ev.Progress, evs)
		}
		last = ev.Progress
	}
	if last != 1 {
		t.Fatalf("final progress %v", last)
	}
	statuses := []string{evs[0].Status, evs[1].Status, evs[len(evs)-1].Status}
	if strings.Join(statuses, ",") != "pending,processing,completed" {
		t.Fatalf("statuses %v", statuses)
	}
}

// processes 15 items, pausing after the fifth until cancelled
func fifteenItems(reached chan<- struct{}) Task {
	return func(ctx context.Context, report Reporter) (Payload, error) {
		out := &model.CropOutcome{Total: 15}
		for i := 0; i < 15; i++ {
			if ctx.Err() != nil {
				return Payload{Crop: out}, model.ErrCancelled
			}
			out.Results = append(out.Results, model.CropResult{GeometryIndex: i})
			out.Processed++
			out.Succeeded++
			report(float64(i+1)/15, "")
			if i == 4 {
				close(reached)
				<-ctx.Done()
			}
		}
		return Payload{Crop: out}, nil
	}
}

func TestManager_CancelWhileProcessingKeepsResults(t *testing.T) {
	m := NewManager(nil, nil)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	reached := make(chan struct{})
	h, err := m.Submit(context.Background(), model.JobKindCrop, fifteenItems(reached))
	if err != nil {
		t.Fatal(err)
	}
	<-reached
	if err := m.Cancel(context.Background(), h.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	j := wait(t, h)
	if j.Status != model.StatusCancelled {
		t.Fatalf("status %s", j.Status)
	}
	if j.Crop == nil || len(j.Crop.Results) != 5 || j.Crop.Processed != 5 || j.Crop.Total != 15 {
		t.Fatalf("crop outcome %+v", j.Crop)
	}
	if j.Progress != 5.0/15 || !strings.Contains(j.Message, "5 of 15") {
		t.Fatalf("progress=%v message=%q", j.Progress, j.Message)
	}

	if err := m.Cancel(context.Background(), h.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("cancel of a terminal job: %v", err)
	}
}

func TestManager_CancelPendingIsImmediate(t *testing.T) {
	m := NewManager(nil, nil, WithMaxWorkers(1))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	release, started := make(chan struct{}), make(chan struct{})
	first, err := m.Submit(context.Background(), model.JobKindExport, func(ctx context.Context, _ Reporter) (Payload, error) {
		close(started)
		<-release
		return Payload{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	ran := make(chan struct{}, 1)
	second, err := m.Submit(context.Background(), model.JobKindExport, func(context.Context, Reporter) (Payload, error) {
		ran <- struct{}{}
		return Payload{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Cancel(context.Background(), second.ID); err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	j, err := m.Get(context.Background(), second.ID)
	if err != nil || j.Status != model.StatusCancelled || j.StartedAt != nil {
		t.Fatalf("pending cancel: %+v err=%v", j, err)
	}

	close(release)
	if j := wait(t, first); j.Status != model.StatusCompleted {
		t.Fatalf("first job %s", j.Status)
	}
	<-second.Done()
	select {
	case <-ran:
		t.Fatalf("cancelled job ran")
	default:
	}
}

func TestManager_FailuresBecomeFailedState(t *testing.T) {
	m := NewManager(nil, nil)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	h, _ := m.Submit(context.Background(), model.JobKindCrop, func(context.Context, Reporter) (Payload, error) {
		return Payload{}, &model.ResourceError{Op: "open raster", Path: "/data/x.tif", Err: errors.New("no such file")}
	})
	j := wait(t, h)
	if j.Status != model.StatusFailed || !strings.Contains(j.Error, "open raster") || len(j.ErrorDetails) != 3 {
		t.Fatalf("job %+v", j)
	}

	h, _ = m.Submit(context.Background(), model.JobKindExport, func(context.Context, Reporter) (Payload, error) {
		panic("layer writer exploded")
	})
	j = wait(t, h)
	if j.Status != model.StatusFailed || !strings.Contains(j.Error, "panicked") {
		t.Fatalf("panicking job %+v", j)
	}
}

func TestManager_UnknownJob(t *testing.T) {
	m := NewManager(nil, nil)
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: %v", err)
	}
	if err := m.Cancel(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestManager_ListAndClose(t *testing.T) {
	base := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	m := NewManager(nil, NewMemoryRepository(), WithClock(clock))

	a, _ := m.Submit(context.Background(), model.JobKindCrop, func(context.Context, Reporter) (Payload, error) { return Payload{}, nil })
	wait(t, a)
	reached := make(chan struct{})
	b, _ := m.Submit(context.Background(), model.JobKindCrop, fifteenItems(reached))
	<-reached

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	js, err := m.List(context.Background())
	if err != nil || len(js) != 2 || js[0].ID != a.ID || js[1].ID != b.ID {
		t.Fatalf("List: %+v err=%v", js, err)
	}
	if js[1].Status != model.StatusCancelled {
		t.Fatalf("job running at Close ended %s", js[1].Status)
	}
	if _, err := m.Submit(context.Background(), model.JobKindCrop, nil); err == nil {
		t.Fatalf("Submit after Close accepted")
	}
}
