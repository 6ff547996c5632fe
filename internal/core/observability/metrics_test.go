package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_JobLifecycleCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.JobStarted("crop")
	if got := testutil.ToFloat64(m.jobsInFlight.WithLabelValues("crop")); got != 1 {
		t.Fatalf("in flight=%v want 1", got)
	}
	m.JobFinished("crop", "completed", true, 2*time.Second)
	m.JobFinished("export", "cancelled", false, 0)

	if got := testutil.ToFloat64(m.jobsInFlight.WithLabelValues("crop")); got != 0 {
		t.Fatalf("in flight=%v want 0", got)
	}
	if got := testutil.ToFloat64(m.jobTransitions.WithLabelValues("export", "cancelled")); got != 1 {
		t.Fatalf("cancelled transitions=%v want 1", got)
	}
}

func TestMetrics_CropAndExport(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveCropGeometry(true, "", time.Millisecond)
	m.ObserveCropGeometry(false, "mask", time.Millisecond)
	m.ObserveCropGeometry(false, "mask", time.Millisecond)
	m.ObserveExportLayer("parcels", "written", 12)
	m.ObserveHTTP("GET", "/healthz", 200, 0.001)

	if got := testutil.ToFloat64(m.cropGeometries.WithLabelValues("skipped", "mask")); got != 2 {
		t.Fatalf("skipped mask=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.exportFeatures.WithLabelValues("parcels")); got != 12 {
		t.Fatalf("features=%v want 12", got)
	}
	if n := testutil.CollectAndCount(m.httpRequestsTotal); n != 1 {
		t.Fatalf("http series=%d want 1", n)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.JobStarted("crop")
	m.ObserveCropGeometry(true, "", 0)
	m.IncLayerCache(true)
}
