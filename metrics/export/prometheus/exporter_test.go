package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/authpipe/metrics"
)

type fakeSource struct {
	snapshot metrics.Snapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() metrics.Snapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64              { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: metrics.Snapshot{
			Counters:   map[metrics.ID]uint64{},
			Histograms: map[metrics.ID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCounterAndHistogram(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: metrics.Snapshot{
			Counters: map[metrics.ID]uint64{
				metrics.RefreshStarted: 1,
				metrics.RefreshJoined:  7,
			},
			Histograms: map[metrics.ID][]uint64{
				metrics.RefreshLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	for _, want := range []string{
		"authpipe_refresh_started_total 1",
		"authpipe_refresh_joined_total 7",
		"authpipe_refresh_latency_seconds_bucket{le=\"0.01\"} 1",
		"authpipe_refresh_latency_seconds_bucket{le=\"+Inf\"} 36",
		"authpipe_refresh_latency_seconds_count 36",
		"authpipe_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestRenderSkipsHistogramWhenLatencyDisabled(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: metrics.Snapshot{
			Counters:   map[metrics.ID]uint64{metrics.Logout: 1},
			Histograms: map[metrics.ID][]uint64{},
		},
	})

	if out := exp.Render(); strings.Contains(out, "refresh_latency") {
		t.Fatalf("histogram must be omitted when not collected, got:\n%s", out)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: metrics.Snapshot{
			Counters:   map[metrics.ID]uint64{metrics.LoginSuccess: 1},
			Histograms: map[metrics.ID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
