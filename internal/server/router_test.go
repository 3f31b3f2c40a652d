package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/loykin/syncbench/internal/metrics"
	"github.com/loykin/syncbench/internal/orchestrator"
	"github.com/loykin/syncbench/internal/scheduler"
	"github.com/loykin/syncbench/internal/table"
	"github.com/prometheus/client_golang/prometheus"
)

func setupRouter(t *testing.T, tr *scheduler.Tracker, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(tr, base).Handler()
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusReportsRows(t *testing.T) {
	tr := scheduler.NewTracker("sess-1", 3)
	tr.Begin("1+1", []*table.Row{{Devices: "0"}, {Devices: "1", Collocation: "mps"}}, []string{"0", "1_mps"})
	tr.SetState("1_mps", orchestrator.StateBarrierWait)

	h := setupRouter(t, tr, "/api")
	rec := doGet(t, h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap scheduler.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Session != "sess-1" || snap.Workload != "1+1" || snap.Total != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Rows) != 2 || snap.Rows[1].State != "BARRIER_WAIT" || snap.Rows[1].Collocation != "mps" {
		t.Fatalf("unexpected rows: %+v", snap.Rows)
	}
}

func TestStatusWithoutSession(t *testing.T) {
	h := setupRouter(t, nil, "")
	rec := doGet(t, h, "/status")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	h := setupRouter(t, scheduler.NewTracker("s", 0), "/")
	if rec := doGet(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := doGet(t, h, "/start"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register: %v", err)
	}
	metrics.IncWorkload("completed")
	h := setupRouter(t, scheduler.NewTracker("s", 0), "")
	rec := doGet(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "syncbench_workload_total") {
		t.Fatalf("workload counter missing from exposition")
	}
}
