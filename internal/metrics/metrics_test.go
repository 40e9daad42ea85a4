package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsEndpoint(t *testing.T) {
	ObserveProbe(7, "found_matching", 3*time.Millisecond, time.Millisecond)
	IncReconnect("secondary")
	IncLoadOp("upsert", "ok")
	IncConnection()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	expected := []string{
		`syncprobe_probe_results_total{result="found_matching"} 1`,
		`syncprobe_probe_iteration 7`,
		`syncprobe_reconnects_total{node="secondary"} 1`,
		`syncprobe_load_ops_total{op="upsert",outcome="ok"} 1`,
		`syncprobe_sandbox_active_connections 1`,
		`syncprobe_write_latency_seconds_count 1`,
	}

	for _, e := range expected {
		if !strings.Contains(body, e) {
			t.Errorf("Expected response body to contain %q, but it didn't.\nBody:\n%s", e, body)
		}
	}

	if w.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
}
