package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveAggregates(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/shakes", 201, 20*time.Millisecond)
	r.Observe("POST /v1/shakes", 409, 40*time.Millisecond)
	snap := r.Snapshot()
	stat, ok := snap.Endpoints["POST /v1/shakes"]
	if !ok {
		t.Fatal("endpoint missing from snapshot")
	}
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("stat = %+v", stat)
	}
	if stat.MaxMillis != 40 || stat.AverageMillis != 30 {
		t.Fatalf("latency stat = %+v", stat)
	}
	if stat.LastStatusCode != 409 {
		t.Fatalf("last status = %d", stat.LastStatusCode)
	}
}

func TestShakeStateAndErrorCounters(t *testing.T) {
	r := NewRegistry()
	r.IncShakeState("released")
	r.IncShakeState("RELEASED")
	r.AddShakeState("  disputed ", 2)
	r.AddShakeState("", 5)
	r.AddShakeState("ACTIVE", -1)
	r.IncErrorCode("NOT_WORKER")
	r.IncErrorCode("")

	snap := r.Snapshot()
	if snap.ShakeTotals["RELEASED"] != 2 {
		t.Fatalf("released = %d", snap.ShakeTotals["RELEASED"])
	}
	if snap.ShakeTotals["DISPUTED"] != 2 {
		t.Fatalf("disputed = %d", snap.ShakeTotals["DISPUTED"])
	}
	if _, ok := snap.ShakeTotals["ACTIVE"]; ok {
		t.Fatal("negative delta counted")
	}
	if snap.ErrorCodes["NOT_WORKER"] != 1 || len(snap.ErrorCodes) != 1 {
		t.Fatalf("error codes = %+v", snap.ErrorCodes)
	}
}

func TestSettleLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveSettleLatency(10 * time.Millisecond)
	r.ObserveSettleLatency(30 * time.Millisecond)
	snap := r.Snapshot()
	if snap.SettleLatencyMS.Count != 2 || snap.SettleLatencyMS.MaxMS != 30 || snap.SettleLatencyMS.AvgMS != 20 {
		t.Fatalf("settle latency = %+v", snap.SettleLatencyMS)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("custody_units", 1234)
	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Gauges["custody_units"] != 1234 {
		t.Fatalf("gauges = %+v", snap.Gauges)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, time.Millisecond)
	r.IncShakeState("ACTIVE")
	r.IncErrorCode("NOT_FOUND")
	rec := httptest.NewRecorder()
	r.PrometheusHandler()(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`clawshake_endpoint_count{endpoint="GET /healthz"} 1`,
		`clawshake_shake_total{state="ACTIVE"} 1`,
		`clawshake_error_total{code="NOT_FOUND"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 1, "a": 2, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
		t.Fatalf("keys = %v", keys)
	}
}
