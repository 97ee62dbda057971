package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/pdks/check-in", 200, 15*time.Millisecond)
	r.Observe("POST /v1/pdks/check-in", 409, 35*time.Millisecond)
	r.IncAdmission(OutcomeAdmittedNew, "")
	r.IncAdmission(OutcomeRejected, "REPLAY_DETECTED")
	r.IncAdmission(OutcomeRejected, "")
	r.IncAdmission("", "ignored")
	r.IncHandoffFailure("Kafka")
	r.SetGauge("stream_subscribers", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["POST /v1/pdks/check-in"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if snap.Outcomes[OutcomeRejected] != 2 || snap.Outcomes[OutcomeAdmittedNew] != 1 {
		t.Fatalf("unexpected outcomes %+v", snap.Outcomes)
	}
	if snap.Reasons["REPLAY_DETECTED"] != 1 || snap.Reasons["UNKNOWN"] != 1 {
		t.Fatalf("unexpected reasons %+v", snap.Reasons)
	}
	if _, ok := snap.Reasons[""]; ok {
		t.Fatal("admitted decisions must not record a reason")
	}
	if snap.HandoffFailures["kafka"] != 1 {
		t.Fatalf("unexpected handoff failures %+v", snap.HandoffFailures)
	}
	if snap.Gauges["stream_subscribers"] != 3 {
		t.Fatalf("unexpected gauge %v", snap.Gauges["stream_subscribers"])
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.IncAdmission(OutcomeAdmittedExisting, "")
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Outcomes[OutcomeAdmittedExisting] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/pdks/check-in", 200, 12*time.Millisecond)
	r.IncAdmission(OutcomeRejected, "RATE_LIMIT_EXCEEDED")
	r.SetGauge("stream_subscribers", 7)
	r.ObserveLatency("admission", 3*time.Millisecond)

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`pdks_endpoint_count{endpoint="POST /v1/pdks/check-in"} 1`,
		`pdks_admission_total{outcome="REJECTED"} 1`,
		`pdks_rejection_total{reason="RATE_LIMIT_EXCEEDED"} 1`,
		`pdks_gauge{name="stream_subscribers"} 7.000`,
		`pdks_latency_seconds_count{name="admission"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
