// Package metrics keeps in-process counters for the gateway and exposes them
// as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Admission outcomes.
const (
	OutcomeAdmittedNew      = "ADMITTED_NEW"
	OutcomeAdmittedExisting = "ADMITTED_EXISTING"
	OutcomeRejected         = "REJECTED"
)

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	outcome    map[string]int64
	reason     map[string]int64
	handoff    map[string]int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Outcomes        map[string]int64        `json:"admission_outcomes"`
	Reasons         map[string]int64        `json:"rejection_reasons"`
	HandoffFailures map[string]int64        `json:"handoff_failures"`
	Gauges          map[string]float64      `json:"gauges"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		outcome:    map[string]int64{},
		reason:     map[string]int64{},
		handoff:    map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncAdmission counts one admission decision; reason is only kept for rejections.
func (r *Registry) IncAdmission(outcome, reason string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	if outcome == OutcomeRejected {
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "UNKNOWN"
		}
		r.reason[reason]++
	}
	r.mu.Unlock()
}

// IncHandoffFailure counts a failed downstream write (sink is e.g. "postgres", "kafka").
func (r *Registry) IncHandoffFailure(sink string) {
	sink = strings.TrimSpace(strings.ToLower(sink))
	if sink == "" {
		return
	}
	r.mu.Lock()
	r.handoff[sink]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:        copyCounts(r.outcome),
		Reasons:         copyCounts(r.reason),
		HandoffFailures: copyCounts(r.handoff),
		Gauges:          make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		writeEndpoint := func(name, help, kind string, value func(EndpointStat) string) {
			fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
			for _, ep := range SortedKeys(snap.Endpoints) {
				fmt.Fprintf(b, "%s{endpoint=%q} %s\n", name, ep, value(snap.Endpoints[ep]))
			}
		}
		writeEndpoint("pdks_endpoint_count", "total requests by endpoint", "counter",
			func(s EndpointStat) string { return fmt.Sprintf("%d", s.Count) })
		writeEndpoint("pdks_endpoint_error_count", "total endpoint errors", "counter",
			func(s EndpointStat) string { return fmt.Sprintf("%d", s.ErrorCount) })
		writeEndpoint("pdks_endpoint_avg_millis", "endpoint average latency in milliseconds", "gauge",
			func(s EndpointStat) string { return fmt.Sprintf("%.3f", s.AverageMillis) })
		writeEndpoint("pdks_endpoint_max_millis", "endpoint max latency in milliseconds", "gauge",
			func(s EndpointStat) string { return fmt.Sprintf("%d", s.MaxMillis) })

		b.WriteString("# HELP pdks_admission_total admission decisions by outcome\n")
		b.WriteString("# TYPE pdks_admission_total counter\n")
		for _, o := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "pdks_admission_total{outcome=%q} %d\n", o, snap.Outcomes[o])
		}
		b.WriteString("# HELP pdks_rejection_total rejected submissions by reason code\n")
		b.WriteString("# TYPE pdks_rejection_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "pdks_rejection_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP pdks_handoff_failures_total failed downstream writes by sink\n")
		b.WriteString("# TYPE pdks_handoff_failures_total counter\n")
		for _, sink := range SortedKeys(snap.HandoffFailures) {
			fmt.Fprintf(b, "pdks_handoff_failures_total{sink=%q} %d\n", sink, snap.HandoffFailures[sink])
		}
		b.WriteString("# HELP pdks_gauge operational gauge metrics\n")
		b.WriteString("# TYPE pdks_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "pdks_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP pdks_latency_seconds latency histogram\n")
			b.WriteString("# TYPE pdks_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "pdks_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "pdks_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "pdks_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "pdks_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
