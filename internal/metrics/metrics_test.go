package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveRequest(t *testing.T) {
	rec := NewRecorder(nil, nil)
	rec.ObserveRequest("get", "/api/orders/42?expand=items", 200, true, 250*time.Millisecond)

	families := gather(t, rec, "querykit_client_requests_total", "querykit_client_request_duration_seconds")

	counter := findMetric(t, families["querykit_client_requests_total"], map[string]string{
		"method":      "GET",
		"resource":    "/api/orders",
		"status_code": "200",
		"cache":       "hit",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for client requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["querykit_client_request_duration_seconds"], map[string]string{
		"method":   "GET",
		"resource": "/api/orders",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for request latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveTransportFailure(t *testing.T) {
	rec := NewRecorder(nil, nil)
	rec.ObserveRequest("POST", "http://backend.local/api/payments", 0, false, time.Millisecond)

	families := gather(t, rec, "querykit_client_requests_total")
	counter := findMetric(t, families["querykit_client_requests_total"], map[string]string{
		"method":      "POST",
		"resource":    "/api/payments",
		"status_code": "transport_error",
		"cache":       "miss",
	})
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}
}

func TestRecorderObserveCacheActivity(t *testing.T) {
	rec := NewRecorder(nil, nil)
	rec.ObserveCacheRead("/api/client/stats", CacheFresh)
	rec.ObserveCacheRead("/api/client/stats", CacheFresh)
	rec.ObserveFetch("/api/client/stats", false)
	rec.ObserveRetry("/api/client/stats")
	rec.ObserveEviction(EvictionInvalidated, 3)
	rec.ObserveEviction(EvictionCollected, 0)
	rec.ObserveMutation("post", "/api/orders", true)

	families := gather(t, rec,
		"querykit_cache_reads_total",
		"querykit_cache_fetches_total",
		"querykit_cache_retries_total",
		"querykit_cache_evictions_total",
		"querykit_mutation_dispatched_total",
	)

	reads := findMetric(t, families["querykit_cache_reads_total"], map[string]string{
		"resource": "/api/client",
		"outcome":  string(CacheFresh),
	})
	if got := reads.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 fresh reads, got %v", got)
	}

	fetches := findMetric(t, families["querykit_cache_fetches_total"], map[string]string{"result": "error"})
	if got := fetches.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 failed fetch, got %v", got)
	}

	evictions := findMetric(t, families["querykit_cache_evictions_total"], map[string]string{"reason": "invalidated"})
	if got := evictions.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected 3 evictions, got %v", got)
	}

	mutations := findMetric(t, families["querykit_mutation_dispatched_total"], map[string]string{
		"method":  "POST",
		"outcome": "success",
	})
	if got := mutations.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 mutation, got %v", got)
	}
}

func TestRecorderExportsHitRatio(t *testing.T) {
	store := NewStore(4)
	store.RecordSample(time.Millisecond, true)
	store.RecordSample(time.Millisecond, false)
	rec := NewRecorder(nil, store)

	families := gather(t, rec, "querykit_performance_cache_hit_ratio")
	gauge := families["querykit_performance_cache_hit_ratio"][0].GetGauge()
	if gauge == nil {
		t.Fatalf("expected gauge metric for hit ratio")
	}
	if got := gauge.GetValue(); got != 0.5 {
		t.Fatalf("expected hit ratio 0.5, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveRequest("GET", "/api", 200, false, time.Millisecond)
	rec.ObserveCacheRead("/api", CacheMiss)
	rec.ObserveMutation("POST", "/api", false)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestResourceLabel(t *testing.T) {
	cases := map[string]string{
		"/api/orders/42":                "/api/orders",
		"/api/client/stats":             "/api/client",
		"https://x.example/api/seo?a=1": "/api/seo",
		"https://x.example":             "/",
		"":                              "/",
		"/api":                          "/api",
	}
	for in, want := range cases {
		if got := ResourceLabel(in); got != want {
			t.Fatalf("ResourceLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
