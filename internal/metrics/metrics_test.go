package metrics_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"drawline/internal/metrics"
)

func counterValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestRecorderCounts(t *testing.T) {
	m := metrics.New(false)
	ctx := context.Background()
	m.Observe(ctx, "join", metrics.OutcomeOK, 5*time.Millisecond)
	m.Observe(ctx, "join", metrics.OutcomeOK, 5*time.Millisecond)
	m.Observe(ctx, "join", metrics.OutcomeRejected, time.Millisecond)
	m.Rejected("capacity_full")
	m.Conflict("lottery")
	m.Invited(3)
	m.Invited(0)
	m.Delivery(metrics.OutcomeError)

	if got := counterValue(t, m, "drawline_operations_total", map[string]string{"operation": "join", "outcome": "ok"}); got != 2 {
		t.Fatalf("expected 2 ok joins, got %v", got)
	}
	if got := counterValue(t, m, "drawline_rejections_total", map[string]string{"reason": "capacity_full"}); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
	if got := counterValue(t, m, "drawline_lottery_invited_total", nil); got != 3 {
		t.Fatalf("expected 3 invited, got %v", got)
	}
	if got := counterValue(t, m, "drawline_version_conflicts_total", map[string]string{"operation": "lottery"}); got != 1 {
		t.Fatalf("expected 1 conflict, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.Observe(context.Background(), "join", metrics.OutcomeOK, time.Second)
	m.Rejected("x")
	m.Conflict("x")
	m.Invited(1)
	m.Delivery(metrics.OutcomeOK)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := metrics.New(false)
	m.Rejected("not_in_pool")
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `drawline_rejections_total{reason="not_in_pool"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
