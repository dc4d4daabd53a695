package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.registry == nil {
		t.Error("Registry is nil")
	}
	if m.HookInvocationsTotal == nil || m.HookDuration == nil || m.PluginsByState == nil {
		t.Error("lifecycle collectors are nil")
	}
	if m.GuardDenialsTotal == nil || m.HostCallsTotal == nil {
		t.Error("guard collectors are nil")
	}
	if m.AuditDroppedTotal == nil || m.AnomaliesTotal == nil {
		t.Error("audit collectors are nil")
	}
}

func TestObserveHook(t *testing.T) {
	m := NewMetrics()

	m.ObserveHook("billing", "enable", 10*time.Millisecond, nil)
	m.ObserveHook("billing", "enable", 10*time.Millisecond, errors.New("boom"))
	m.ObserveHook("billing", "enable", 10*time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(m.HookInvocationsTotal.WithLabelValues("billing", "enable", "success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HookInvocationsTotal.WithLabelValues("billing", "enable", "error")); got != 2 {
		t.Errorf("error count = %v, want 2", got)
	}
}

func TestSetPluginStates(t *testing.T) {
	m := NewMetrics()

	m.SetPluginStates(map[string]int{"loaded": 3, "failed": 1})
	m.SetPluginStates(map[string]int{"loaded": 2})

	if got := testutil.ToFloat64(m.PluginsByState.WithLabelValues("loaded")); got != 2 {
		t.Errorf("loaded = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.PluginsByState); got != 1 {
		t.Errorf("series = %d, want 1 after reset", got)
	}
}

func TestDenialsAndAnomalies(t *testing.T) {
	m := NewMetrics()

	m.ObserveDenial("billing", "rate_limit_exceeded")
	m.ObserveAnomaly("billing", "burst")
	m.AuditDropped()
	m.AuditWritten(4)

	if got := testutil.ToFloat64(m.GuardDenialsTotal.WithLabelValues("billing", "rate_limit_exceeded")); got != 1 {
		t.Errorf("denials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AnomaliesTotal.WithLabelValues("billing", "burst")); got != 1 {
		t.Errorf("anomalies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AuditRecordsTotal); got != 4 {
		t.Errorf("audit records = %v, want 4", got)
	}
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveHostCall("billing", "data.own.read")
	m.ObserveGatewayRequest("plugins.list", nil)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	for _, name := range []string{"plugd_host_calls_total", "plugd_gateway_requests_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
