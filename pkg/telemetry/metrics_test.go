package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersCollectors(t *testing.T) {
	m := New("test")
	m.MDNSPacketsTotal.WithLabelValues("query").Inc()
	m.RequestsTotal.WithLabelValues("outbound", "response").Inc()
	m.RequestsInFlight.Set(2)
	m.ThrottleBlockedTotal.Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, want := range []string{
		"umbra_mdns_packets_total",
		"umbra_requests_total",
		"umbra_requests_in_flight",
		"umbra_throttle_blocked_total",
		"umbra_info",
	} {
		if !found[want] {
			t.Errorf("metric family %s not gathered", want)
		}
	}
}

func TestIsolatedRegistries(t *testing.T) {
	// Two instances must not collide; shared default registries panic
	// on duplicate registration.
	m1 := New("a")
	m2 := New("b")
	if m1.Registry == m2.Registry {
		t.Fatal("instances share a registry")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New("test")
	m.MDNSPeersDiscovered.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "umbra_mdns_peers_discovered_total") {
		t.Error("response does not contain umbra metrics")
	}
}
