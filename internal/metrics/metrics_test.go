package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilRegistryIsSafe(t *testing.T) {
	var m *Registry
	m.IncPot("created")
	m.IncClaim("accepted")
	m.IncSettlement("settled")
	m.IncJob("succeeded")
	m.IncRetry("scheduled")
	m.SetQueueDepth(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("nil handler status = %d", rec.Code)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.IncClaim("accepted")
	m.IncClaim("accepted")
	m.SetQueueDepth(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `potrails_claims_total{result="accepted"} 2`) {
		t.Fatalf("claims counter missing:\n%s", body)
	}
	if !strings.Contains(body, "potrails_queue_depth 4") {
		t.Fatalf("queue depth missing:\n%s", body)
	}
}
