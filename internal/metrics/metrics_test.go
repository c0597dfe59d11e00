package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	m := New()

	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/stylesheet.css", "200").Inc()
	m.RecordDecision("show_original", "visible")
	m.RecordDecision("show_fallback", "roles")
	m.RecordInsight("fallback")
	m.IncSettingsLoads()
	m.IncSettingsInvalidations()
	m.StylesheetBuilds.Inc()
	m.StylesheetCacheHits.Inc()
	m.AuthFailuresTotal.Inc()

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("show_original", "visible")); got != 1 {
		t.Errorf("DecisionsTotal[show_original,visible] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SettingsLoadsTotal); got != 1 {
		t.Errorf("SettingsLoadsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InsightEventsTotal.WithLabelValues("fallback")); got != 1 {
		t.Errorf("InsightEventsTotal[fallback] = %v, want 1", got)
	}
}

func TestHandlerServesOnlyVislyMetrics(t *testing.T) {
	m := New()
	m.RecordDecision("show_nothing", "hidden")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "visly_render_decisions_total") {
		t.Errorf("expected visly_render_decisions_total in output:\n%s", body)
	}
	if strings.Contains(body, "go_goroutines") {
		t.Error("default Go collector metrics leaked into custom registry")
	}
}
