package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSend(t *testing.T) {
	before := testutil.ToFloat64(OutboundSendsTotal.WithLabelValues("evolution", "failure"))
	RecordSend("evolution", false)
	after := testutil.ToFloat64(OutboundSendsTotal.WithLabelValues("evolution", "failure"))
	if after-before != 1 {
		t.Errorf("expected failure counter to grow by 1, got %v", after-before)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 201: "2xx", 302: "3xx", 404: "4xx", 503: "5xx"}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordEvent("ai_replied", 0.2)
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "promptdesk_webhook_events_total") {
		t.Error("expected events counter in exposition output")
	}
}
