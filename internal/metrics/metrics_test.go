package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/liyaqa/drip-engine/internal/automation"
	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/tracking"
)

var (
	_ automation.Recorder = (*Metrics)(nil)
	_ tracking.Recorder   = (*Metrics)(nil)
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestSchedulerObservations(t *testing.T) {
	m := New()

	m.StepDispatched(domain.ChannelEmail, domain.MessageSent)
	m.StepDispatched(domain.ChannelEmail, domain.MessageSent)
	m.StepDispatched(domain.ChannelSMS, domain.MessageFailed)
	m.EnrollmentFinished(domain.EnrollmentCompleted)
	m.PassFinished(5, 1, 20*time.Millisecond)

	if got := counterValue(t, m.StepsDispatchedTotal.WithLabelValues("EMAIL", "SENT")); got != 2 {
		t.Errorf("EMAIL/SENT = %v, want 2", got)
	}
	if got := counterValue(t, m.StepsDispatchedTotal.WithLabelValues("SMS", "FAILED")); got != 1 {
		t.Errorf("SMS/FAILED = %v, want 1", got)
	}
	if got := counterValue(t, m.EnrollmentsFinished.WithLabelValues("COMPLETED")); got != 1 {
		t.Errorf("COMPLETED = %v, want 1", got)
	}
	if got := counterValue(t, m.PassEnrollmentsTotal.WithLabelValues("processed")); got != 5 {
		t.Errorf("processed = %v, want 5", got)
	}
	if got := counterValue(t, m.PassEnrollmentsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestTrackingObservations(t *testing.T) {
	m := New()
	m.TokenResolved(domain.TokenOpen, tracking.OutcomeRecorded)
	m.TokenResolved(domain.TokenOpen, tracking.OutcomeRepeat)
	m.EngagementConsumed(domain.TokenClick, "mobile")
	m.TriggerEnrolled("BIRTHDAY", 3)

	if got := counterValue(t, m.TokensResolvedTotal.WithLabelValues("OPEN", "recorded")); got != 1 {
		t.Errorf("OPEN/recorded = %v, want 1", got)
	}
	if got := counterValue(t, m.EngagementConsumedTotal.WithLabelValues("CLICK", "mobile")); got != 1 {
		t.Errorf("CLICK/mobile = %v, want 1", got)
	}
	if got := counterValue(t, m.TriggerEnrolledTotal.WithLabelValues("BIRTHDAY")); got != 3 {
		t.Errorf("BIRTHDAY = %v, want 3", got)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns/"+id, nil))
	}

	if got := counterValue(t, m.APIRequestsTotal.WithLabelValues("GET", "/campaigns/{id}", "404")); got != 2 {
		t.Fatalf("requests = %v, want 2", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.StepDispatched(domain.ChannelPush, domain.MessageSent)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `drip_steps_dispatched_total{channel="PUSH",status="SENT"} 1`) {
		t.Errorf("exposition missing step counter:\n%s", body)
	}
}
