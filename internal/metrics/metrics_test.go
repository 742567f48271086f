package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorders(t *testing.T) {
	RecordRequest("GET", "/v1/feed", 200, 100*time.Millisecond)
	RecordEvaluation("budget", "ok", 20*time.Millisecond)
	RecordEvaluation("goal", "error", 5*time.Millisecond)
	RecordCandidate("budget", "emitted")
	RecordCandidate("budget", "suppressed")
	RecordFeedMerge("live", "inserted")
	SetFeedSize(3)
	RecordDeliveryDecision("desktop", true)
	RecordDeliveryDecision("sound", false)
	RecordDeliverySent("desktop", "sent")
	RecordDeliveryLatency("desktop", 2*time.Second)
	RecordLifecycleOp("mark_read", "ok")
	RecordReservationConflict()
	RecordRateLimitRejection("/v1/refresh")
	RecordResubscribe()
	RecordGuardedSend("sqs-relay", "desktop", "rejected")
	SetBreakerState("sqs-relay", 1)
	SetDBConnections(4)
}

func TestHandler_ExposesFinwatchMetrics(t *testing.T) {
	RecordCandidate("goal", "emitted")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "finwatch_candidates_total") {
		t.Error("metrics output should include finwatch_candidates_total")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusAccepted)
	})

	req := httptest.NewRequest("POST", "/v1/refresh", nil)
	rec := httptest.NewRecorder()
	Middleware(inner).ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", rec.Code)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}

func TestResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Flush()

	if !rec.Flushed {
		t.Error("flush should reach the underlying writer")
	}
}
