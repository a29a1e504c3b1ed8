package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/libraries/missing", nil))

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), `shelfscan_http_requests_total{method="GET",path="/api/libraries/missing",status="404"} 1`) {
		t.Fatalf("request not recorded:\n%s", out.String())
	}
}

func TestResponseRecorderDefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rr := NewResponseRecorder(rec)
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default 200, got %d", rr.Status())
	}
	rr.WriteHeader(http.StatusAccepted)
	if rr.Status() != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Status())
	}
}
