package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
	}
	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/v1/verifications/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/verifications/:id", "2xx"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/verifications/va_123", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/verifications/va_456", nil))

	after := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/verifications/:id", "2xx"))
	if after-before != 2 {
		t.Errorf("request counter delta = %v, want 2", after-before)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/v1/subjects/:subject/events", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	router.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/v1/subjects/subj-xyz/events", nil))

	// The raw path must never become a label value.
	got := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/subjects/subj-xyz/events", "2xx"))
	if got != 0 {
		t.Errorf("raw path recorded as label, cardinality leak")
	}
}

func TestDomainCounters(t *testing.T) {
	before := counterValue(t, DecisionsTotal.WithLabelValues("allowed"))
	DecisionsTotal.WithLabelValues("allowed").Inc()
	if got := counterValue(t, DecisionsTotal.WithLabelValues("allowed")); got-before != 1 {
		t.Errorf("decisions delta = %v, want 1", got-before)
	}

	before = counterValue(t, ThreatsDetectedTotal.WithLabelValues("injection_sql"))
	ThreatsDetectedTotal.WithLabelValues("injection_sql").Inc()
	if got := counterValue(t, ThreatsDetectedTotal.WithLabelValues("injection_sql")); got-before != 1 {
		t.Errorf("threats delta = %v, want 1", got-before)
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", Handler())

	DecisionsTotal.WithLabelValues("denied").Inc()
	HTTPRequestsTotal.WithLabelValues("GET", "/metrics", "2xx").Add(0)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, metric := range []string{
		"checkpoint_decisions_total",
		"checkpoint_risk_score",
		"checkpoint_http_requests_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("exposition missing %s", metric)
		}
	}
}
