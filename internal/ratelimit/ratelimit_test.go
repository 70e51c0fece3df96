package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllow_BurstThenDeny(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("1.2.3.4") {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed = %d, want burst of 5", allowed)
	}
}

func TestAllow_KeysIndependent(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("1.1.1.1")
	}
	if !l.Allow("2.2.2.2") {
		t.Error("fresh key denied because another key exhausted its bucket")
	}
}

func TestAllow_Refills(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 6000, // 100 tokens/sec so the test stays fast
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("1.2.3.4")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)
	if !l.Allow("1.2.3.4") {
		t.Error("bucket did not refill")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer l.Stop()

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first requests blocked: %v", codes)
	}
	if codes[3] != http.StatusTooManyRequests {
		t.Errorf("over-limit request not blocked: %v", codes)
	}
}
