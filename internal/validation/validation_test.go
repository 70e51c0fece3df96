package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidIdent(t *testing.T) {
	tests := []struct {
		ident string
		want  bool
	}{
		{"subj-1", true},
		{"a", true},
		{"user_123", true},
		{"action:transfer.v2", true},
		{"9starts-with-digit", true},
		{"", false},
		{"-starts-with-dash", false},
		{".starts-with-dot", false},
		{"has space", false},
		{"has/slash", false},
		{"sql'quote", false},
		{strings.Repeat("a", 255), true},
		{strings.Repeat("a", 256), false},
	}

	for _, tt := range tests {
		if got := IsValidIdent(tt.ident); got != tt.want {
			t.Errorf("IsValidIdent(%q) = %v, want %v", tt.ident, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("subjectId", ""),
		Required("contextId", "ctx-1"),
		ValidIdent("contextId", "ctx-1"),
		MaxLength("text", "abc", 2),
	)

	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	if errs[0].Field != "subjectId" || errs[1].Field != "text" {
		t.Errorf("errors = %v", errs)
	}
	if !strings.Contains(errs.Error(), "subjectId") {
		t.Errorf("Error() = %q, want first field named", errs.Error())
	}
}

func TestValidate_NoErrors(t *testing.T) {
	errs := Validate(
		Required("subjectId", "subj-1"),
		ValidIdent("subjectId", "subj-1"),
	)
	if len(errs) != 0 {
		t.Errorf("got errors for valid input: %v", errs)
	}
}

func TestValidIdent_EmptyPasses(t *testing.T) {
	if err := ValidIdent("field", "")(); err != nil {
		t.Errorf("empty value should pass ValidIdent (Required handles emptiness)")
	}
}

func TestRequired_WhitespaceOnly(t *testing.T) {
	if err := Required("field", "   ")(); err == nil {
		t.Error("whitespace-only value should fail Required")
	}
}

func TestInRange(t *testing.T) {
	tests := []struct {
		value float64
		ok    bool
	}{
		{0, true},
		{100, true},
		{50.5, true},
		{-0.1, false},
		{100.1, false},
	}
	for _, tt := range tests {
		err := InRange("confidence", tt.value, 0, 100)()
		if (err == nil) != tt.ok {
			t.Errorf("InRange(%v) err = %v, want ok=%v", tt.value, err, tt.ok)
		}
	}
}

func TestOneOf(t *testing.T) {
	if err := OneOf("difficulty", "medium", "low", "medium", "high")(); err != nil {
		t.Errorf("allowed value rejected: %v", err)
	}
	if err := OneOf("difficulty", "extreme", "low", "medium", "high")(); err == nil {
		t.Error("disallowed value accepted")
	}
	if err := OneOf("difficulty", "", "low", "medium", "high")(); err != nil {
		t.Error("empty value should pass OneOf (Required handles emptiness)")
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.JSON(http.StatusOK, body)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":"b"}`))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("small body: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":"`+strings.Repeat("x", 100)+`"}`))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status = %d, want 413", w.Code)
	}
}

func TestSubjectParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(SubjectParamMiddleware())
	router.GET("/subjects/:subject/events", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subjects/subj-1/events", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid subject: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subjects/bad'subject/events", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid subject: status = %d, want 400", w.Code)
	}
}
