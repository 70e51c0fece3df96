package verify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupHandlerTest(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := newTestEnv()
	router := gin.New()
	NewHandler(env.pipeline).RegisterRoutes(router.Group("/v1"))
	return router, env
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func startAttempt(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/verifications",
		`{"subjectId":"subj-1","contextId":"ctx-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: status = %d, body = %s", w.Code, w.Body.String())
	}
	var attempt Attempt
	if err := json.Unmarshal(w.Body.Bytes(), &attempt); err != nil {
		t.Fatalf("start: unmarshal: %v", err)
	}
	return attempt.ID
}

func TestHandler_StartValidation(t *testing.T) {
	router, _ := setupHandlerTest(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing subject", `{"contextId":"ctx-1"}`},
		{"missing context", `{"subjectId":"subj-1"}`},
		{"bad subject chars", `{"subjectId":"subj 1!","contextId":"ctx-1"}`},
		{"bad difficulty", `{"subjectId":"subj-1","contextId":"ctx-1","difficulty":"extreme"}`},
		{"malformed json", `{"subjectId":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/v1/verifications", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_FullChallengeFlow(t *testing.T) {
	router, _ := setupHandlerTest(t)
	id := startAttempt(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/verifications/"+id+"/signal",
		`{"isBot":false,"confidence":60,"fingerprintOk":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("signal: status = %d, body = %s", w.Code, w.Body.String())
	}
	var attempt Attempt
	_ = json.Unmarshal(w.Body.Bytes(), &attempt)
	if attempt.State != StateAwaitingChallenge {
		t.Fatalf("state = %s, want awaiting_challenge", attempt.State)
	}

	w = doJSON(t, router, http.MethodPost, "/v1/verifications/"+id+"/proof",
		`{"proofToken":"tok-123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("proof: status = %d, body = %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(w.Body.Bytes(), &attempt)
	if attempt.FinalDecision != DecisionAllowed {
		t.Errorf("decision = %s, want allowed", attempt.FinalDecision)
	}

	// The decision endpoint reports the stored outcome.
	w = doJSON(t, router, http.MethodGet, "/v1/verifications/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	var decision struct {
		State         State    `json:"state"`
		FinalDecision Decision `json:"finalDecision"`
		Score         int      `json:"score"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &decision)
	if decision.State != StateDecided || decision.FinalDecision != DecisionAllowed {
		t.Errorf("decision = %+v", decision)
	}
	if decision.Score != 60 {
		t.Errorf("score = %d, want 60", decision.Score)
	}
}

func TestHandler_SignalValidation(t *testing.T) {
	router, _ := setupHandlerTest(t)
	id := startAttempt(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/verifications/"+id+"/signal",
		`{"confidence":150,"fingerprintOk":true}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for out-of-range confidence", w.Code)
	}
}

func TestHandler_ProofRequiresToken(t *testing.T) {
	router, _ := setupHandlerTest(t)
	id := startAttempt(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/verifications/"+id+"/proof", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing proofToken", w.Code)
	}
}

func TestHandler_NotFound(t *testing.T) {
	router, _ := setupHandlerTest(t)

	for _, path := range []string{
		"/v1/verifications/va_missing",
	} {
		w := doJSON(t, router, http.MethodGet, path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}

	w := doJSON(t, router, http.MethodPost, "/v1/verifications/va_missing/signal",
		`{"confidence":10,"fingerprintOk":true}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("signal: status = %d, want 404", w.Code)
	}
}

func TestHandler_InvalidStateConflict(t *testing.T) {
	router, _ := setupHandlerTest(t)
	id := startAttempt(t, router)

	// Decide it via a low-risk signal.
	w := doJSON(t, router, http.MethodPost, "/v1/verifications/"+id+"/signal",
		`{"confidence":5,"fingerprintOk":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("signal: status = %d", w.Code)
	}

	// A late signal conflicts and carries the stored attempt in the body.
	w = doJSON(t, router, http.MethodPost, "/v1/verifications/"+id+"/signal",
		`{"confidence":99,"isBot":true,"fingerprintOk":true}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409; body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Error   string  `json:"error"`
		Attempt Attempt `json:"attempt"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error != "invalid_state" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Attempt.FinalDecision != DecisionAllowed {
		t.Errorf("conflict body missing stored decision: %+v", body.Attempt)
	}
}

func TestHandler_AbortAndCancel(t *testing.T) {
	router, _ := setupHandlerTest(t)

	id := startAttempt(t, router)
	w := doJSON(t, router, http.MethodPost, "/v1/verifications/"+id+"/abort",
		`{"reason":"widget timeout"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("abort: status = %d", w.Code)
	}
	var attempt Attempt
	_ = json.Unmarshal(w.Body.Bytes(), &attempt)
	if attempt.FinalDecision != DecisionDenied || attempt.Reason != "widget timeout" {
		t.Errorf("abort result = %+v", attempt)
	}

	id = startAttempt(t, router)
	w = doJSON(t, router, http.MethodPost, "/v1/verifications/"+id+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &attempt)
	if attempt.Reason != "cancelled" {
		t.Errorf("cancel result = %+v", attempt)
	}
}

func TestHandler_CollaboratorUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv()
	env.requester.signalErr = errStorage
	router := gin.New()
	NewHandler(env.pipeline).RegisterRoutes(router.Group("/v1"))

	w := doJSON(t, router, http.MethodPost, "/v1/verifications",
		`{"subjectId":"subj-1","contextId":"ctx-1"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Attempt Attempt `json:"attempt"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Attempt.ID == "" {
		t.Error("502 body missing the created attempt")
	}
}
