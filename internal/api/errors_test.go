package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// --- WriteJSON Tests ---

func TestWriteJSON_200Struct(t *testing.T) {
	w := httptest.NewRecorder()
	data := struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}{Name: "test", Count: 42}

	WriteJSON(w, http.StatusOK, data)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != core.OJSMediaType {
		t.Errorf("Content-Type = %q, want %q", ct, core.OJSMediaType)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["name"] != "test" {
		t.Errorf("name = %v, want %q", resp["name"], "test")
	}
	if resp["count"] != float64(42) {
		t.Errorf("count = %v, want %v", resp["count"], 42)
	}
}

func TestWriteJSON_201Map(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]any{
		"id":     "nightly",
		"paused": false,
	}

	WriteJSON(w, http.StatusCreated, data)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if ct := w.Header().Get("Content-Type"); ct != core.OJSMediaType {
		t.Errorf("Content-Type = %q, want %q", ct, core.OJSMediaType)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["id"] != "nightly" {
		t.Errorf("id = %v, want %q", resp["id"], "nightly")
	}
}

func TestWriteJSON_200Slice(t *testing.T) {
	w := httptest.NewRecorder()
	data := []string{"alpha", "beta", "gamma"}

	WriteJSON(w, http.StatusOK, data)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp []string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp) != 3 {
		t.Errorf("len = %d, want 3", len(resp))
	}
}

// --- WriteError Tests ---

func TestWriteError_400InvalidRequest(t *testing.T) {
	w := httptest.NewRecorder()
	ojsErr := core.NewInvalidRequestError("missing required field", nil)

	WriteError(w, http.StatusBadRequest, ojsErr)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if ct := w.Header().Get("Content-Type"); ct != core.OJSMediaType {
		t.Errorf("Content-Type = %q, want %q", ct, core.OJSMediaType)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.Code != core.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want %q", resp.Error.Code, core.ErrCodeInvalidRequest)
	}
	if resp.Error.Message != "missing required field" {
		t.Errorf("message = %q, want %q", resp.Error.Message, "missing required field")
	}
}

func TestWriteError_404NotFound(t *testing.T) {
	w := httptest.NewRecorder()
	ojsErr := core.NewNotFoundError("Thread", "abc-123")

	WriteError(w, http.StatusNotFound, ojsErr)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.Code != core.ErrCodeNotFound {
		t.Errorf("code = %q, want %q", resp.Error.Code, core.ErrCodeNotFound)
	}
}

func TestWriteError_500InternalWithRetryable(t *testing.T) {
	w := httptest.NewRecorder()
	ojsErr := core.NewInternalError("connection lost")

	WriteError(w, http.StatusInternalServerError, ojsErr)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.Code != core.ErrCodeInternalError {
		t.Errorf("code = %q, want %q", resp.Error.Code, core.ErrCodeInternalError)
	}
	if !resp.Error.Retryable {
		t.Error("internal errors should be retryable")
	}
}

func TestWriteError_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-Id", "req_test-123")
	ojsErr := core.NewInvalidRequestError("bad input", nil)

	WriteError(w, http.StatusBadRequest, ojsErr)

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.RequestID != "req_test-123" {
		t.Errorf("request_id = %q, want %q", resp.Error.RequestID, "req_test-123")
	}
}

// --- HandleError Tests ---

func TestHandleError_StatusMapping(t *testing.T) {
	thread := core.Address{0x01}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", core.NewNotFoundError("Thread", "x"), http.StatusNotFound},
		{"invalid", core.NewInvalidRequestError("bad", nil), http.StatusBadRequest},
		{"unauthorized", core.NewUnauthorizedError(thread), http.StatusForbidden},
		{"worker not authorized", core.NewWorkerNotAuthorizedError(thread, thread), http.StatusForbidden},
		{"duplicate", core.NewDuplicateError(thread, "id"), http.StatusConflict},
		{"stale", core.NewStaleStateError(thread), http.StatusConflict},
		{"busy", core.NewThreadBusyError(thread, "update"), http.StatusConflict},
		{"paused", core.NewThreadPausedError(thread), http.StatusConflict},
		{"not due", core.NewTriggerNotDueError(thread), http.StatusConflict},
		{"insufficient", core.NewInsufficientBalanceError(thread, 1, 2), http.StatusPaymentRequired},
		{"fee ceiling", core.NewFeeCeilingError(5, 1), http.StatusPaymentRequired},
		{"unreadable", core.NewTriggerUnreadableError(thread, "missing"), http.StatusUnprocessableEntity},
		{"instruction failed", core.NewInstructionFailedError(thread, 0, errors.New("x")), http.StatusUnprocessableEntity},
		{"queue exhausted", core.NewQueueExhaustedError(thread, 3, 3), http.StatusInternalServerError},
		{"plain error", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp.Error == nil || resp.Error.Code == "" {
				t.Error("error body missing code")
			}
		})
	}
}
