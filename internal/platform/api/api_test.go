package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteError_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	BadGateway(rr, "UPSTREAM", "remote failed", "rid-1", map[string]any{"attempts": 4})

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Code != "UPSTREAM" || resp.Error.RequestID != "rid-1" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if resp.Error.Details["attempts"] != float64(4) {
		t.Fatalf("details not carried: %+v", resp.Error.Details)
	}
}

func TestWriteText(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteText(rr, http.StatusOK, "hello")
	if rr.Body.String() != "hello" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
}
