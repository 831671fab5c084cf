package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusMapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		KindClientValidation:  http.StatusBadRequest,
		KindAuthFailure:       http.StatusUnauthorized,
		KindNotFound:          http.StatusNotFound,
		KindTooEarly:          http.StatusTooEarly,
		KindBrokerUnavailable: http.StatusServiceUnavailable,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := New(kind, "x").Status(); got != want {
			t.Errorf("Status(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestWriteJSONRendersEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, Newf(KindNotFound, "job not found", "00000000-0000-0000-0000-000000000000"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != http.StatusNotFound || body.Message != "job not found" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWriteJSONTreatsOpaqueErrorAsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, errors.New("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
