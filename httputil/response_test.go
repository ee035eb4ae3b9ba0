package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tubevault/db"
)

func TestDecodeJSON(t *testing.T) {
	type body struct {
		URL   string `json:"url"`
		Count int    `json:"count"`
	}
	tests := []struct {
		name    string
		in      string
		wantErr bool
		fields  []string
	}{
		{"valid", `{"url":"https://x","count":2}`, false, nil},
		{"empty", ``, true, nil},
		{"malformed", `{"url":`, true, nil},
		{"wrong type", `{"count":"two"}`, true, []string{"count"}},
		{"unknown field", `{"uri":"x"}`, true, []string{"uri"}},
		{"trailing object", `{"url":"a"}{"url":"b"}`, true, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", strings.NewReader(tc.in))
			var dst body
			err := DecodeJSON(req, &dst)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			for _, f := range tc.fields {
				if _, ok := ve.Fields[f]; !ok {
					t.Errorf("missing field %q in %v", f, ve.Fields)
				}
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{BadRequest("Incorrect email or password"), 400},
		{Forbidden("Could not validate credentials"), 403},
		{fmt.Errorf("wrapped: %w", NotFound("User not found")), 404},
		{fmt.Errorf("tasks: %w", db.ErrNotFound), 404},
		{fmt.Errorf("create users: %w", db.ErrIntegrity), 409},
		{Invalid("url", "url is required"), 422},
		{errors.New("disk on fire"), 500},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, nil, tc.err)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			var m map[string]any
			if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, ok := m["error"]; !ok {
				t.Fatalf("body missing error key: %v", m)
			}
		})
	}
}

func TestWriteError_KeepsAPIMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, nil, BadRequest("Inactive user"))
	if !strings.Contains(rec.Body.String(), "Inactive user") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
