package handlers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/MacJediWizard/serialkeeper/internal/license"
	"github.com/MacJediWizard/serialkeeper/internal/models"
	"github.com/rs/zerolog"
)

func setupSerialsRouter(engine SerialEngine) http.Handler {
	r, api := newTestRouter()
	h := NewSerialsHandler(engine, zerolog.Nop())
	h.RegisterRoutes(api)
	h.RegisterAdminRoutes(api)
	return r
}

func TestSerialsIssue(t *testing.T) {
	tests := []struct {
		name     string
		canSign  bool
		body     any
		wantCode int
	}{
		{"issues", true, IssueSerialRequest{SubjectID: "alice", ValidityDays: 30}, http.StatusCreated},
		{"missing subject", true, map[string]any{"validity_days": 30}, http.StatusBadRequest},
		{"negative days", true, IssueSerialRequest{SubjectID: "alice", ValidityDays: -1}, http.StatusBadRequest},
		{"subject with delimiter", true, IssueSerialRequest{SubjectID: "a:b", ValidityDays: 30}, http.StatusBadRequest},
		{"no private key", false, IssueSerialRequest{SubjectID: "alice", ValidityDays: 30}, http.StatusServiceUnavailable},
		{"store without store", true, IssueSerialRequest{SubjectID: "alice", ValidityDays: 30, Store: true}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupSerialsRouter(newTestEngine(t, nil, tt.canSign))
			w := doJSON(r, "POST", "/api/v1/serials", tt.body)

			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
		})
	}

	t.Run("issued serial validates", func(t *testing.T) {
		engine := newTestEngine(t, nil, true)
		r := setupSerialsRouter(engine)
		w := doJSON(r, "POST", "/api/v1/serials", IssueSerialRequest{SubjectID: "alice", ValidityDays: 30})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", w.Code)
		}

		var issued models.IssuedSerial
		decode(t, w, &issued)
		if issued.ExpiresOn != "2026-11-17" {
			t.Errorf("expected expiry 2026-11-17, got %s", issued.ExpiresOn)
		}
		if res := engine.Validate(issued.Serial, "alice"); !res.OK {
			t.Fatalf("issued serial rejected: %v", res.Err)
		}
	})

	t.Run("store records the license", func(t *testing.T) {
		store := newMemLicenseStore()
		r := setupSerialsRouter(newTestEngine(t, store, true))
		w := doJSON(r, "POST", "/api/v1/serials", IssueSerialRequest{SubjectID: "bob", ValidityDays: 7, Store: true})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
		}
		if rec, ok := store.records["bob"]; !ok || rec.ExpiresOn != "2026-10-25" {
			t.Fatalf("expected stored record expiring 2026-10-25, got %+v", rec)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		store := newMemLicenseStore()
		store.err = errors.New("disk full")
		r := setupSerialsRouter(newTestEngine(t, store, true))
		w := doJSON(r, "POST", "/api/v1/serials", IssueSerialRequest{SubjectID: "bob", ValidityDays: 7, Store: true})
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", w.Code)
		}
	})
}

func TestSerialsValidate(t *testing.T) {
	engine := newTestEngine(t, nil, true)
	r := setupSerialsRouter(engine)
	token := issueToken(t, engine, "alice", 30)

	tests := []struct {
		name       string
		body       any
		wantCode   int
		wantValid  bool
		wantReason string
	}{
		{
			name:      "valid",
			body:      ValidateSerialRequest{SubjectID: "alice", Serial: token},
			wantCode:  http.StatusOK,
			wantValid: true,
		},
		{
			name:       "other subject",
			body:       ValidateSerialRequest{SubjectID: "mallory", Serial: token},
			wantCode:   http.StatusOK,
			wantReason: license.Message(license.ErrSignatureInvalid),
		},
		{
			name:       "garbage",
			body:       ValidateSerialRequest{SubjectID: "alice", Serial: "not-a-serial!"},
			wantCode:   http.StatusOK,
			wantReason: license.Message(license.ErrMalformedSerial),
		},
		{
			name:     "missing serial",
			body:     map[string]string{"subject_id": "alice"},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, "POST", "/api/v1/serials/validate", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}

			var resp models.SerialValidation
			decode(t, w, &resp)
			if resp.Valid != tt.wantValid {
				t.Errorf("expected valid=%v, got %v", tt.wantValid, resp.Valid)
			}
			if resp.Reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, resp.Reason)
			}
			if tt.wantValid && (resp.ExpiresOn != "2026-11-17" || resp.Expired) {
				t.Errorf("unexpected expiry in %+v", resp)
			}
		})
	}
}
