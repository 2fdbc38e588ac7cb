package clinicaldoc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicalrecord/internal/platform/auth"
	"github.com/ehr/clinicalrecord/internal/platform/validation"
)

func newTestHandler() (*Handler, *echo.Echo) {
	h := NewHandler(newTestService())
	e := echo.New()
	e.Validator = validation.New()
	return h, e
}

func newContext(e *echo.Echo, method, body, userID string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = req.WithContext(auth.WithUser(req.Context(), userID, "", nil))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		c.SetParamNames("id")
		c.SetParamValues(params...)
	}
	return c, rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_NoteLifecycle(t *testing.T) {
	h, e := newTestHandler()

	c, rec := newContext(e, http.MethodPost, `{"patient_id":"p-1","note_type":"soap","assessment":"Stable","cosigner_id":"D2"}`, "D1")
	if err := h.CreateNote(c); err != nil {
		t.Fatalf("CreateNote: %v", err)
	}
	if rec.Code != http.StatusCreated || rec.Header().Get("ETag") != `"1"` {
		t.Fatalf("expected 201 with ETag 1, got %d %q", rec.Code, rec.Header().Get("ETag"))
	}
	var n ProgressNote
	_ = json.Unmarshal(rec.Body.Bytes(), &n)

	c, rec = newContext(e, http.MethodPost, "", "D1", n.ID)
	c.Request().Header.Set("If-Match", `"1"`)
	if err := h.SignNote(c); err != nil {
		t.Fatalf("SignNote: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"signed"`) {
		t.Errorf("expected signed note, got %s", rec.Body.String())
	}

	c, _ = newContext(e, http.MethodPost, "", "D3", n.ID)
	if code := httpCode(t, h.CosignNote(c)); code != http.StatusConflict {
		t.Errorf("wrong cosigner: expected 409, got %d", code)
	}

	c, rec = newContext(e, http.MethodPost, "", "D2", n.ID)
	if err := h.CosignNote(c); err != nil {
		t.Fatalf("CosignNote: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"is_locked":true`) {
		t.Errorf("expected locked note, got %s", rec.Body.String())
	}

	c, _ = newContext(e, http.MethodPut, `{"assessment":"changed"}`, "D1", n.ID)
	if code := httpCode(t, h.UpdateNote(c)); code != http.StatusConflict {
		t.Errorf("editing locked note: expected 409, got %d", code)
	}
}

func TestHandler_AddAddendum(t *testing.T) {
	h, e := newTestHandler()
	n := createNote(t, h.svc, "")

	if _, err := h.svc.SignNote(context.Background(), n.ID, 0, author); err != nil {
		t.Fatalf("SignNote: %v", err)
	}

	c, _ := newContext(e, http.MethodPost, `{"reason":"","content":"c"}`, "D1", n.ID)
	if code := httpCode(t, h.AddAddendum(c)); code != http.StatusBadRequest {
		t.Errorf("missing reason: expected 400, got %d", code)
	}

	c, rec := newContext(e, http.MethodPost, `{"reason":"Late entry","content":"Family updated"}`, "D1", n.ID)
	if err := h.AddAddendum(c); err != nil {
		t.Fatalf("AddAddendum: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"amended"`) {
		t.Errorf("expected amended note, got %s", rec.Body.String())
	}
}

func TestHandler_AddAddendum_Draft(t *testing.T) {
	h, e := newTestHandler()
	n := createNote(t, h.svc, "")

	c, rec := newContext(e, http.MethodPost, `{"reason":"Late entry","content":"Family updated"}`, "D1", n.ID)
	if err := h.AddAddendum(c); err != nil {
		t.Fatalf("AddAddendum: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"amended"`) || !strings.Contains(rec.Body.String(), `"is_locked":false`) {
		t.Errorf("expected an unlocked amended note, got %s", rec.Body.String())
	}
}

func TestHandler_GetNote_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c, _ := newContext(e, http.MethodGet, "", "D1", "missing")
	if code := httpCode(t, h.GetNote(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_CreateSummary_BadRequest(t *testing.T) {
	h, e := newTestHandler()
	c, _ := newContext(e, http.MethodPost, `{"patient_id":"p-1"}`, "D2")
	if code := httpCode(t, h.CreateSummary(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_CreateSummary_DuplicateAdmission(t *testing.T) {
	h, e := newTestHandler()
	s := createSummary(t, h.svc)

	body := `{"patient_id":"` + s.PatientID + `","admission_id":"` + s.AdmissionID + `","admission_date":"2026-10-10T09:00:00Z"}`
	c, _ := newContext(e, http.MethodPost, body, "D2")
	if code := httpCode(t, h.CreateSummary(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_SummaryValidationAndApproval(t *testing.T) {
	h, e := newTestHandler()
	s := createSummary(t, h.svc)

	body := `{"principal_diagnosis":"Pneumonia","hospital_course":"IV antibiotics","condition_at_discharge":"Stable",` +
		`"discharge_disposition":"Home","follow_up_instructions":"GP in 7 days","warning_signs":["Fever"],"medications_reconciled":false}`
	c, _ := newContext(e, http.MethodPut, body, "D2", s.ID)
	if err := h.UpdateSummary(c); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}

	c, rec := newContext(e, http.MethodGet, "", "D2", s.ID)
	if err := h.ValidateSummary(c); err != nil {
		t.Fatalf("ValidateSummary: %v", err)
	}
	var check ApprovalCheck
	_ = json.Unmarshal(rec.Body.Bytes(), &check)
	if check.IsValid || len(check.Errors) != 1 || check.Errors[0] != "Medication reconciliation not completed" {
		t.Errorf("unexpected check %+v", check)
	}

	c, _ = newContext(e, http.MethodPost, "", "D2", s.ID)
	err := h.ApproveSummary(c)
	if code := httpCode(t, err); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", code)
	}
	var he *echo.HTTPError
	errors.As(err, &he)
	msg, _ := he.Message.(map[string]interface{})
	if errs, _ := msg["errors"].([]string); len(errs) != 1 {
		t.Errorf("expected the failed rule in the response, got %v", he.Message)
	}

	c, _ = newContext(e, http.MethodPost, "", "D2", s.ID)
	if code := httpCode(t, h.FinalizeSummary(c)); code != http.StatusConflict {
		t.Errorf("finalizing a draft: expected 409, got %d", code)
	}
}

func TestHandler_GetLengthOfStay(t *testing.T) {
	h, e := newTestHandler()
	s := createSummary(t, h.svc)

	c, rec := newContext(e, http.MethodGet, "", "D2", s.ID)
	if err := h.GetLengthOfStay(c); err != nil {
		t.Fatalf("GetLengthOfStay: %v", err)
	}
	var stay Stay
	_ = json.Unmarshal(rec.Body.Bytes(), &stay)
	if stay.Days != 5 || !stay.IsChronologicallyValid {
		t.Errorf("unexpected stay %+v", stay)
	}
}

func TestHandler_RegisterRoutes_RoleGating(t *testing.T) {
	h, e := newTestHandler()
	n := createNote(t, h.svc, "D2")
	if _, err := h.svc.SignNote(context.Background(), n.ID, 0, author); err != nil {
		t.Fatalf("SignNote: %v", err)
	}

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Test-Roles"), ",")
			ctx := auth.WithUser(c.Request().Context(), c.Request().Header.Get("X-Test-User"), "", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(e.Group("/api/v1"))

	do := func(user, roles, method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-Test-User", user)
		req.Header.Set("X-Test-Roles", roles)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("N1", "nurse", http.MethodPost, "/api/v1/progress-notes/"+n.ID+"/cosign"); code != http.StatusForbidden {
		t.Errorf("nurse cosigning: expected 403, got %d", code)
	}
	if code := do("N1", "nurse", http.MethodGet, "/api/v1/progress-notes/"+n.ID); code != http.StatusOK {
		t.Errorf("nurse reading: expected 200, got %d", code)
	}
	if code := do("L1", "lab_tech", http.MethodGet, "/api/v1/discharge-summaries"); code != http.StatusForbidden {
		t.Errorf("lab_tech listing summaries: expected 403, got %d", code)
	}
	if code := do("D2", "physician", http.MethodPost, "/api/v1/progress-notes/"+n.ID+"/cosign"); code != http.StatusOK {
		t.Errorf("physician cosigning: expected 200, got %d", code)
	}
}
