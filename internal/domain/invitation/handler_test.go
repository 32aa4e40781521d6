package invitation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinform/clinform/internal/platform/auth"
	"github.com/clinform/clinform/internal/platform/docstore"
	"github.com/clinform/clinform/internal/platform/notify"
)

func newTestServer() (*echo.Echo, *Manager) {
	store := docstore.NewMemStore()
	m := NewManager(store, notify.NewQueue(store, zerolog.Nop()), zerolog.Nop())

	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Test-Roles"), ",")
			ctx := auth.WithIdentity(c.Request().Context(), c.Request().Header.Get("X-Test-User"), roles...)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(m).RegisterRoutes(api)
	return e, m
}

func do(e *echo.Echo, method, path, user, roles, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set("X-Test-User", user)
	req.Header.Set("X-Test-Roles", roles)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerIssueAndConsume(t *testing.T) {
	e, _ := newTestServer()

	rec := do(e, http.MethodPost, "/api/v1/invitations", "prac-1", "practitioner", `{"email":"pat@example.org"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue code = %d body = %s", rec.Code, rec.Body.String())
	}
	var tok Token
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tok.PractitionerID != "prac-1" {
		t.Fatalf("practitioner_id = %s", tok.PractitionerID)
	}

	rec = do(e, http.MethodPost, "/api/v1/invitations/"+tok.ID+"/consume", "", "", `{"patient_id":"p1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("consume code = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/v1/invitations/"+tok.ID+"/consume", "", "", `{"patient_id":"p1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second consume code = %d, want 409", rec.Code)
	}
}

func TestHandlerIssueRequiresPractitioner(t *testing.T) {
	e, _ := newTestServer()
	rec := do(e, http.MethodPost, "/api/v1/invitations", "p1", "patient", `{"email":"pat@example.org"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", rec.Code)
	}
}

func TestHandlerValidateUnknownToken(t *testing.T) {
	e, _ := newTestServer()
	rec := do(e, http.MethodGet, "/api/v1/invitations/nope", "", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rec.Code)
	}
}

func TestHandlerValidateExpiredTokenGone(t *testing.T) {
	e, m := newTestServer()

	issued := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issued }
	tok, err := m.Issue(context.Background(), "pat@example.org", "prac-1", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	m.now = func() time.Time { return issued.Add(DefaultTTL + time.Minute) }

	rec := do(e, http.MethodGet, "/api/v1/invitations/"+tok.ID, "", "", "")
	if rec.Code != http.StatusGone {
		t.Fatalf("code = %d, want 410", rec.Code)
	}
}

func TestHandlerRemediateAdminOnly(t *testing.T) {
	e, m := newTestServer()
	if _, err := m.Issue(context.Background(), "pat@example.org", "prac-1", ""); err != nil {
		t.Fatalf("issue: %v", err)
	}

	rec := do(e, http.MethodPost, "/api/v1/invitations/remediate", "prac-1", "practitioner", `{"email":"pat@example.org","patient_id":"p1"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("practitioner remediate code = %d, want 403", rec.Code)
	}

	rec = do(e, http.MethodPost, "/api/v1/invitations/remediate", "root", "admin", `{"email":"pat@example.org","patient_id":"p1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin remediate code = %d body = %s", rec.Code, rec.Body.String())
	}
}
