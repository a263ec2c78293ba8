package valueset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/careforms/internal/platform/auth"
	"github.com/ehr/careforms/internal/platform/httpx"
)

func newTestHandler() (*Handler, *Service, *stubTerminology, *echo.Echo) {
	svc, _, remote := newTestService()
	e := echo.New()
	httpx.Install(e)
	return NewHandler(svc), svc, remote, e
}

func newJSONContext(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithPrincipal(context.Background(), "admin-1", "admin", []string{"admin"}))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func assertHTTPCode(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestHandler_Create(t *testing.T) {
	h, _, _, e := newTestHandler()
	body := `{"slug":"pain-scale","name":"Pain scale","compose":{"include":[{"system":"http://example.org/pain","concept":[{"code":"0","display":"No pain"},{"code":"10","display":"Worst pain"}]}]}}`
	c, rec := newJSONContext(e, http.MethodPost, body)
	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var vs ValueSet
	if err := json.Unmarshal(rec.Body.Bytes(), &vs); err != nil {
		t.Fatal(err)
	}
	if vs.CreatedBy != "admin-1" || vs.IsSystemDefined || len(vs.Compose.Include[0].Concept) != 2 {
		t.Errorf("unexpected value set %+v", vs)
	}

	c, _ = newJSONContext(e, http.MethodPost, body)
	assertHTTPCode(t, h.Create(c), http.StatusConflict)
}

func TestHandler_Create_BadRequest(t *testing.T) {
	h, _, _, e := newTestHandler()
	c, _ := newJSONContext(e, http.MethodPost, `{"slug":"x"}`)
	assertHTTPCode(t, h.Create(c), http.StatusBadRequest)

	c, _ = newJSONContext(e, http.MethodPost, `{"slug":"x","name":"X","compose":{"include":[{"concept":[{"code":"1"}]}]}}`)
	assertHTTPCode(t, h.Create(c), http.StatusBadRequest)
}

func TestHandler_Update_SystemDefined(t *testing.T) {
	h, svc, _, e := newTestHandler()
	if _, err := svc.EnsureSystemDefined(context.Background()); err != nil {
		t.Fatal(err)
	}
	c, _ := newJSONContext(e, http.MethodPut, `{"name":"Renamed"}`)
	c.SetParamNames("slug")
	c.SetParamValues("system-observation")
	assertHTTPCode(t, h.Update(c), http.StatusForbidden)
}

func TestHandler_Get_NotFound(t *testing.T) {
	h, _, _, e := newTestHandler()
	c, _ := newJSONContext(e, http.MethodGet, "")
	c.SetParamNames("slug")
	c.SetParamValues("missing")
	assertHTTPCode(t, h.Get(c), http.StatusNotFound)
}

func TestHandler_Lookup(t *testing.T) {
	h, _, remote, e := newTestHandler()

	c, rec := newJSONContext(e, http.MethodPost, `{"system":"http://snomed.info/sct","code":"195967001"}`)
	if err := h.Lookup(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Metadata CodeMetadata `json:"metadata"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Metadata.Display != "Asthma" || body.Metadata.Name != "SNOMED CT" {
		t.Errorf("unexpected metadata %+v", body.Metadata)
	}

	c, _ = newJSONContext(e, http.MethodPost, `{"system":"http://snomed.info/sct"}`)
	assertHTTPCode(t, h.Lookup(c), http.StatusBadRequest)

	c, _ = newJSONContext(e, http.MethodPost, `{"system":"http://snomed.info/sct","code":"0000"}`)
	assertHTTPCode(t, h.Lookup(c), http.StatusNotFound)

	remote.fail = true
	c, _ = newJSONContext(e, http.MethodPost, `{"system":"http://snomed.info/sct","code":"38341003"}`)
	assertHTTPCode(t, h.Lookup(c), http.StatusBadGateway)
}

func TestHandler_Expand(t *testing.T) {
	h, svc, _, e := newTestHandler()
	if err := svc.Create(context.Background(), vitalsValueSet()); err != nil {
		t.Fatal(err)
	}

	c, rec := newJSONContext(e, http.MethodPost, `{"search":"rate","count":5}`)
	c.SetParamNames("slug")
	c.SetParamValues("vital-signs")
	if err := h.Expand(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var exp Expansion
	if err := json.Unmarshal(rec.Body.Bytes(), &exp); err != nil {
		t.Fatal(err)
	}
	if exp.Count != 2 || exp.Results[0].Display != "Heart rate" {
		t.Errorf("unexpected expansion %+v", exp)
	}
}

func TestHandler_List(t *testing.T) {
	h, svc, _, e := newTestHandler()
	if _, err := svc.EnsureSystemDefined(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Create(context.Background(), vitalsValueSet()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/?is_system_defined=false", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 {
		t.Errorf("expected 1 user-defined value set, got %d", body.Count)
	}
}
