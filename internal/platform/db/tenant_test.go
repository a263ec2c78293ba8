package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header string
		jwt    *string
		want   string
	}{
		{name: "default", want: "default"},
		{name: "query", query: "tenant_id=clinic_north", want: "clinic_north"},
		{name: "header", header: "clinic_south", want: "clinic_south"},
		{name: "header over query", query: "tenant_id=q", header: "h", want: "h"},
		{name: "jwt over header and query", query: "tenant_id=q", header: "h", jwt: strPtr("j"), want: "j"},
		{name: "empty jwt falls through", header: "h", jwt: strPtr(""), want: "h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.jwt != nil {
				c.Set("jwt_tenant_id", *tt.jwt)
			}
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("extractTenantID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func strPtr(s string) *string { return &s }

func TestTenantIDPattern(t *testing.T) {
	tests := map[string]bool{
		"acme":          true,
		"CLINIC_7":      true,
		"a":             true,
		"":              false,
		"clinic-7":      false,
		"clinic.7":      false,
		"clinic 7":      false,
		"a/b":           false,
		"'; DROP TABLE": false,
		"tenant@1":      false,
	}
	for in, want := range tests {
		if got := tenantIDPattern.MatchString(in); got != want {
			t.Errorf("tenantIDPattern.MatchString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("clinic_7"); got != "tenant_clinic_7" {
		t.Errorf("SchemaName() = %q", got)
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx")
	}
	if got := TenantFromContext(ctx); got != "" {
		t.Errorf("expected empty tenant, got %q", got)
	}
}

func TestContextHelpers_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, txKey, "not-a-tx")
	ctx = context.WithValue(ctx, TenantIDKey, 42)
	if ConnFromContext(ctx) != nil || TxFromContext(ctx) != nil || TenantFromContext(ctx) != "" {
		t.Error("values of the wrong type must be ignored")
	}
}

func TestWithTenant(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")
	if got := TenantFromContext(ctx); got != "acme" {
		t.Errorf("expected acme, got %q", got)
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	err := WithTx(context.Background(), nil, func(context.Context) error { return nil })
	if err == nil || err.Error() != "no database connection in context" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"invalid-id!", "tenant.with.dot", "ten ant", "drop;table"} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for tenant %q", id)
		}
	}
}

func TestRunInTenant_InvalidID(t *testing.T) {
	called := false
	err := RunInTenant(context.Background(), nil, "bad;id", func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error for invalid tenant id")
	}
	if errors.Is(err, errAcquire) {
		t.Error("invalid id must be rejected before acquiring a connection")
	}
	if called {
		t.Error("fn must not run for an invalid tenant")
	}
}

func TestTenantMiddleware_RejectsInvalidTenant(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/questionnaire", nil)
	req.Header.Set("X-Tenant-ID", "acme-north")
	c := e.NewContext(req, httptest.NewRecorder())

	err := TenantMiddleware(nil, "default")(func(echo.Context) error {
		t.Fatal("handler must not run")
		return nil
	})(c)

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
