package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("s3cret")
	token, err := v.Issue(Identity{VisitorID: "v1", Name: "Ana", Email: "a@x.pt"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.VisitorID != "v1" || id.Name != "Ana" || id.Email != "a@x.pt" || id.Admin {
		t.Fatalf("identity = %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("s3cret")
	expired, _ := v.Issue(Identity{VisitorID: "v1"}, -time.Minute)
	foreign, _ := NewVerifier("other").Issue(Identity{VisitorID: "v1"}, time.Hour)
	anonymous, _ := v.Issue(Identity{}, time.Hour)

	for name, token := range map[string]string{
		"expired":      expired,
		"wrong secret": foreign,
		"no subject":   anonymous,
		"garbage":      "not-a-jwt",
	} {
		if _, err := v.Verify(token); err == nil {
			t.Errorf("%s token accepted", name)
		}
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("s3cret")
	visitor, _ := v.Issue(Identity{VisitorID: "v1"}, time.Hour)
	staff, _ := v.Issue(Identity{VisitorID: "staff-1", Admin: true}, time.Hour)

	var seen Identity
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	})
	open := v.Middleware(inner)
	admin := v.Middleware(RequireAdmin(inner))

	tests := []struct {
		name    string
		handler http.Handler
		target  string
		header  string
		want    int
		wantID  string
	}{
		{"bearer header", open, "/", "Bearer " + visitor, http.StatusOK, "v1"},
		{"query token", open, "/?token=" + visitor, "", http.StatusOK, "v1"},
		{"missing", open, "/", "", http.StatusUnauthorized, ""},
		{"bad scheme", open, "/", "Basic abc", http.StatusUnauthorized, ""},
		{"visitor on admin route", admin, "/", "Bearer " + visitor, http.StatusForbidden, ""},
		{"staff on admin route", admin, "/", "Bearer " + staff, http.StatusOK, "staff-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = Identity{}
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if seen.VisitorID != tt.wantID {
				t.Fatalf("identity = %q, want %q", seen.VisitorID, tt.wantID)
			}
		})
	}
}
