// ABOUTME: Tests for the HTTP bearer-token middleware
// ABOUTME: Covers header extraction, context propagation, and rejection paths

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantToken string
		wantErr   string
	}{
		{name: "valid", header: "Bearer abc123", wantToken: "abc123"},
		{name: "missing header", header: "", wantErr: "missing authorization header"},
		{name: "wrong scheme", header: "Basic abc123", wantErr: "invalid authorization header format"},
		{name: "empty token", header: "Bearer ", wantErr: "empty token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, errMsg := extractBearerToken(tt.header)
			assert.Equal(t, tt.wantToken, token)
			assert.Equal(t, tt.wantErr, errMsg)
		})
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)

	var gotOwner string
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner, _ = OwnerFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", gotOwner)
}

func TestMiddleware_RejectsBadToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	called := false
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestMiddleware_RejectsMissingHeader(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOwnerFromContext_Absent(t *testing.T) {
	_, ok := OwnerFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
