package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramus-io/ramus/internal/auth"
	"github.com/ramus-io/ramus/internal/indexer"
	"github.com/ramus-io/ramus/internal/lockmgr"
	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testServer builds a server with a working verifier but no store. Only
// routes that reject before touching the store are exercised.
func testServer(t *testing.T) (*Server, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "ed25519.pem")
	require.NoError(t, os.WriteFile(keyPath,
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Issuer:        "https://issuer.test",
		Audience:      "ramus",
		PublicKeyPath: keyPath,
		CacheTTL:      time.Minute,
	}, testLogger())
	require.NoError(t, err)

	srv := New(Config{
		Verifier:            verifier,
		Logger:              testLogger(),
		Port:                0,
		MaxRequestBodyBytes: 1 << 20,
		Version:             "test",
	})
	return srv, priv
}

func signToken(t *testing.T, priv ed25519.PrivateKey, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   "https://issuer.test",
		"aud":   "ramus",
		"sub":   "user-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)
	return raw
}

func TestHealthSkipsAuthAndSetsHeaders(t *testing.T) {
	srv, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	srv, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/branches", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeUnauthenticated, resp.Error.Code)
}

func TestMalformedAuthorizationIsUnauthorized(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/branches", nil)
	req.Header.Set("Authorization", "Basic abc123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInsufficientScopeIsForbidden(t *testing.T) {
	srv, priv := testServer(t)

	// A read-only token cannot create branches.
	req := httptest.NewRequest(http.MethodPost, "/v1/branches", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, "api:schemas:read"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeForbidden, resp.Error.Code)
}

func TestAdminScopeDoesNotGrantServiceRoutes(t *testing.T) {
	srv, priv := testServer(t)

	req := httptest.NewRequest(http.MethodPost,
		"/v1/locks/6a0b6c8e-9a6e-4d3a-9a54-2f5b7c1d9e0f/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, "api:system:admin"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInvalidPathIDRejectedBeforeStore(t *testing.T) {
	srv, priv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/locks/not-a-uuid", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, "api:schemas:read"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeInvalidArgument, resp.Error.Code)
}

func TestRespondErrorMapping(t *testing.T) {
	h := &Handlers{logger: testLogger()}

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", storage.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{"version conflict", storage.ErrVersionConflict, http.StatusPreconditionFailed, model.ErrCodePreconditionFailed},
		{"duplicate api name", storage.ErrDuplicateAPIName, http.StatusConflict, model.ErrCodeConflict},
		{"referenced", storage.ErrReferenced, http.StatusConflict, model.ErrCodeConflict},
		{"advisory timeout", storage.ErrAdvisoryLockTimeout, http.StatusConflict, model.ErrCodeTimeout},
		{"lock gone", lockmgr.ErrLockGone, http.StatusGone, model.ErrCodeGone},
		{"branch not writable", errBranchNotWritable, http.StatusConflict, model.ErrCodeConflict},
		{"illegal transition", errIllegalTransition, http.StatusConflict, model.ErrCodeConflict},
		{"self approval", errSelfApproval, http.StatusForbidden, model.ErrCodeForbidden},
		{"indexer down", indexer.ErrUnavailable, http.StatusServiceUnavailable, model.ErrCodeUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, model.ErrCodeTimeout},
		{"unknown", assert.AnError, http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.respondError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)

			assert.Equal(t, tc.status, rec.Code)
			var resp model.APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestRespondErrorLockConflictCarriesDetails(t *testing.T) {
	h := &Handlers{logger: testLogger()}
	conflict := &lockmgr.ErrLockConflict{Conflicting: model.Lock{
		Branch: "main",
		Scope:  model.ScopeBranch,
		Holder: "indexer-1",
	}}

	rec := httptest.NewRecorder()
	h.respondError(rec, httptest.NewRequest(http.MethodGet, "/", nil), conflict)

	assert.Equal(t, http.StatusLocked, rec.Code)
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeLocked, resp.Error.Code)
	require.NotNil(t, resp.Error.Details)
}

func TestRespondErrorVersionConflictCarriesCurrentVersion(t *testing.T) {
	h := &Handlers{logger: testLogger()}

	rec := httptest.NewRecorder()
	h.respondError(rec, httptest.NewRequest(http.MethodPut, "/", nil),
		&storage.VersionConflictError{Current: 9})

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodePreconditionFailed, resp.Error.Code)
	details, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(9), details["current_version"])
}

func TestEtagAndIfMatchRoundTrip(t *testing.T) {
	assert.Equal(t, `"7"`, etag(7))

	req := httptest.NewRequest(http.MethodPut, "/", nil)
	req.Header.Set("If-Match", etag(7))
	v, ok := ifMatchVersion(req)
	require.True(t, ok)
	require.NotNil(t, v)
	assert.Equal(t, int64(7), *v)

	req.Header.Set("If-Match", "12")
	v, ok = ifMatchVersion(req)
	require.True(t, ok)
	assert.Equal(t, int64(12), *v)

	req.Header.Del("If-Match")
	v, ok = ifMatchVersion(req)
	assert.True(t, ok)
	assert.Nil(t, v)

	req.Header.Set("If-Match", "zero")
	_, ok = ifMatchVersion(req)
	assert.False(t, ok)
}

func TestEntitySubjectDerivation(t *testing.T) {
	assert.Equal(t, "objecttype.created", entitySubject(model.KindObjectType, "created"))
	assert.Equal(t, "linktype.deleted", entitySubject(model.KindLinkType, "deleted"))
}
