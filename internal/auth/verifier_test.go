package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeEd25519KeyPair(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path,
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	return priv, path
}

func signEdDSA(t *testing.T, priv ed25519.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	raw, err := token.SignedString(priv)
	require.NoError(t, err)
	return raw
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":    "https://id.example.com",
		"aud":    "ramus",
		"sub":    "user-42",
		"email":  "jane@example.com",
		"roles":  []any{"editor"},
		"scopes": []any{"api:schemas:read", "api:schemas:write"},
		"tenant": "acme",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
}

func newEdVerifier(t *testing.T, keyPath string) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{
		Issuer:        "https://id.example.com",
		Audience:      "ramus",
		PublicKeyPath: keyPath,
		CacheTTL:      time.Minute,
	}, testLogger())
	require.NoError(t, err)
	return v
}

func TestVerifyEdDSAToken(t *testing.T) {
	priv, keyPath := writeEd25519KeyPair(t)
	v := newEdVerifier(t, keyPath)

	user, err := v.Verify(t.Context(), signEdDSA(t, priv, baseClaims()))

	require.NoError(t, err)
	assert.Equal(t, "user-42", user.Subject)
	assert.Equal(t, "acme", user.Tenant)
	assert.True(t, user.HasScope("api:schemas:write"))
	assert.False(t, user.HasScope("api:system:admin"))
}

func TestVerifyRejectsWrongIssuerAndAudience(t *testing.T) {
	priv, keyPath := writeEd25519KeyPair(t)
	v := newEdVerifier(t, keyPath)

	claims := baseClaims()
	claims["iss"] = "https://evil.example.com"
	_, err := v.Verify(t.Context(), signEdDSA(t, priv, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims = baseClaims()
	claims["aud"] = "other-service"
	_, err = v.Verify(t.Context(), signEdDSA(t, priv, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredAndUnsigned(t *testing.T) {
	priv, keyPath := writeEd25519KeyPair(t)
	v := newEdVerifier(t, keyPath)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	_, err := v.Verify(t.Context(), signEdDSA(t, priv, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims())
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(t.Context(), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	_, keyPath := writeEd25519KeyPair(t)
	otherPriv, _ := writeEd25519KeyPair(t)
	v := newEdVerifier(t, keyPath)

	_, err := v.Verify(t.Context(), signEdDSA(t, otherPriv, baseClaims()))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyCachesAndInvalidates(t *testing.T) {
	priv, keyPath := writeEd25519KeyPair(t)
	v := newEdVerifier(t, keyPath)
	raw := signEdDSA(t, priv, baseClaims())

	_, err := v.Verify(t.Context(), raw)
	require.NoError(t, err)
	assert.Len(t, v.cache, 1)

	v.InvalidateSubject("user-42")
	assert.Empty(t, v.cache)
}

func TestScopeStringForm(t *testing.T) {
	priv, keyPath := writeEd25519KeyPair(t)
	v := newEdVerifier(t, keyPath)

	claims := baseClaims()
	delete(claims, "scopes")
	claims["scope"] = "api:schemas:read api:branches:write"

	user, err := v.Verify(t.Context(), signEdDSA(t, priv, claims))
	require.NoError(t, err)
	assert.Equal(t, []string{"api:schemas:read", "api:branches:write"}, user.Scopes)
}

func TestJWKSCacheResolvesRSAKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": "k1",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, testLogger())
	key, err := cache.Key(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, 0, key.N.Cmp(priv.N))

	// Unknown kid right after a fetch is rate-limited, not refetched.
	_, err = cache.Key(t.Context(), "k2")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestAPIKeyRoundTrip(t *testing.T) {
	hash, err := HashAPIKey("s3cret-key")
	require.NoError(t, err)

	assert.True(t, VerifyAPIKey(hash, "s3cret-key"))
	assert.False(t, VerifyAPIKey(hash, "wrong-key"))
	assert.False(t, VerifyAPIKey("not-a-hash", "s3cret-key"))

	again, err := HashAPIKey("s3cret-key")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again) // fresh salt every time
}
