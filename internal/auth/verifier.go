package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers every verification failure surfaced to callers;
	// the wrapped cause stays in the logs only.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrNoVerifier is returned when neither a JWKS URL nor a public key file
	// is configured.
	ErrNoVerifier = errors.New("auth: no token verifier configured")
)

// VerifierConfig controls token validation.
type VerifierConfig struct {
	Issuer        string
	Audience      string
	JWKSURL       string // empty disables RS256 via JWKS
	PublicKeyPath string // Ed25519 PEM for service-account tokens; empty disables EdDSA
	CacheTTL      time.Duration
}

// Verifier validates access tokens. Interactive tokens are RS256-signed and
// resolved through the JWKS cache; service-account tokens are EdDSA-signed
// against a locally provisioned public key. Validated tokens are cached for
// a short TTL keyed by token digest.
type Verifier struct {
	cfg    VerifierConfig
	jwks   *JWKSCache
	edKey  ed25519.PublicKey
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[[32]byte]cachedToken
}

type cachedToken struct {
	user    UserContext
	expires time.Time
}

// NewVerifier wires a verifier from config. The JWKS cache is created lazily
// fetched on first use; the Ed25519 key is loaded eagerly so a bad path
// fails at startup.
func NewVerifier(cfg VerifierConfig, logger *slog.Logger) (*Verifier, error) {
	if cfg.JWKSURL == "" && cfg.PublicKeyPath == "" {
		return nil, ErrNoVerifier
	}
	v := &Verifier{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[[32]byte]cachedToken),
	}
	if cfg.JWKSURL != "" {
		v.jwks = NewJWKSCache(cfg.JWKSURL, logger)
	}
	if cfg.PublicKeyPath != "" {
		key, err := loadEd25519PublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		v.edKey = key
	}
	return v, nil
}

// JWKS exposes the key cache so main can run the background refresher.
func (v *Verifier) JWKS() *JWKSCache { return v.jwks }

// Verify validates a raw bearer token and returns the caller identity.
func (v *Verifier) Verify(ctx context.Context, raw string) (UserContext, error) {
	digest := sha256.Sum256([]byte(raw))

	v.mu.RLock()
	entry, ok := v.cache[digest]
	v.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.user, nil
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "EdDSA"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case "RS256":
			if v.jwks == nil {
				return nil, ErrNoVerifier
			}
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("auth: token has no kid")
			}
			return v.jwks.Key(ctx, kid)
		case "EdDSA":
			if v.edKey == nil {
				return nil, ErrNoVerifier
			}
			return v.edKey, nil
		}
		return nil, fmt.Errorf("auth: unexpected algorithm %s", t.Method.Alg())
	})
	if err != nil || !token.Valid {
		v.logger.Debug("token rejected", "error", err)
		return UserContext{}, ErrInvalidToken
	}

	user := userFromClaims(claims)
	if user.Subject == "" {
		return UserContext{}, ErrInvalidToken
	}

	ttl := v.cfg.CacheTTL
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if until := time.Until(exp.Time); until < ttl {
			ttl = until
		}
	}
	if ttl > 0 {
		v.mu.Lock()
		v.cache[digest] = cachedToken{user: user, expires: time.Now().Add(ttl)}
		v.mu.Unlock()
	}
	return user, nil
}

// InvalidateSubject drops every cached token for a subject. Called by the
// role-change event consumer so permission changes take effect before the
// cache TTL lapses.
func (v *Verifier) InvalidateSubject(sub string) {
	v.mu.Lock()
	for digest, entry := range v.cache {
		if entry.user.Subject == sub {
			delete(v.cache, digest)
		}
	}
	v.mu.Unlock()
}

// PruneCache evicts expired entries. Called periodically from main; the
// cache otherwise only grows.
func (v *Verifier) PruneCache() {
	now := time.Now()
	v.mu.Lock()
	for digest, entry := range v.cache {
		if now.After(entry.expires) {
			delete(v.cache, digest)
		}
	}
	v.mu.Unlock()
}

func userFromClaims(claims jwt.MapClaims) UserContext {
	u := UserContext{}
	if sub, err := claims.GetSubject(); err == nil {
		u.Subject = sub
	}
	u.Username, _ = claims["username"].(string)
	if u.Username == "" {
		u.Username, _ = claims["preferred_username"].(string)
	}
	u.Email, _ = claims["email"].(string)
	u.Tenant, _ = claims["tenant"].(string)
	u.Roles = stringSlice(claims["roles"])

	// Scopes arrive either as an OAuth2 space-delimited "scope" string or a
	// "scopes" array.
	if s, ok := claims["scope"].(string); ok && s != "" {
		u.Scopes = strings.Fields(s)
	} else {
		u.Scopes = stringSlice(claims["scopes"])
	}
	return u
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func loadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: public key %s: no PEM block", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key %s is %T, want ed25519", path, parsed)
	}
	return key, nil
}
