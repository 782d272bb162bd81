package outbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ramus-io/ramus/internal/config"
)

// ErrPIIBlocked aborts the enclosing transaction when PII_HANDLING=block and
// a payload matches a PII pattern. Nothing is persisted or published.
var ErrPIIBlocked = errors.New("outbox: payload contains PII and handling mode is block")

// Value patterns scanned in every string field of an outgoing payload.
var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-().]{8,}\d`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
	tokenRe = regexp.MustCompile(`\b(?:sk|pk|api|key|tok)_[A-Za-z0-9]{16,}\b`)
)

// Field names treated as PII regardless of value shape.
var piiFieldNames = map[string]bool{
	"email":        true,
	"phone":        true,
	"phone_number": true,
	"ssn":          true,
	"tax_id":       true,
	"credit_card":  true,
	"password":     true,
	"api_key":      true,
}

// Sanitizer rewrites PII in event payloads before they are persisted to the
// outbox, so downstream consumers and the dead-letter queue only ever see
// sanitized data.
type Sanitizer struct {
	mode   config.PIIMode
	keyID  string
	aead   cipher.AEAD
	logger *slog.Logger
}

// NewSanitizer builds a sanitizer for the configured mode. In encrypt mode
// key must be a base64 AES-256 key.
func NewSanitizer(mode config.PIIMode, keyID, key string, logger *slog.Logger) (*Sanitizer, error) {
	s := &Sanitizer{mode: mode, keyID: keyID, logger: logger}
	if mode == config.PIIEncrypt {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("outbox: decode PII encryption key: %w", err)
		}
		block, err := aes.NewCipher(raw)
		if err != nil {
			return nil, fmt.Errorf("outbox: PII encryption key: %w", err)
		}
		s.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("outbox: PII cipher: %w", err)
		}
	}
	return s, nil
}

// Sanitize scans a JSON payload for PII and applies the configured mode.
// Returns the rewritten payload and whether anything matched. In block mode
// a match returns ErrPIIBlocked and the caller must fail its transaction.
func (s *Sanitizer) Sanitize(payload []byte) ([]byte, bool, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false, fmt.Errorf("outbox: decode payload for sanitizing: %w", err)
	}

	found := false
	doc, err := s.walk("", doc, &found)
	if err != nil {
		return nil, true, err
	}
	if !found {
		return payload, false, nil
	}
	if s.mode == config.PIILog {
		s.logger.Warn("outbox: PII detected in event payload, passing through per PII_HANDLING=log")
		return payload, true, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, true, fmt.Errorf("outbox: encode sanitized payload: %w", err)
	}
	return out, true, nil
}

func (s *Sanitizer) walk(field string, v any, found *bool) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			rewritten, err := s.walk(k, child, found)
			if err != nil {
				return nil, err
			}
			val[k] = rewritten
		}
		return val, nil
	case []any:
		for i, child := range val {
			rewritten, err := s.walk(field, child, found)
			if err != nil {
				return nil, err
			}
			val[i] = rewritten
		}
		return val, nil
	case string:
		if !s.isPII(field, val) {
			return val, nil
		}
		*found = true
		switch s.mode {
		case config.PIIBlock:
			return nil, ErrPIIBlocked
		case config.PIILog:
			return val, nil
		case config.PIIEncrypt:
			return s.encrypt(val)
		default: // anonymize
			return anonymize(val), nil
		}
	default:
		return v, nil
	}
}

func (s *Sanitizer) isPII(field, val string) bool {
	if piiFieldNames[strings.ToLower(field)] {
		return true
	}
	return emailRe.MatchString(val) || tokenRe.MatchString(val) ||
		cardRe.MatchString(val) || phoneRe.MatchString(val)
}

// anonymize keeps just enough shape for debugging: first rune plus length.
func anonymize(val string) string {
	if val == "" {
		return val
	}
	r := []rune(val)
	return fmt.Sprintf("%c***[%d]", r[0], len(r))
}

func (s *Sanitizer) encrypt(val string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("outbox: PII nonce: %w", err)
	}
	ct := s.aead.Seal(nonce, nonce, []byte(val), nil)
	return fmt.Sprintf("enc:v1:%s:%s", s.keyID, base64.StdEncoding.EncodeToString(ct)), nil
}

// Decrypt reverses encrypt for authorized readers holding the same key.
func (s *Sanitizer) Decrypt(token string) (string, error) {
	parts := strings.SplitN(token, ":", 4)
	if len(parts) != 4 || parts[0] != "enc" || parts[1] != "v1" {
		return "", fmt.Errorf("outbox: not an encrypted PII token")
	}
	if parts[2] != s.keyID {
		return "", fmt.Errorf("outbox: PII token sealed with key %s, have %s", parts[2], s.keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("outbox: decode PII token: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("outbox: PII token too short")
	}
	pt, err := s.aead.Open(nil, raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("outbox: open PII token: %w", err)
	}
	return string(pt), nil
}
