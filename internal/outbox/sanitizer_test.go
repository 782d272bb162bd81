package outbox

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramus-io/ramus/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id
}

func TestSanitizerAnonymize(t *testing.T) {
	s, err := NewSanitizer(config.PIIAnonymize, "", "", discardLogger())
	require.NoError(t, err)

	payload := []byte(`{"owner":"jane.doe@example.com","display_name":"Customer","nested":{"phone":"+1 415 555 0123"}}`)
	out, found, err := s.Sanitize(payload)
	require.NoError(t, err)
	assert.True(t, found)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.NotContains(t, string(out), "jane.doe@example.com")
	assert.NotContains(t, string(out), "415 555")
	assert.Equal(t, "Customer", doc["display_name"])
}

func TestSanitizerFieldNameMatch(t *testing.T) {
	s, err := NewSanitizer(config.PIIAnonymize, "", "", discardLogger())
	require.NoError(t, err)

	// The value alone would not match, but the field name marks it PII.
	out, found, err := s.Sanitize([]byte(`{"ssn":"unusual"}`))
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotContains(t, string(out), "unusual")
}

func TestSanitizerBlock(t *testing.T) {
	s, err := NewSanitizer(config.PIIBlock, "", "", discardLogger())
	require.NoError(t, err)

	_, _, err = s.Sanitize([]byte(`{"contact":"jane@example.com"}`))
	assert.ErrorIs(t, err, ErrPIIBlocked)

	out, found, err := s.Sanitize([]byte(`{"display_name":"Order"}`))
	require.NoError(t, err)
	assert.False(t, found)
	assert.JSONEq(t, `{"display_name":"Order"}`, string(out))
}

func TestSanitizerLogPassesThrough(t *testing.T) {
	s, err := NewSanitizer(config.PIILog, "", "", discardLogger())
	require.NoError(t, err)

	in := []byte(`{"contact":"jane@example.com"}`)
	out, found, err := s.Sanitize(in)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestSanitizerEncryptRoundTrip(t *testing.T) {
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	key := base64.StdEncoding.EncodeToString(raw)

	s, err := NewSanitizer(config.PIIEncrypt, "k1", key, discardLogger())
	require.NoError(t, err)

	out, found, err := s.Sanitize([]byte(`{"email":"jane@example.com"}`))
	require.NoError(t, err)
	assert.True(t, found)

	var doc map[string]string
	require.NoError(t, json.Unmarshal(out, &doc))
	token := doc["email"]
	assert.Contains(t, token, "enc:v1:k1:")

	plain, err := s.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", plain)
}

func TestEnvelopeShape(t *testing.T) {
	env, err := NewEnvelope(
		mustUUID(t), "urn:ramus:oms", "acme", "branch.created",
		map[string]string{"branch": "feature-x"},
		Meta{CorrelationID: "corr-1", Branch: "feature-x", Author: "user:jane"},
	)
	require.NoError(t, err)

	raw, err := marshalEnvelope(env)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "1.0", doc["specversion"])
	assert.Equal(t, "io.ramus.oms.branch.created", doc["type"])
	assert.Equal(t, "branch.created", doc["subject"])
	assert.Equal(t, "application/json", doc["datacontenttype"])
	assert.Equal(t, "corr-1", doc["ce_correlationid"])
	assert.Equal(t, "feature-x", doc["ce_branch"])
	assert.Equal(t, "acme", doc["ce_tenant"])
}
