// Package outbox implements transactional event publishing: events are
// enqueued in the same database transaction as the change they describe and
// delivered asynchronously by a dispatcher with bounded retries and a
// dead-letter state.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TypePrefix namespaces CloudEvents types, e.g. "io.ramus.oms.branch.created".
const TypePrefix = "io.ramus.oms."

// Envelope is a CloudEvents 1.0 structured-mode event. Routing context rides
// in ce_* extension attributes so consumers can filter without parsing data.
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`

	CorrelationID string `json:"ce_correlationid,omitempty"`
	CausationID   string `json:"ce_causationid,omitempty"`
	Branch        string `json:"ce_branch,omitempty"`
	Commit        string `json:"ce_commit,omitempty"`
	Author        string `json:"ce_author,omitempty"`
	Tenant        string `json:"ce_tenant,omitempty"`
}

// Meta carries the per-event routing context threaded into extensions.
type Meta struct {
	CorrelationID string
	CausationID   string
	Branch        string
	Commit        string
	Author        string
}

// NewEnvelope builds an envelope for subject with the given payload. The
// event id doubles as the outbox event_id so replays deduplicate end to end.
func NewEnvelope(eventID uuid.UUID, source, tenant, subject string, data any, meta Meta) (Envelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("outbox: marshal event data: %w", err)
	}
	return Envelope{
		SpecVersion:     "1.0",
		ID:              eventID.String(),
		Type:            TypePrefix + subject,
		Source:          source,
		Subject:         subject,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            payload,
		CorrelationID:   meta.CorrelationID,
		CausationID:     meta.CausationID,
		Branch:          meta.Branch,
		Commit:          meta.Commit,
		Author:          meta.Author,
		Tenant:          tenant,
	}, nil
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal envelope: %w", err)
	}
	return out, nil
}
