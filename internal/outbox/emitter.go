package outbox

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/storage"
)

// Emitter enqueues events inside business transactions. Sanitization happens
// before the insert, so the outbox, the dead-letter queue and every consumer
// see only sanitized payloads.
type Emitter struct {
	db         *storage.DB
	sanitizer  *Sanitizer
	source     string
	tenant     string
	maxRetries int
	logger     *slog.Logger
}

// NewEmitter wires an emitter over the storage gateway.
func NewEmitter(db *storage.DB, sanitizer *Sanitizer, source, tenant string, maxRetries int, logger *slog.Logger) *Emitter {
	return &Emitter{
		db:         db,
		sanitizer:  sanitizer,
		source:     source,
		tenant:     tenant,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// EmitTx builds the CloudEvents envelope for subject, sanitizes it, and
// enqueues it in tx. Returns ErrPIIBlocked (failing the whole transaction)
// when the payload carries PII in block mode.
func (e *Emitter) EmitTx(ctx context.Context, tx pgx.Tx, subject string, data any, meta Meta) error {
	eventID := uuid.New()
	env, err := NewEnvelope(eventID, e.source, e.tenant, subject, data, meta)
	if err != nil {
		return err
	}

	sanitized, hadPII, err := e.sanitizer.Sanitize(env.Data)
	if err != nil {
		return err
	}
	if hadPII {
		e.logger.Debug("event payload sanitized", "subject", subject, "event_id", eventID)
	}
	env.Data = sanitized

	payload, err := marshalEnvelope(env)
	if err != nil {
		return err
	}

	rec := model.OutboxRecord{
		EventID:       eventID,
		Type:          env.Type,
		Subject:       subject,
		Payload:       payload,
		CorrelationID: meta.CorrelationID,
		MaxRetries:    e.maxRetries,
	}
	if err := e.db.InsertOutboxTx(ctx, tx, rec); err != nil {
		return err
	}
	// Wake the dispatcher at commit time.
	return e.db.NotifyOutboxTx(ctx, tx)
}
