package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ramus-io/ramus/internal/model"
	"github.com/ramus-io/ramus/internal/storage"
	"github.com/ramus-io/ramus/internal/telemetry"
)

// DispatcherConfig bounds the delivery loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxEventAge  time.Duration
}

// Dispatcher drains the outbox: claim a batch, publish each record, and
// record the outcome. Ordering follows insertion order per batch but is not
// guaranteed across retries; consumers deduplicate by event id.
type Dispatcher struct {
	db        *storage.DB
	transport Transport
	cfg       DispatcherConfig
	logger    *slog.Logger

	published   metric.Int64Counter
	failed      metric.Int64Counter
	deadLetters metric.Int64Counter
}

// NewDispatcher builds a dispatcher over the given transport.
func NewDispatcher(db *storage.DB, transport Transport, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	meter := telemetry.Meter("ramus/outbox")
	published, _ := meter.Int64Counter("ramus.outbox.published",
		metric.WithDescription("Events delivered to the transport"))
	failed, _ := meter.Int64Counter("ramus.outbox.delivery_failures",
		metric.WithDescription("Delivery attempts that failed"))
	dead, _ := meter.Int64Counter("ramus.outbox.dead_lettered",
		metric.WithDescription("Events moved to the dead-letter state"))

	return &Dispatcher{
		db:          db,
		transport:   transport,
		cfg:         cfg,
		logger:      logger,
		published:   published,
		failed:      failed,
		deadLetters: dead,
	}
}

// Run delivers events until ctx is cancelled. When a LISTEN/NOTIFY
// connection is available it wakes on inserts; otherwise it polls.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("outbox dispatcher starting",
		"transport", d.transport.Name(),
		"poll_interval", d.cfg.PollInterval,
		"batch_size", d.cfg.BatchSize)

	if d.db.HasNotifyConn() {
		if err := d.db.Listen(ctx); err != nil {
			d.logger.Warn("outbox dispatcher falling back to polling", "error", err)
		} else {
			go d.wakeLoop(ctx)
		}
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	housekeeping := time.NewTicker(time.Minute)
	defer housekeeping.Stop()

	for {
		d.drain(ctx)

		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopping")
			return ctx.Err()
		case <-ticker.C:
		case <-housekeeping.C:
			d.housekeep(ctx)
		}
	}
}

// wakeLoop forwards LISTEN notifications into the poll loop by just letting
// the blocking wait return; drain runs on the next iteration anyway, so a
// lost notification only costs one poll interval of latency.
func (d *Dispatcher) wakeLoop(ctx context.Context) {
	for {
		if err := d.db.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("outbox notification wait failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// drain claims and delivers batches until the queue is empty or ctx ends.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := d.db.ClaimPendingOutbox(ctx, d.cfg.BatchSize)
		if err != nil {
			d.logger.Error("outbox claim failed", "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, rec := range batch {
			d.deliver(ctx, rec)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec model.OutboxRecord) {
	err := d.transport.Publish(ctx, rec.Subject, rec.Payload)
	if err == nil {
		if err := d.db.MarkOutboxPublished(ctx, rec.ID); err != nil {
			d.logger.Error("outbox mark published failed", "id", rec.ID, "error", err)
			return
		}
		d.published.Add(ctx, 1)
		return
	}

	d.failed.Add(ctx, 1)
	deadLettered, markErr := d.db.MarkOutboxFailed(ctx, rec.ID, err.Error(), d.cfg.BackoffBase, d.cfg.BackoffMax)
	if markErr != nil {
		if !errors.Is(markErr, storage.ErrNotFound) {
			d.logger.Error("outbox mark failed errored", "id", rec.ID, "error", markErr)
		}
		return
	}
	if deadLettered {
		// The move into the dead-letter store happens once per record, so
		// the counter and the log line fire exactly once per dead letter.
		d.deadLetters.Add(ctx, 1)
		d.logger.Error("event dead-lettered",
			"id", rec.ID,
			"event_id", rec.EventID,
			"subject", rec.Subject,
			"retries", rec.RetryCount+1,
			"error", err)
		return
	}
	d.logger.Warn("event delivery failed, will retry",
		"id", rec.ID,
		"subject", rec.Subject,
		"attempt", rec.RetryCount+1,
		"error", err)
}

// housekeep expires stale events and recovers records stuck in processing
// after a dispatcher crash.
func (d *Dispatcher) housekeep(ctx context.Context) {
	if n, err := d.db.ExpireStaleOutbox(ctx, d.cfg.MaxEventAge); err != nil {
		d.logger.Error("outbox stale expiry failed", "error", err)
	} else if n > 0 {
		d.deadLetters.Add(ctx, n)
		d.logger.Warn("expired stale outbox events", "count", n)
	}

	if n, err := d.db.RecoverStuckOutbox(ctx, 5*time.Minute); err != nil {
		d.logger.Error("outbox stuck recovery failed", "error", err)
	} else if n > 0 {
		d.logger.Warn("recovered stuck outbox events", "count", n)
	}
}
