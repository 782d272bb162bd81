package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// OutboxChannel is the NOTIFY channel pinged after outbox inserts so the
// dispatcher wakes immediately instead of waiting out its poll interval.
const OutboxChannel = "ramus_outbox"

// NotifyOutboxTx sends a NOTIFY on the outbox channel inside the inserting
// transaction. Delivery happens at commit, so listeners never see a wakeup
// for a rolled-back insert.
func (db *DB) NotifyOutboxTx(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '')`, OutboxChannel); err != nil {
		return fmt.Errorf("storage: notify outbox: %w", err)
	}
	return nil
}

// WaitForNotification blocks on the dedicated notify connection until a
// notification arrives or ctx expires. Callers must have checked
// HasNotifyConn; without the connection this returns an error immediately.
func (db *DB) WaitForNotification(ctx context.Context) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: no notify connection configured")
	}
	if _, err := db.notifyConn.WaitForNotification(ctx); err != nil {
		return fmt.Errorf("storage: wait for notification: %w", err)
	}
	return nil
}

// Listen subscribes the dedicated connection to the outbox channel.
func (db *DB) Listen(ctx context.Context) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: no notify connection configured")
	}
	if _, err := db.notifyConn.Exec(ctx, `LISTEN `+OutboxChannel); err != nil {
		return fmt.Errorf("storage: listen %s: %w", OutboxChannel, err)
	}
	return nil
}
