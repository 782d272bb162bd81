package storage

import (
	"context"
	"fmt"
)

// MarkEventConsumed records that consumer processed event_id. Returns false
// when the event was already consumed, letting at-least-once consumers
// deduplicate without an extra read.
func (db *DB) MarkEventConsumed(ctx context.Context, consumer, eventID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO event_consumer_tracking (consumer, event_id, consumed_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (consumer, event_id) DO NOTHING`,
		consumer, eventID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark event consumed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeConsumedEvents trims tracking rows older than the given number of days.
func (db *DB) PurgeConsumedEvents(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM event_consumer_tracking
		 WHERE consumed_at < now() - ($1 * interval '1 day')`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("storage: purge consumed events: %w", err)
	}
	return tag.RowsAffected(), nil
}
