package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ServiceAccount is a machine identity authenticating with an API key
// instead of an issued token. The key itself is never stored; KeyHash holds
// the argon2id digest.
type ServiceAccount struct {
	ID         uuid.UUID
	Name       string
	KeyHash    string
	Scopes     []string
	Disabled   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// InsertServiceAccount registers a machine identity.
func (db *DB) InsertServiceAccount(ctx context.Context, sa ServiceAccount) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO service_accounts (id, name, key_hash, scopes, disabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sa.ID, sa.Name, sa.KeyHash, sa.Scopes, sa.Disabled, sa.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: service account %s: %w", sa.Name, ErrDuplicateAPIName)
		}
		return fmt.Errorf("storage: insert service account: %w", err)
	}
	return nil
}

// GetServiceAccountByName fetches an enabled service account.
func (db *DB) GetServiceAccountByName(ctx context.Context, name string) (ServiceAccount, error) {
	var sa ServiceAccount
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, key_hash, scopes, disabled, created_at, last_used_at
		 FROM service_accounts WHERE name = $1 AND NOT disabled`, name,
	).Scan(&sa.ID, &sa.Name, &sa.KeyHash, &sa.Scopes, &sa.Disabled, &sa.CreatedAt, &sa.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceAccount{}, ErrNotFound
		}
		return ServiceAccount{}, fmt.Errorf("storage: get service account: %w", err)
	}
	return sa, nil
}

// TouchServiceAccount records a successful key use.
func (db *DB) TouchServiceAccount(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE service_accounts SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: touch service account: %w", err)
	}
	return nil
}

// DisableServiceAccount revokes a machine identity. Existing cached
// authentications expire with the token cache TTL.
func (db *DB) DisableServiceAccount(ctx context.Context, name string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE service_accounts SET disabled = true WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("storage: disable service account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
