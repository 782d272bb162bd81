package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ramus-io/ramus/internal/model"
)

// entitySpec is the JSONB document holding the kind-specific variant fields.
type entitySpec struct {
	Object    *model.ObjectSpec    `json:"object,omitempty"`
	Property  *model.PropertySpec  `json:"property,omitempty"`
	Link      *model.LinkSpec      `json:"link,omitempty"`
	Interface *model.InterfaceSpec `json:"interface,omitempty"`
	Action    *model.ActionSpec    `json:"action,omitempty"`
}

const entityColumns = `rid, branch, kind, api_name, display_name, status, visibility,
	version, is_system, spec, created_at, created_by, updated_at, updated_by`

// GetEntity fetches one schema entity by rid within a branch.
func (db *DB) GetEntity(ctx context.Context, branch string, rid uuid.UUID) (model.SchemaEntity, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM schema_entities WHERE branch = $1 AND rid = $2`,
		branch, rid,
	)
	return scanEntity(row)
}

// GetEntityTx is GetEntity inside an open transaction, used by the write
// discipline to read-current before a versioned write.
func (db *DB) GetEntityTx(ctx context.Context, tx pgx.Tx, branch string, rid uuid.UUID) (model.SchemaEntity, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM schema_entities WHERE branch = $1 AND rid = $2`,
		branch, rid,
	)
	return scanEntity(row)
}

// GetEntityByAPIName resolves an entity by its (branch, kind, api_name) key.
func (db *DB) GetEntityByAPIName(ctx context.Context, branch string, kind model.EntityKind, apiName string) (model.SchemaEntity, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM schema_entities WHERE branch = $1 AND kind = $2 AND api_name = $3`,
		branch, string(kind), apiName,
	)
	return scanEntity(row)
}

// ListEntities returns entities on a branch, optionally filtered by kind.
// Results are ordered by api_name for stable pagination.
func (db *DB) ListEntities(ctx context.Context, branch string, kind *model.EntityKind, limit, offset int) ([]model.SchemaEntity, error) {
	if limit <= 0 {
		limit = 500
	}
	var (
		rows pgx.Rows
		err  error
	)
	if kind != nil {
		rows, err = db.pool.Query(ctx,
			`SELECT `+entityColumns+` FROM schema_entities
			 WHERE branch = $1 AND kind = $2
			 ORDER BY api_name ASC LIMIT $3 OFFSET $4`,
			branch, string(*kind), limit, offset,
		)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT `+entityColumns+` FROM schema_entities
			 WHERE branch = $1
			 ORDER BY kind, api_name ASC LIMIT $2 OFFSET $3`,
			branch, limit, offset,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// ListAllEntitiesTx loads the full entity set of a branch inside a
// transaction. The merge engine uses this to snapshot base/source/target.
func (db *DB) ListAllEntitiesTx(ctx context.Context, tx pgx.Tx, branch string) ([]model.SchemaEntity, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+entityColumns+` FROM schema_entities WHERE branch = $1 ORDER BY rid`,
		branch,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list branch entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// PutEntityTx inserts or updates an entity with optimistic concurrency.
// For an insert expectedVersion must be nil; the row is created at version 1.
// For an update expectedVersion must match the stored version or
// ErrVersionConflict is returned. Duplicate (branch, kind, api_name) maps to
// ErrDuplicateAPIName. The mutated entity (with its new version and server
// timestamps) is returned.
func (db *DB) PutEntityTx(ctx context.Context, tx pgx.Tx, e model.SchemaEntity, expectedVersion *int64) (model.SchemaEntity, error) {
	if err := e.Validate(); err != nil {
		return model.SchemaEntity{}, err
	}

	specJSON, err := json.Marshal(entitySpec{
		Object:    e.Object,
		Property:  e.Property,
		Link:      e.Link,
		Interface: e.Interface,
		Action:    e.Action,
	})
	if err != nil {
		return model.SchemaEntity{}, fmt.Errorf("storage: marshal entity spec: %w", err)
	}

	refs := e.References()
	now := time.Now().UTC()

	if expectedVersion == nil {
		e.Version = 1
		e.CreatedAt = now
		e.UpdatedAt = now
		e.UpdatedBy = e.CreatedBy
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_entities
			     (rid, branch, kind, api_name, display_name, status, visibility,
			      version, is_system, spec, refs, created_at, created_by, updated_at, updated_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9::jsonb, $10, $11, $12, $11, $12)`,
			e.RID, e.Branch, string(e.Kind), e.APIName, e.DisplayName,
			string(e.Status), string(e.Visibility), e.System, specJSON, refs,
			now, e.CreatedBy,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return model.SchemaEntity{}, ErrDuplicateAPIName
			}
			return model.SchemaEntity{}, fmt.Errorf("storage: insert entity: %w", err)
		}
		return e, nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE schema_entities
		 SET api_name = $4, display_name = $5, status = $6, visibility = $7,
		     is_system = $8, spec = $9::jsonb, refs = $10,
		     version = version + 1, updated_at = $11, updated_by = $12
		 WHERE branch = $1 AND rid = $2 AND version = $3`,
		e.Branch, e.RID, *expectedVersion,
		e.APIName, e.DisplayName, string(e.Status), string(e.Visibility),
		e.System, specJSON, refs, now, e.UpdatedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.SchemaEntity{}, ErrDuplicateAPIName
		}
		return model.SchemaEntity{}, fmt.Errorf("storage: update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing row from stale version.
		cur, err := db.GetEntityTx(ctx, tx, e.Branch, e.RID)
		if errors.Is(err, ErrNotFound) {
			return model.SchemaEntity{}, ErrNotFound
		}
		if err != nil {
			return model.SchemaEntity{}, err
		}
		return model.SchemaEntity{}, &VersionConflictError{Current: cur.Version}
	}
	e.Version = *expectedVersion + 1
	e.UpdatedAt = now
	return e, nil
}

// DeleteEntityTx removes an entity with a version check. Deletion is
// forbidden while other entities reference the rid unless cascade is set,
// in which case referencing properties and link types are removed first.
func (db *DB) DeleteEntityTx(ctx context.Context, tx pgx.Tx, branch string, rid uuid.UUID, expectedVersion int64, cascade bool) error {
	referencing, err := db.ListReferencingTx(ctx, tx, branch, rid)
	if err != nil {
		return err
	}
	if len(referencing) > 0 {
		if !cascade {
			return fmt.Errorf("%w: %d dependents", ErrReferenced, len(referencing))
		}
		for _, dep := range referencing {
			if err := db.DeleteEntityTx(ctx, tx, branch, dep.RID, dep.Version, true); err != nil {
				return err
			}
		}
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM schema_entities WHERE branch = $1 AND rid = $2 AND version = $3`,
		branch, rid, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("storage: delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := db.GetEntityTx(ctx, tx, branch, rid)
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return &VersionConflictError{Current: cur.Version}
	}
	return nil
}

// ListReferencingTx returns entities on the branch whose reference set
// includes rid (properties owned by an object type, links touching it,
// object types implementing an interface).
func (db *DB) ListReferencingTx(ctx context.Context, tx pgx.Tx, branch string, rid uuid.UUID) ([]model.SchemaEntity, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+entityColumns+` FROM schema_entities WHERE branch = $1 AND $2 = ANY(refs)`,
		branch, rid,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list referencing: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// EntityExistsTx reports whether an entity rid exists on the branch.
func (db *DB) EntityExistsTx(ctx context.Context, tx pgx.Tx, branch string, rid uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_entities WHERE branch = $1 AND rid = $2)`,
		branch, rid,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: entity exists: %w", err)
	}
	return exists, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanEntity(row pgx.Row) (model.SchemaEntity, error) {
	var (
		e        model.SchemaEntity
		kind     string
		status   string
		vis      string
		specJSON []byte
	)
	err := row.Scan(
		&e.RID, &e.Branch, &kind, &e.APIName, &e.DisplayName, &status, &vis,
		&e.Version, &e.System, &specJSON, &e.CreatedAt, &e.CreatedBy, &e.UpdatedAt, &e.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SchemaEntity{}, ErrNotFound
		}
		return model.SchemaEntity{}, fmt.Errorf("storage: scan entity: %w", err)
	}
	e.Kind = model.EntityKind(kind)
	e.Status = model.EntityStatus(status)
	e.Visibility = model.Visibility(vis)

	var spec entitySpec
	if err := json.Unmarshal(specJSON, &spec); err != nil {
		return model.SchemaEntity{}, fmt.Errorf("storage: unmarshal entity spec: %w", err)
	}
	e.Object = spec.Object
	e.Property = spec.Property
	e.Link = spec.Link
	e.Interface = spec.Interface
	e.Action = spec.Action
	return e, nil
}

func scanEntities(rows pgx.Rows) ([]model.SchemaEntity, error) {
	var entities []model.SchemaEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
