package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const entityColumns = `
	e.id, e.device_id, d.name, e.unique_id, e.entity_key, e.name, e.entity_type,
	e.device_class, e.unit_of_measurement, e.icon, e.accuracy_decimals,
	e.state, e.links, e.enabled, e.discovered_at, e.last_updated`

const entityFrom = ` FROM entities e JOIN devices d ON d.id = e.device_id`

// ListEntities retrieves a device's entities ordered by name.
func (r *SQLiteRepository) ListEntities(ctx context.Context, deviceID int64) ([]Entity, error) {
	return queryEntities(ctx, r.db,
		`SELECT `+entityColumns+entityFrom+` WHERE e.device_id = ? ORDER BY e.name, e.id`, deviceID)
}

// GetEntity retrieves an entity by row ID.
func (r *SQLiteRepository) GetEntity(ctx context.Context, id int64) (*Entity, error) {
	return getEntity(ctx, r.db, `SELECT `+entityColumns+entityFrom+` WHERE e.id = ?`, id)
}

// GetEntityByKey retrieves the entity a session key currently points at.
// Keys are volatile: when a stale row still carries the key, the one seen
// most recently by reconciliation wins.
func (r *SQLiteRepository) GetEntityByKey(ctx context.Context, deviceID int64, key uint32) (*Entity, error) {
	return getEntity(ctx, r.db, `
		SELECT `+entityColumns+entityFrom+`
		WHERE e.device_id = ? AND e.entity_key = ? AND e.entity_type != ?
		ORDER BY e.seen_at DESC, e.id DESC
		LIMIT 1`, deviceID, int64(key), string(EntityTypeExternal))
}

// GetEntityByUniqueID retrieves an entity by its durable identity.
func (r *SQLiteRepository) GetEntityByUniqueID(ctx context.Context, deviceID int64, uniqueID string) (*Entity, error) {
	return getEntity(ctx, r.db,
		`SELECT `+entityColumns+entityFrom+` WHERE e.device_id = ? AND e.unique_id = ?`,
		deviceID, uniqueID)
}

// EnsureEntity creates the entity on first sight.
func (r *SQLiteRepository) EnsureEntity(ctx context.Context, deviceID int64, d Discovered) (*Entity, bool, error) {
	if d.UniqueID == "" {
		return nil, false, fmt.Errorf("%w: empty unique id", ErrValidation)
	}
	if err := ValidateEntityType(d.Type); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE device_id = ? AND unique_id = ?`,
		deviceID, d.UniqueID).Scan(&id)
	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if id, err = insertEntity(ctx, tx, deviceID, d, time.Now()); err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("looking up entity: %w", err)
	}

	e, err := getEntity(ctx, tx, `SELECT `+entityColumns+entityFrom+` WHERE e.id = ?`, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing entity: %w", err)
	}
	return e, created, nil
}

// ReplaceEntityState swaps the stored state and returns the old one.
func (r *SQLiteRepository) ReplaceEntityState(ctx context.Context, id int64, state State) (State, error) {
	newJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshalling state: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var oldJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT state FROM entities WHERE id = ?`, id).Scan(&oldJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("reading entity state: %w", err)
	}
	old, err := decodeState(oldJSON)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET state = ?, last_updated = ? WHERE id = ?`,
		string(newJSON), formatTime(time.Now()), id,
	); err != nil {
		return nil, fmt.Errorf("updating entity state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing entity state: %w", err)
	}
	return old, nil
}

// SetEntityEnabled toggles whether an entity takes part in reverse links.
func (r *SQLiteRepository) SetEntityEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE entities SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("updating entity: %w", err)
	}
	return requireAffected(res, ErrEntityNotFound)
}

// SearchEntities matches substr against entity names and unique IDs.
func (r *SQLiteRepository) SearchEntities(ctx context.Context, substr string) ([]Entity, error) {
	pattern := likePattern(substr)
	return queryEntities(ctx, r.db, `
		SELECT `+entityColumns+entityFrom+`
		WHERE e.name LIKE ? ESCAPE '\' OR e.unique_id LIKE ? ESCAPE '\'
		ORDER BY d.name, e.name`, pattern, pattern)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEntity(ctx context.Context, q querier, deviceID int64, d Discovered, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO entities (
			device_id, unique_id, entity_key, name, entity_type,
			device_class, unit_of_measurement, icon, accuracy_decimals,
			links, enabled, discovered_at, seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '{}', 1, ?, ?)`,
		deviceID,
		d.UniqueID,
		int64(d.Key),
		d.Name,
		string(d.Type),
		nullableString(d.DeviceClass),
		nullableString(d.Unit),
		nullableString(d.Icon),
		nullableInt(d.AccuracyDecimals),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting entity %s: %w", d.UniqueID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading entity id: %w", err)
	}
	return id, nil
}

func getEntity(ctx context.Context, q querier, query string, args ...any) (*Entity, error) {
	e, err := scanEntityRow(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("querying entity: %w", err)
	}
	return e, nil
}

func queryEntities(ctx context.Context, q querier, query string, args ...any) ([]Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

func scanEntityRow(scanner rowScanner) (*Entity, error) {
	var e Entity
	var (
		key                     int64
		entityType              string
		deviceClass, unit, icon sql.NullString
		accuracy                sql.NullInt64
		stateJSON               sql.NullString
		linksJSON               string
		enabled                 int
		discoveredAt            string
		lastUpdated             sql.NullString
	)

	err := scanner.Scan(
		&e.ID,
		&e.DeviceID,
		&e.DeviceName,
		&e.UniqueID,
		&key,
		&e.Name,
		&entityType,
		&deviceClass,
		&unit,
		&icon,
		&accuracy,
		&stateJSON,
		&linksJSON,
		&enabled,
		&discoveredAt,
		&lastUpdated,
	)
	if err != nil {
		return nil, err
	}

	e.Key = uint32(key) //nolint:gosec // stored from a uint32
	e.Type = EntityType(entityType)
	e.DeviceClass = deviceClass.String
	e.Unit = unit.String
	e.Icon = icon.String
	if accuracy.Valid {
		n := int(accuracy.Int64)
		e.AccuracyDecimals = &n
	}
	e.Enabled = enabled != 0
	e.LastUpdated = parseNullableTime(lastUpdated)

	if e.DiscoveredAt, err = time.Parse(time.RFC3339, discoveredAt); err != nil {
		return nil, fmt.Errorf("parsing discovered_at: %w", err)
	}
	if e.State, err = decodeState(stateJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(linksJSON), &e.Links); err != nil {
		return nil, fmt.Errorf("unmarshalling links: %w", err)
	}
	if e.Links == nil {
		e.Links = Links{}
	}
	return &e, nil
}

func decodeState(s sql.NullString) (State, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	var st State
	if err := json.Unmarshal([]byte(s.String), &st); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}
	return st, nil
}

func nullableInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
