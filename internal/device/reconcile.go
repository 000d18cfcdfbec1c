package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type storedDescriptor struct {
	id       int64
	key      uint32
	name     string
	typ      EntityType
	class    string
	unit     string
	icon     string
	accuracy *int
}

func (s storedDescriptor) matches(d Discovered) bool {
	return s.key == d.Key &&
		s.name == d.Name &&
		s.typ == d.Type &&
		s.class == d.DeviceClass &&
		s.unit == d.Unit &&
		s.icon == d.Icon &&
		equalIntPtr(s.accuracy, d.AccuracyDecimals)
}

// ReconcileEntities merges a live enumeration into the store in one
// transaction, matching on unique ID.
//
// Entities present on both sides get their descriptive columns and key
// refreshed; links and the enabled flag are never touched. Entities only
// seen live are inserted with empty links. Persisted entities missing from
// the enumeration are left alone.
func (r *SQLiteRepository) ReconcileEntities(ctx context.Context, deviceID int64, live []Discovered) (ReconcileResult, error) {
	var result ReconcileResult

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stored, err := loadDescriptors(ctx, tx, deviceID)
	if err != nil {
		return result, err
	}

	now := time.Now()
	seen := make(map[string]struct{}, len(live))
	for _, d := range live {
		if d.UniqueID == "" {
			continue
		}
		if _, dup := seen[d.UniqueID]; dup {
			continue
		}
		seen[d.UniqueID] = struct{}{}
		if ValidateEntityType(d.Type) != nil {
			continue
		}

		s, ok := stored[d.UniqueID]
		switch {
		case !ok:
			if _, err := insertEntity(ctx, tx, deviceID, d, now); err != nil {
				return ReconcileResult{}, err
			}
			result.Added++
		case s.matches(d):
			if _, err := tx.ExecContext(ctx,
				`UPDATE entities SET seen_at = ? WHERE id = ?`, formatTime(now), s.id); err != nil {
				return ReconcileResult{}, fmt.Errorf("marking entity seen: %w", err)
			}
			result.Unchanged++
		default:
			if err := updateDescriptor(ctx, tx, s.id, d, now); err != nil {
				return ReconcileResult{}, err
			}
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return ReconcileResult{}, fmt.Errorf("committing reconciliation: %w", err)
	}
	return result, nil
}

func loadDescriptors(ctx context.Context, q querier, deviceID int64) (map[string]storedDescriptor, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, unique_id, entity_key, name, entity_type,
			device_class, unit_of_measurement, icon, accuracy_decimals
		FROM entities WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]storedDescriptor)
	for rows.Next() {
		var (
			s                 storedDescriptor
			uid, typ          string
			key               int64
			class, unit, icon sql.NullString
			accuracy          sql.NullInt64
		)
		if err := rows.Scan(&s.id, &uid, &key, &s.name, &typ, &class, &unit, &icon, &accuracy); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		s.key = uint32(key) //nolint:gosec // stored from a uint32
		s.typ = EntityType(typ)
		s.class, s.unit, s.icon = class.String, unit.String, icon.String
		if accuracy.Valid {
			n := int(accuracy.Int64)
			s.accuracy = &n
		}
		out[uid] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return out, nil
}

func updateDescriptor(ctx context.Context, q querier, id int64, d Discovered, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE entities SET
			entity_key = ?, name = ?, entity_type = ?, device_class = ?,
			unit_of_measurement = ?, icon = ?, accuracy_decimals = ?, seen_at = ?
		WHERE id = ?`,
		int64(d.Key),
		d.Name,
		string(d.Type),
		nullableString(d.DeviceClass),
		nullableString(d.Unit),
		nullableString(d.Icon),
		nullableInt(d.AccuracyDecimals),
		formatTime(now),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating entity %s: %w", d.UniqueID, err)
	}
	return nil
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
