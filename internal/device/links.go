package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// UpdateEntityLinks replaces an entity's links. The entity_links index is
// rewritten in the same transaction so reverse lookups never see a state
// that disagrees with the links column.
func (r *SQLiteRepository) UpdateEntityLinks(ctx context.Context, id int64, links Links) error {
	if err := ValidateLinks(links); err != nil {
		return err
	}
	if links == nil {
		links = Links{}
	}
	body, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("marshalling links: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	res, err := tx.ExecContext(ctx, `UPDATE entities SET links = ? WHERE id = ?`, string(body), id)
	if err != nil {
		return fmt.Errorf("updating links: %w", err)
	}
	if err := requireAffected(res, ErrEntityNotFound); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_links WHERE entity_id = ?`, id); err != nil {
		return fmt.Errorf("clearing link index: %w", err)
	}

	fields := make([]string, 0, len(links))
	for field := range links {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		ref := links[field]
		if ref == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_links (entity_id, sub_field, reference) VALUES (?, ?, ?)`,
			id, field, ref,
		); err != nil {
			return fmt.Errorf("indexing link %s: %w", field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing links: %w", err)
	}
	return nil
}

// ListEntitiesLinkedTo returns enabled entities with a link equal to ref.
func (r *SQLiteRepository) ListEntitiesLinkedTo(ctx context.Context, ref string) ([]Entity, error) {
	return queryEntities(ctx, r.db, `
		SELECT `+entityColumns+entityFrom+`
		WHERE e.enabled = 1
			AND e.id IN (SELECT entity_id FROM entity_links WHERE reference = ?)
		ORDER BY e.id`, ref)
}

// CountEntitiesLinkedTo counts entities still referencing ref.
func (r *SQLiteRepository) CountEntitiesLinkedTo(ctx context.Context, ref string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT entity_id) FROM entity_links WHERE reference = ?`, ref,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting links: %w", err)
	}
	return n, nil
}

// SearchLinks returns entities holding a reference that contains substr.
func (r *SQLiteRepository) SearchLinks(ctx context.Context, substr string) ([]Entity, error) {
	return queryEntities(ctx, r.db, `
		SELECT `+entityColumns+entityFrom+`
		WHERE e.id IN (
			SELECT entity_id FROM entity_links WHERE reference LIKE ? ESCAPE '\'
		)
		ORDER BY d.name, e.name`, likePattern(substr))
}
