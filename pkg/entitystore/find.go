package entitystore

import (
	"fmt"
	"strings"
)

// All returns every entity of entityType ordered by local id.
func (tx *Tx) All(entityType string) ([]*Entity, error) {
	return tx.queryEntities(entityType,
		"SELECT e.id, e.store_id FROM entities e WHERE e.type = ? ORDER BY e.id", entityType)
}

// Find returns entities of entityType whose property prop equals value,
// ordered by local id. prop may be [IDProperty].
func (tx *Tx) Find(entityType, prop string, value any) ([]*Entity, error) {
	if prop == IDProperty {
		id, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string, got %T", ErrUnsupportedValue, IDProperty, value)
		}

		e, found, err := tx.lookup(entityType, id)
		if err != nil || !found {
			return nil, err
		}

		return []*Entity{e}, nil
	}

	pv, err := encodeValue(value)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT e.id, e.store_id FROM entities e
		JOIN properties p ON p.entity_id = e.id
		WHERE e.type = ? AND p.name = ? AND p.kind = ? AND p.%s = ?
		ORDER BY e.id`, pv.kind.column())

	return tx.queryEntities(entityType, query, entityType, prop, pv.kind, pv.arg)
}

// FindFirst returns the first entity Find would return.
func (tx *Tx) FindFirst(entityType, prop string, value any) (*Entity, bool, error) {
	found, err := tx.Find(entityType, prop, value)
	if err != nil || len(found) == 0 {
		return nil, false, err
	}

	return found[0], true, nil
}

// FindRange returns entities whose property prop lies in [minValue, maxValue],
// ordered by value. Both bounds must have the same storage kind.
func (tx *Tx) FindRange(entityType, prop string, minValue, maxValue any) ([]*Entity, error) {
	lo, err := encodeValue(minValue)
	if err != nil {
		return nil, err
	}

	hi, err := encodeValue(maxValue)
	if err != nil {
		return nil, err
	}

	if lo.kind != hi.kind {
		return nil, fmt.Errorf("%w: range bounds %T and %T differ", ErrUnsupportedValue, minValue, maxValue)
	}

	if prop == IDProperty {
		if lo.kind != kindString {
			return nil, fmt.Errorf("%w: %s range must use strings", ErrUnsupportedValue, IDProperty)
		}

		return tx.queryEntities(entityType, `
			SELECT e.id, e.store_id FROM entities e
			WHERE e.type = ? AND e.store_id BETWEEN ? AND ?
			ORDER BY e.store_id`, entityType, lo.arg, hi.arg)
	}

	col := lo.kind.column()
	query := fmt.Sprintf(`
		SELECT e.id, e.store_id FROM entities e
		JOIN properties p ON p.entity_id = e.id
		WHERE e.type = ? AND p.name = ? AND p.kind = ? AND p.%[1]s BETWEEN ? AND ?
		ORDER BY p.%[1]s, e.id`, col)

	return tx.queryEntities(entityType, query, entityType, prop, lo.kind, lo.arg, hi.arg)
}

// FindStartingWith returns entities whose string property prop starts with
// prefix, ordered by value. Matching is case-sensitive.
func (tx *Tx) FindStartingWith(entityType, prop, prefix string) ([]*Entity, error) {
	pattern := escapeGlob(prefix) + "*"

	if prop == IDProperty {
		return tx.queryEntities(entityType, `
			SELECT e.id, e.store_id FROM entities e
			WHERE e.type = ? AND e.store_id GLOB ?
			ORDER BY e.store_id`, entityType, pattern)
	}

	return tx.queryEntities(entityType, `
		SELECT e.id, e.store_id FROM entities e
		JOIN properties p ON p.entity_id = e.id
		WHERE e.type = ? AND p.name = ? AND p.kind = ? AND p.text_value GLOB ?
		ORDER BY p.text_value, e.id`, entityType, prop, kindString, pattern)
}

// FindWithBlob returns entities of entityType that have blob name attached.
func (tx *Tx) FindWithBlob(entityType, name string) ([]*Entity, error) {
	return tx.queryEntities(entityType, `
		SELECT e.id, e.store_id FROM entities e
		JOIN blobs b ON b.entity_id = e.id
		WHERE e.type = ? AND b.name = ?
		ORDER BY e.id`, entityType, name)
}

// queryEntities runs query and materializes all rows before returning, so
// callers may issue further statements on the transaction while iterating.
func (tx *Tx) queryEntities(entityType, query string, args ...any) ([]*Entity, error) {
	if tx.done {
		return nil, ErrTxDone
	}

	rows, err := tx.sql.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, withEntity(fmt.Errorf("query: %w", err), entityType, "")
	}

	defer func() { _ = rows.Close() }()

	var out []*Entity

	for rows.Next() {
		e := &Entity{tx: tx, entityType: entityType}

		err = rows.Scan(&e.id, &e.storeID)
		if err != nil {
			return nil, withEntity(fmt.Errorf("scan: %w", err), entityType, "")
		}

		out = append(out, e)
	}

	err = rows.Err()
	if err != nil {
		return nil, withEntity(fmt.Errorf("iterate: %w", err), entityType, "")
	}

	return out, nil
}

// escapeGlob escapes GLOB metacharacters so prefix matches literally.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, "*?[") {
		return s
	}

	var b strings.Builder

	for _, r := range s {
		switch r {
		case '*', '?', '[':
			b.WriteByte('[')
			b.WriteRune(r)
			b.WriteByte(']')
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
