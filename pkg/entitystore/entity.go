package entitystore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Entity is a handle to a stored entity, valid only inside the [Tx] that
// produced it.
type Entity struct {
	tx         *Tx
	id         int64
	entityType string
	storeID    string
}

// ID returns the local id assigned by the store.
func (e *Entity) ID() int64 { return e.id }

// Type returns the entity type.
func (e *Entity) Type() string { return e.entityType }

// StoreID returns the caller-chosen identity within the entity type.
func (e *Entity) StoreID() string { return e.storeID }

func (e *Entity) wrap(err error) error {
	return withEntity(err, e.entityType, e.storeID)
}

// Property returns the value of property name. The [IDProperty] resolves to
// the store id.
func (e *Entity) Property(name string) (any, bool, error) {
	if name == IDProperty {
		return e.storeID, true, nil
	}

	var (
		kind valueKind
		text sql.NullString
		i    sql.NullInt64
		f    sql.NullFloat64
	)

	err := e.tx.sql.QueryRowContext(e.tx.ctx,
		"SELECT kind, text_value, int_value, real_value FROM properties WHERE entity_id = ? AND name = ?",
		e.id, name).Scan(&kind, &text, &i, &f)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, e.wrap(fmt.Errorf("read property %s: %w", name, err))
	}

	v, err := decodeValue(kind, text, i, f)
	if err != nil {
		return nil, false, e.wrap(err)
	}

	return v, true, nil
}

// StringProperty returns property name if it exists and is a string.
func (e *Entity) StringProperty(name string) (string, bool) {
	v, ok, err := e.Property(name)
	if err != nil || !ok {
		return "", false
	}

	s, ok := v.(string)

	return s, ok
}

// Properties returns all properties, excluding [IDProperty].
func (e *Entity) Properties() (map[string]any, error) {
	rows, err := e.tx.sql.QueryContext(e.tx.ctx,
		"SELECT name, kind, text_value, int_value, real_value FROM properties WHERE entity_id = ?", e.id)
	if err != nil {
		return nil, e.wrap(fmt.Errorf("read properties: %w", err))
	}

	defer func() { _ = rows.Close() }()

	props := make(map[string]any)

	for rows.Next() {
		var (
			name string
			kind valueKind
			text sql.NullString
			i    sql.NullInt64
			f    sql.NullFloat64
		)

		err = rows.Scan(&name, &kind, &text, &i, &f)
		if err != nil {
			return nil, e.wrap(fmt.Errorf("scan property: %w", err))
		}

		v, decErr := decodeValue(kind, text, i, f)
		if decErr != nil {
			return nil, e.wrap(decErr)
		}

		props[name] = v
	}

	err = rows.Err()
	if err != nil {
		return nil, e.wrap(fmt.Errorf("iterate properties: %w", err))
	}

	return props, nil
}

// SetProperty sets property name. See encodeValue for supported types.
func (e *Entity) SetProperty(name string, value any) error {
	err := e.tx.checkWritable()
	if err != nil {
		return e.wrap(err)
	}

	if name == "" || name == IDProperty {
		return e.wrap(fmt.Errorf("invalid property name %q", name))
	}

	pv, err := encodeValue(value)
	if err != nil {
		return e.wrap(fmt.Errorf("property %s: %w", name, err))
	}

	var text, i, f any

	switch pv.kind.column() {
	case "text_value":
		text = pv.arg
	case "real_value":
		f = pv.arg
	default:
		i = pv.arg
	}

	_, err = e.tx.sql.ExecContext(e.tx.ctx, `
		INSERT INTO properties (entity_id, name, kind, text_value, int_value, real_value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, name) DO UPDATE SET
			kind = excluded.kind,
			text_value = excluded.text_value,
			int_value = excluded.int_value,
			real_value = excluded.real_value`,
		e.id, name, pv.kind, text, i, f)
	if err != nil {
		return e.wrap(fmt.Errorf("set property %s: %w", name, err))
	}

	return nil
}

// DeleteProperty removes property name. Missing properties are ignored.
func (e *Entity) DeleteProperty(name string) error {
	err := e.tx.checkWritable()
	if err != nil {
		return e.wrap(err)
	}

	_, err = e.tx.sql.ExecContext(e.tx.ctx,
		"DELETE FROM properties WHERE entity_id = ? AND name = ?", e.id, name)
	if err != nil {
		return e.wrap(fmt.Errorf("delete property %s: %w", name, err))
	}

	return nil
}

// BlobNames lists the blobs attached to the entity.
func (e *Entity) BlobNames() ([]string, error) {
	rows, err := e.tx.sql.QueryContext(e.tx.ctx,
		"SELECT name FROM blobs WHERE entity_id = ? ORDER BY name", e.id)
	if err != nil {
		return nil, e.wrap(fmt.Errorf("list blobs: %w", err))
	}

	defer func() { _ = rows.Close() }()

	var names []string

	for rows.Next() {
		var name string

		err = rows.Scan(&name)
		if err != nil {
			return nil, e.wrap(fmt.Errorf("scan blob name: %w", err))
		}

		names = append(names, name)
	}

	err = rows.Err()
	if err != nil {
		return nil, e.wrap(fmt.Errorf("iterate blobs: %w", err))
	}

	return names, nil
}

// HasBlob reports whether blob name is attached.
func (e *Entity) HasBlob(name string) (bool, error) {
	var n int

	err := e.tx.sql.QueryRowContext(e.tx.ctx,
		"SELECT COUNT(*) FROM blobs WHERE entity_id = ? AND name = ?", e.id, name).Scan(&n)
	if err != nil {
		return false, e.wrap(fmt.Errorf("check blob %s: %w", name, err))
	}

	return n > 0, nil
}

// Blob returns the content of blob name.
//
// Returns [ErrNotFound] if no such blob is attached, and [ErrCorruptBlob]
// if the file is missing or does not match the recorded size and checksum.
func (e *Entity) Blob(name string) ([]byte, error) {
	rel := blobRelPath(e.entityType, e.storeID, name)

	if staged, ok := e.tx.staged[rel]; ok {
		if staged.remove {
			return nil, e.wrap(ErrNotFound)
		}

		return append([]byte(nil), staged.data...), nil
	}

	var (
		path string
		size int64
		sum  int64
	)

	err := e.tx.sql.QueryRowContext(e.tx.ctx,
		"SELECT path, size, sum FROM blobs WHERE entity_id = ? AND name = ?", e.id, name).Scan(&path, &size, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, e.wrap(ErrNotFound)
	}

	if err != nil {
		return nil, e.wrap(fmt.Errorf("read blob row %s: %w", name, err))
	}

	data, err := os.ReadFile(filepath.Join(e.tx.store.loc.ProjectDir, path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, e.wrap(fmt.Errorf("%w: blob %s: file missing", ErrCorruptBlob, name))
		}

		return nil, e.wrap(fmt.Errorf("read blob %s: %w", name, err))
	}

	if int64(len(data)) != size || int64(xxhash.Sum64(data)) != sum {
		return nil, e.wrap(fmt.Errorf("%w: blob %s: checksum mismatch", ErrCorruptBlob, name))
	}

	return data, nil
}

// SetBlob attaches data as blob name, replacing any previous content. The
// file is written when the transaction commits.
func (e *Entity) SetBlob(name string, data []byte) error {
	err := e.tx.checkWritable()
	if err != nil {
		return e.wrap(err)
	}

	if name == "" {
		return e.wrap(errors.New("blob name is empty"))
	}

	rel := blobRelPath(e.entityType, e.storeID, name)

	_, err = e.tx.sql.ExecContext(e.tx.ctx, `
		INSERT INTO blobs (entity_id, name, path, size, sum) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, name) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			sum = excluded.sum`,
		e.id, name, rel, int64(len(data)), int64(xxhash.Sum64(data)))
	if err != nil {
		return e.wrap(fmt.Errorf("set blob %s: %w", name, err))
	}

	e.tx.staged[rel] = stagedBlob{data: append([]byte(nil), data...)}

	return nil
}

// DeleteBlob detaches blob name. Reports whether it was attached.
func (e *Entity) DeleteBlob(name string) (bool, error) {
	err := e.tx.checkWritable()
	if err != nil {
		return false, e.wrap(err)
	}

	res, err := e.tx.sql.ExecContext(e.tx.ctx,
		"DELETE FROM blobs WHERE entity_id = ? AND name = ?", e.id, name)
	if err != nil {
		return false, e.wrap(fmt.Errorf("delete blob %s: %w", name, err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, e.wrap(fmt.Errorf("delete blob %s: %w", name, err))
	}

	if n == 0 {
		return false, nil
	}

	e.tx.staged[blobRelPath(e.entityType, e.storeID, name)] = stagedBlob{remove: true}

	return true, nil
}

// Delete removes the entity with all of its properties and blobs.
func (e *Entity) Delete() error {
	err := e.tx.checkWritable()
	if err != nil {
		return e.wrap(err)
	}

	names, err := e.BlobNames()
	if err != nil {
		return err
	}

	for _, stmt := range []string{
		"DELETE FROM blobs WHERE entity_id = ?",
		"DELETE FROM properties WHERE entity_id = ?",
		"DELETE FROM entities WHERE id = ?",
	} {
		_, err = e.tx.sql.ExecContext(e.tx.ctx, stmt, e.id)
		if err != nil {
			return e.wrap(fmt.Errorf("delete entity: %w", err))
		}
	}

	for _, name := range names {
		e.tx.staged[blobRelPath(e.entityType, e.storeID, name)] = stagedBlob{remove: true}
	}

	return nil
}

// blobRelPath is "<lower(type)>/<hash16(storeID)>[.<blob>].dat" relative to
// the project directory. The default blob has no name segment.
func blobRelPath(entityType, storeID, name string) string {
	file := hash16(storeID)
	if name != SerializeKey {
		file += "." + sanitizeName(name)
	}

	return filepath.Join(strings.ToLower(sanitizeName(entityType)), file+".dat")
}
