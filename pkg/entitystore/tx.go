package entitystore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"
)

// Tx is a transaction against a [Store].
//
// Create via [Store.View], [Store.Update], [Compute] or [ComputeReadonly].
// Blob writes and deletes are staged in the transaction, visible to its own
// reads, and applied to disk after the index commit. Staged operations for
// the same blob file are collapsed; last wins.
//
// A Tx is not safe for concurrent use.
type Tx struct {
	store    *Store
	ctx      context.Context
	sql      *sql.Tx
	readonly bool
	staged   map[string]stagedBlob // keyed by blob path relative to the project dir
	done     bool
}

type stagedBlob struct {
	data   []byte
	remove bool
}

// ReadOnly reports whether writes are rejected with [ErrReadOnly].
func (tx *Tx) ReadOnly() bool {
	return tx.readonly
}

// Commit commits the index transaction and applies staged blob files.
//
// A failure while applying blob files is returned after the index has been
// committed. Affected blobs then fail their integrity check on read and
// surface as [ErrCorruptBlob].
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}

	tx.done = true
	defer tx.release()

	err := tx.sql.Commit()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if tx.readonly {
		return nil
	}

	return tx.applyBlobs()
}

// Rollback discards the transaction. Rollback after Commit is a no-op.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}

	tx.done = true
	defer tx.release()

	err := tx.sql.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}

func (tx *Tx) release() {
	tx.store.active.Add(-1)

	if tx.readonly {
		tx.store.mu.RUnlock()
	} else {
		tx.store.mu.Unlock()
	}
}

// applyBlobs writes staged blob files in path order. Errors do not stop the
// remaining files from being applied.
func (tx *Tx) applyBlobs() error {
	if len(tx.staged) == 0 {
		return nil
	}

	paths := make([]string, 0, len(tx.staged))
	for rel := range tx.staged {
		paths = append(paths, rel)
	}

	sort.Strings(paths)

	var errs []error

	for _, rel := range paths {
		b := tx.staged[rel]
		abs := filepath.Join(tx.store.loc.ProjectDir, rel)

		if b.remove {
			err := os.Remove(abs)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove blob %s: %w", rel, err))
			}

			continue
		}

		err := os.MkdirAll(filepath.Dir(abs), 0o750)
		if err != nil {
			errs = append(errs, fmt.Errorf("create blob dir: %w", err))

			continue
		}

		err = atomic.WriteFile(abs, bytes.NewReader(b.data))
		if err != nil {
			errs = append(errs, fmt.Errorf("write blob %s: %w", rel, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("apply blobs: %w", errors.Join(errs...))
	}

	return nil
}

func (tx *Tx) checkWritable() error {
	if tx.done {
		return ErrTxDone
	}

	if tx.readonly {
		return ErrReadOnly
	}

	return nil
}

// NewEntity creates an entity. Fails if (entityType, storeID) already exists.
func (tx *Tx) NewEntity(entityType, storeID string) (*Entity, error) {
	err := tx.checkWritable()
	if err != nil {
		return nil, err
	}

	if entityType == "" {
		return nil, errors.New("entity type is empty")
	}

	res, err := tx.sql.ExecContext(tx.ctx,
		"INSERT INTO entities (type, store_id) VALUES (?, ?)", entityType, storeID)
	if err != nil {
		return nil, withEntity(fmt.Errorf("insert entity: %w", err), entityType, storeID)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, withEntity(fmt.Errorf("insert entity: %w", err), entityType, storeID)
	}

	return &Entity{tx: tx, id: id, entityType: entityType, storeID: storeID}, nil
}

// Entity returns the entity (entityType, storeID) or [ErrNotFound].
func (tx *Tx) Entity(entityType, storeID string) (*Entity, error) {
	e, ok, err := tx.lookup(entityType, storeID)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, withEntity(ErrNotFound, entityType, storeID)
	}

	return e, nil
}

func (tx *Tx) lookup(entityType, storeID string) (*Entity, bool, error) {
	if tx.done {
		return nil, false, ErrTxDone
	}

	var id int64

	err := tx.sql.QueryRowContext(tx.ctx,
		"SELECT id FROM entities WHERE type = ? AND store_id = ?", entityType, storeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, withEntity(fmt.Errorf("lookup entity: %w", err), entityType, storeID)
	}

	return &Entity{tx: tx, id: id, entityType: entityType, storeID: storeID}, true, nil
}

// EntityTypes lists the distinct entity types in the store.
func (tx *Tx) EntityTypes() ([]string, error) {
	rows, err := tx.sql.QueryContext(tx.ctx, "SELECT DISTINCT type FROM entities ORDER BY type")
	if err != nil {
		return nil, fmt.Errorf("query entity types: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var types []string

	for rows.Next() {
		var t string

		err = rows.Scan(&t)
		if err != nil {
			return nil, fmt.Errorf("scan entity type: %w", err)
		}

		types = append(types, t)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate entity types: %w", err)
	}

	return types, nil
}

// Count returns the number of entities of entityType.
func (tx *Tx) Count(entityType string) (int64, error) {
	var n int64

	err := tx.sql.QueryRowContext(tx.ctx,
		"SELECT COUNT(*) FROM entities WHERE type = ?", entityType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", entityType, err)
	}

	return n, nil
}
