package entitystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// schemaVersion is stored in SQLite's user_version pragma. A store written
// with another version is treated as corrupt and recreated.
const schemaVersion = 1

const indexFileName = "index.sqlite"

// errSchemaMismatch reports an index written by an incompatible version.
var errSchemaMismatch = errors.New("schema version mismatch")

// sqliteBusyTimeout is the time SQLite waits when the database is locked.
const sqliteBusyTimeout = 10000 // milliseconds

// driverName is the sqlite3 driver that runs [connPragmas] on every new
// connection.
const driverName = "sqlite3_entitystore"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec(connPragmas, nil)
			if err != nil {
				return fmt.Errorf("apply pragmas: %w", err)
			}

			return nil
		},
	})
}

var connPragmas = fmt.Sprintf(`
	PRAGMA busy_timeout = %d;
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = FULL;
	PRAGMA cache_size = -20000;
	PRAGMA temp_store = MEMORY;
`, sqliteBusyTimeout)

// openIndex opens the SQLite index at path, verifies it and creates the
// schema on first use. Reports whether the schema was created.
func openIndex(ctx context.Context, path string) (*sql.DB, bool, error) {
	db, err := sql.Open(driverName, "file:"+path)
	if err != nil {
		return nil, false, fmt.Errorf("open sqlite: %w", err)
	}

	created, err := prepareIndex(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, false, err
	}

	return db, created, nil
}

func prepareIndex(ctx context.Context, db *sql.DB) (bool, error) {
	err := db.PingContext(ctx)
	if err != nil {
		return false, fmt.Errorf("ping sqlite: %w", err)
	}

	err = quickCheck(ctx, db)
	if err != nil {
		return false, err
	}

	version, err := storedSchemaVersion(ctx, db)
	if err != nil {
		return false, err
	}

	switch version {
	case schemaVersion:
		return false, nil
	case 0:
		err = createSchema(ctx, db)
		if err != nil {
			return false, err
		}

		return true, nil
	default:
		return false, fmt.Errorf("%w: have %d, want %d", errSchemaMismatch, version, schemaVersion)
	}
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string

	err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result)
	if err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}

	if !strings.EqualFold(result, "ok") {
		return fmt.Errorf("quick_check: %s", result)
	}

	return nil
}

func storedSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int

	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}

	return version, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			store_id TEXT NOT NULL,
			UNIQUE (type, store_id)
		)`,
		`CREATE TABLE properties (
			entity_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			kind INTEGER NOT NULL,
			text_value TEXT,
			int_value INTEGER,
			real_value REAL,
			PRIMARY KEY (entity_id, name)
		) WITHOUT ROWID`,
		`CREATE TABLE blobs (
			entity_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			size INTEGER NOT NULL,
			sum INTEGER NOT NULL,
			PRIMARY KEY (entity_id, name)
		) WITHOUT ROWID`,
		"CREATE INDEX idx_properties_text ON properties(name, text_value)",
		"CREATE INDEX idx_properties_int ON properties(name, int_value)",
		"CREATE INDEX idx_properties_real ON properties(name, real_value)",
		"CREATE INDEX idx_blobs_name ON blobs(name)",
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}

	for i, stmt := range statements {
		_, err = tx.ExecContext(ctx, stmt)
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}

	return nil
}
