package entitystore

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func Test_OpenIndex_Applies_Pragmas_To_Every_Connection(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	db, _, err := openIndex(ctx, filepath.Join(t.TempDir(), indexFileName))
	if err != nil {
		t.Fatalf("openIndex: %v", err)
	}
	defer func() { _ = db.Close() }()

	// Holding both forces the pool to open a second connection.
	conns := make([]*sql.Conn, 2)

	for i := range conns {
		conns[i], err = db.Conn(ctx)
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		defer func() { _ = conns[i].Close() }()
	}

	for i, conn := range conns {
		var synchronous, tempStore, busyTimeout int

		err = conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous)
		if err != nil {
			t.Fatalf("conn %d synchronous: %v", i, err)
		}

		err = conn.QueryRowContext(ctx, "PRAGMA temp_store").Scan(&tempStore)
		if err != nil {
			t.Fatalf("conn %d temp_store: %v", i, err)
		}

		err = conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout)
		if err != nil {
			t.Fatalf("conn %d busy_timeout: %v", i, err)
		}

		// synchronous FULL = 2, temp_store MEMORY = 2.
		if synchronous != 2 || tempStore != 2 || busyTimeout != sqliteBusyTimeout {
			t.Fatalf("conn %d: synchronous=%d temp_store=%d busy_timeout=%d", i, synchronous, tempStore, busyTimeout)
		}
	}
}
