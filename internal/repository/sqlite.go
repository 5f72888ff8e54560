package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLite opens (creating if absent) a pure-Go SQLite database at path and
// applies the schema. This is the default backend when DB_TYPE is unset.
func NewSQLite(path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("repository: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under concurrent load
	return newSQL(db, sqliteDialect{})
}
