package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgres opens a PostgreSQL connection pool via pgx's database/sql
// adapter and applies the schema.
func NewPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: opening postgres: %w", err)
	}
	return newSQL(db, postgresDialect{})
}
