package repository

import "strconv"

// dialect abstracts the small number of SQL differences between the three
// supported backends (placeholder syntax and schema type names); query text
// is otherwise shared across all three in sql_repository.go.
type dialect interface {
	name() string
	placeholder(n int) string
	schema() string
}

// sqliteDialect targets modernc.org/sqlite (pure Go, default backend).
type sqliteDialect struct{}

func (sqliteDialect) name() string             { return "sqlite" }
func (sqliteDialect) placeholder(n int) string { return "?" }
func (sqliteDialect) schema() string           { return schemaSQLite }

// postgresDialect targets jackc/pgx/v5's database/sql driver.
type postgresDialect struct{}

func (postgresDialect) name() string { return "postgresql" }
func (postgresDialect) placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
func (postgresDialect) schema() string { return schemaPostgres }

// mysqlDialect targets go-sql-driver/mysql.
type mysqlDialect struct{}

func (mysqlDialect) name() string             { return "mysql" }
func (mysqlDialect) placeholder(n int) string { return "?" }
func (mysqlDialect) schema() string           { return schemaMySQL }
