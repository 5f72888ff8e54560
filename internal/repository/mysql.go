package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// NewMySQL opens a MySQL/MariaDB connection pool and applies the schema.
// dsn must use the go-sql-driver/mysql DSN form, e.g.
// "user:pass@tcp(host:3306)/dbname?parseTime=false".
func NewMySQL(dsn string) (*SQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: opening mysql: %w", err)
	}
	return newSQL(db, mysqlDialect{})
}
