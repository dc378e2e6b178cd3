package mysql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// Connect opens a MySQL/MariaDB/TiDB connection at dsn and pings it to
// confirm it is reachable before handing it back.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage/mysql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("storage/mysql: ping: %w; additionally failed to close: %w", err, closeErr)
		}
		return nil, fmt.Errorf("storage/mysql: ping: %w", err)
	}
	return db, nil
}
