package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"blockjoin/internal/schema"
)

// NewTempTable creates a scratch table shaped like cols, suffixed with a
// random id so concurrent semi-join executions (materialization,
// duplicate-weedout) never collide, and returns a Handler over it.
//
// Callers are responsible for dropping the table via Drop once the semi-join
// strategy that owns it finishes (spec §4.8 "temp-table lifetime matches the
// owning JOIN_TAB range").
func NewTempTable(ctx context.Context, db *sql.DB, prefix string, cols []*schema.Column, uniqueKey []string) (*Handler, error) {
	name := prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	var colDefs []string
	for _, c := range cols {
		colDefs = append(colDefs, fmt.Sprintf("%s %s", c.Name, ddlType(c)))
	}
	if len(uniqueKey) > 0 {
		colDefs = append(colDefs, fmt.Sprintf("UNIQUE KEY sj_uniq (%s)", strings.Join(uniqueKey, ", ")))
	}

	ddl := fmt.Sprintf("CREATE TEMPORARY TABLE %s (%s)", name, strings.Join(colDefs, ", "))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("mysql: create temp table %s: %w", name, err)
	}

	table := &schema.Table{Name: name, Columns: cols}
	return New(db, table, uniqueKey...), nil
}

// Drop removes a temp table created by NewTempTable.
func Drop(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf("DROP TEMPORARY TABLE IF EXISTS %s", name))
	return err
}

func ddlType(c *schema.Column) string {
	switch c.Type {
	case schema.TypeInt:
		return "INT"
	case schema.TypeBigInt:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE"
	case schema.TypeDateTime:
		return "DATETIME"
	case schema.TypeChar:
		return fmt.Sprintf("CHAR(%d)", nonZero(c.Length, 1))
	case schema.TypeVarChar:
		return fmt.Sprintf("VARCHAR(%d)", nonZero(c.Length, 255))
	case schema.TypeText:
		return "TEXT"
	case schema.TypeBlob:
		return "BLOB"
	default:
		return "VARCHAR(255)"
	}
}

func nonZero(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
