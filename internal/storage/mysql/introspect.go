// Package mysql is the storage.Handler backed by a real MySQL/MariaDB/TiDB
// connection: row scanning, MRR-style lookups, and temp-table writes for
// the duplicate-weedout and materialization strategies, plus a column
// introspecter that builds a schema.Table from information_schema (spec §6).
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"blockjoin/internal/schema"
)

// IntrospectTable builds a schema.Table for name by reading
// information_schema.columns, the way a schema-diff tool would discover a
// table's shape before comparing it; here the shape feeds the record
// layout instead of a diff.
func IntrospectTable(ctx context.Context, db *sql.DB, name string) (*schema.Table, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT
			column_name,
			column_type,
			is_nullable,
			character_set_name,
			collation_name
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position
	`, name)
	if err != nil {
		return nil, fmt.Errorf("storage/mysql: introspect %q: %w", name, err)
	}
	defer rows.Close()

	t := &schema.Table{Name: name}
	for rows.Next() {
		var colName, colType, nullable sql.NullString
		var charset, collation sql.NullString
		if err := rows.Scan(&colName, &colType, &nullable, &charset, &collation); err != nil {
			return nil, fmt.Errorf("storage/mysql: scan column of %q: %w", name, err)
		}
		typ, length := normalizeType(colType.String)
		t.Columns = append(t.Columns, &schema.Column{
			Name:      colName.String,
			Type:      typ,
			Length:    length,
			Nullable:  nullable.String == "YES",
			Collation: collation.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("storage/mysql: table %q has no columns or does not exist", name)
	}
	return t, nil
}

// normalizeType maps a MySQL column_type string (e.g. "varchar(255)",
// "int(11)", "bigint unsigned") onto a schema.Type plus declared length.
func normalizeType(colType string) (schema.Type, int) {
	base, length := splitTypeAndLength(colType)
	switch {
	case strings.HasPrefix(base, "bigint"):
		return schema.TypeBigInt, 0
	case strings.HasPrefix(base, "int"), strings.HasPrefix(base, "smallint"),
		strings.HasPrefix(base, "tinyint"), strings.HasPrefix(base, "mediumint"):
		return schema.TypeInt, 0
	case strings.HasPrefix(base, "float"), strings.HasPrefix(base, "double"),
		strings.HasPrefix(base, "decimal"):
		return schema.TypeFloat, 0
	case strings.HasPrefix(base, "datetime"), strings.HasPrefix(base, "timestamp"):
		return schema.TypeDateTime, 0
	case strings.HasPrefix(base, "char"):
		return schema.TypeChar, length
	case strings.HasPrefix(base, "varchar"):
		return schema.TypeVarChar, length
	case strings.HasPrefix(base, "text"), strings.HasPrefix(base, "mediumtext"), strings.HasPrefix(base, "longtext"):
		return schema.TypeText, 0
	case strings.HasPrefix(base, "blob"), strings.HasPrefix(base, "varbinary"), strings.HasPrefix(base, "binary"):
		return schema.TypeBlob, length
	default:
		return schema.TypeVarChar, length
	}
}

func splitTypeAndLength(colType string) (string, int) {
	open := strings.Index(colType, "(")
	if open < 0 {
		return colType, 0
	}
	close := strings.Index(colType[open:], ")")
	if close < 0 {
		return colType[:open], 0
	}
	base := colType[:open]
	inner := colType[open+1 : open+close]
	if comma := strings.Index(inner, ","); comma >= 0 {
		inner = inner[:comma]
	}
	n, err := strconv.Atoi(strings.TrimSpace(inner))
	if err != nil {
		return base, 0
	}
	return base, n
}
