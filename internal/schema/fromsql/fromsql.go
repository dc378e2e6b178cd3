// Package fromsql builds schema.Table values from CREATE TABLE text, so a
// fixture can describe a table's shape as ordinary SQL instead of a
// hand-written column list.
package fromsql

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"blockjoin/internal/schema"
)

// Parse reads one or more CREATE TABLE statements from sql and returns the
// corresponding schema.Tables, in source order.
func Parse(sql string) ([]*schema.Table, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("fromsql: parse error: %w", err)
	}

	var tables []*schema.Table
	for _, stmt := range stmtNodes {
		create, ok := stmt.(*ast.CreateTableStmt)
		if !ok {
			continue
		}
		t, err := convertCreateTable(create)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// ParseOne is Parse for a single-statement string, erroring if it does not
// contain exactly one CREATE TABLE.
func ParseOne(sql string) (*schema.Table, error) {
	tables, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	if len(tables) != 1 {
		return nil, fmt.Errorf("fromsql: expected exactly one CREATE TABLE statement, got %d", len(tables))
	}
	return tables[0], nil
}

func convertCreateTable(stmt *ast.CreateTableStmt) (*schema.Table, error) {
	table := &schema.Table{Name: stmt.Table.Name.O}

	pkCols := primaryKeyColumns(stmt.Constraints)

	for _, colDef := range stmt.Cols {
		col := &schema.Column{
			Name:     colDef.Name.Name.O,
			Type:     normalizeType(colDef.Tp.String()),
			Length:   colDef.Tp.GetFlen(),
			Nullable: true,
			Collation: colDef.Tp.GetCollate(),
		}
		for _, opt := range colDef.Options {
			switch opt.Tp {
			case ast.ColumnOptionNotNull, ast.ColumnOptionPrimaryKey:
				col.Nullable = false
			case ast.ColumnOptionNull:
				col.Nullable = true
			}
		}
		if pkCols[col.Name] {
			col.Nullable = false
		}
		if col.Length < 0 {
			col.Length = 0
		}
		table.Columns = append(table.Columns, col)
	}

	return table, nil
}

func primaryKeyColumns(constraints []*ast.Constraint) map[string]bool {
	pk := make(map[string]bool)
	for _, c := range constraints {
		if c.Tp != ast.ConstraintPrimaryKey {
			continue
		}
		for _, key := range c.Keys {
			pk[key.Column.Name.O] = true
		}
	}
	return pk
}

// normalizeType maps a TiDB-parsed column type string onto a schema.Type,
// the way a real dump-diffing tool normalizes a dialect's raw type name.
func normalizeType(raw string) schema.Type {
	base := raw
	if idx := strings.IndexAny(base, "( "); idx >= 0 {
		base = base[:idx]
	}
	base = strings.ToLower(base)

	switch {
	case strings.HasPrefix(base, "bigint"):
		return schema.TypeBigInt
	case strings.HasPrefix(base, "int"), strings.HasPrefix(base, "smallint"),
		strings.HasPrefix(base, "tinyint"), strings.HasPrefix(base, "mediumint"):
		return schema.TypeInt
	case strings.HasPrefix(base, "float"), strings.HasPrefix(base, "double"), strings.HasPrefix(base, "decimal"):
		return schema.TypeFloat
	case strings.HasPrefix(base, "datetime"), strings.HasPrefix(base, "timestamp"):
		return schema.TypeDateTime
	case strings.HasPrefix(base, "char"):
		return schema.TypeChar
	case strings.HasPrefix(base, "varchar"):
		return schema.TypeVarChar
	case strings.HasPrefix(base, "text"):
		return schema.TypeText
	case strings.HasPrefix(base, "blob"), strings.HasPrefix(base, "binary"), strings.HasPrefix(base, "varbinary"):
		return schema.TypeBlob
	default:
		return schema.TypeVarChar
	}
}
