// Package schema describes the tables and columns that participate in a
// join: the read-only shape the record layout, storage handlers, and
// fixtures all build on. It carries no DDL or dialect-specific options;
// those belong to a schema-management tool, not to a join executor.
package schema

import "fmt"

// Type classifies a column's storage representation. It drives
// record.Classify's choice of FieldCopy variant.
type Type string

const (
	TypeInt      Type = "int"
	TypeBigInt   Type = "bigint"
	TypeFloat    Type = "float"
	TypeChar     Type = "char"    // fixed-length, space-padded
	TypeVarChar  Type = "varchar" // variable-length string (1-byte length up to 255, else 2-byte)
	TypeText     Type = "text"    // long variable-length string (2-byte length)
	TypeBlob     Type = "blob"
	TypeDateTime Type = "datetime"
)

// FixedWidth reports the number of bytes a value of this type occupies
// when it is not variable-length, or 0 if the type is inherently
// variable-length (VarChar/Text/Blob use Column.Length / a runtime length
// prefix instead).
func (t Type) FixedWidth() int {
	switch t {
	case TypeInt:
		return 4
	case TypeBigInt:
		return 8
	case TypeFloat:
		return 8
	case TypeDateTime:
		return 8
	case TypeChar:
		return 0 // caller must consult Column.Length
	default:
		return 0
	}
}

// Column describes one column of a table as the join buffer needs to know
// it: enough to classify its FieldCopy variant and to size it.
type Column struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Length   int    `json:"length,omitempty"` // for Char/VarChar: declared length in bytes
	Nullable bool   `json:"nullable,omitempty"`
	// Collation names the comparison semantics for VarChar/Text columns, used
	// by the hashed buffer's key equality (§4.3 "complex" comparison).
	Collation string `json:"collation,omitempty"`
}

// IsVariableLength reports whether values of this column are copied with a
// length prefix rather than at a fixed width.
func (c *Column) IsVariableLength() bool {
	switch c.Type {
	case TypeVarChar, TypeText, TypeBlob:
		return true
	default:
		return false
	}
}

// Table describes one table participating in a join.
type Table struct {
	Name    string    `json:"name"`
	Columns []*Column `json:"columns"`
	// Outer marks this table as the inner side of an outer join, so the
	// record layout reserves a null-row flag byte for it (spec §3 "buffered
	// record layout", item 4).
	Outer bool `json:"outer,omitempty"`
}

// Column looks up a column by name, or returns nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Validate checks that a table is well-formed enough to build a record
// layout from: it has a name, at least one column, and no duplicate or
// empty column names.
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %q has no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %q has a column with an empty name", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %q has duplicate column name %q", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Row is one concrete row of values keyed by column name, as handed to
// buffer.Append by the driving side. A nil entry, or a missing key for a
// nullable column, means the value is null.
type Row map[string]any
