// Package record implements C1 RecordLayout: it describes how one record
// built from a set of joined tables is packed into a join buffer's byte
// arena: flag fields, fixed fields, variable-length fields, blob headers,
// and the trailing referenced-field offset table (spec §3, §4.1).
package record

import (
	"fmt"

	"blockjoin/internal/schema"
)

// Variant tags how a single FieldCopy is packed into a record.
type Variant int

const (
	// Fixed is a fixed-width value copied verbatim (ints, floats, dates).
	Fixed Variant = iota
	// VarStr1 is a variable-length string with a 1-byte length prefix
	// (declared length <= 255).
	VarStr1
	// VarStr2 is a variable-length string with a 2-byte length prefix.
	VarStr2
	// StrippedString is a fixed-width CHAR column whose trailing spaces are
	// stripped before copy and re-padded on materialize.
	StrippedString
	// Blob is always copied into the record as (length, bytes); no record
	// keeps a pointer to the source row's blob.
	Blob
)

func (v Variant) String() string {
	switch v {
	case Fixed:
		return "FIXED"
	case VarStr1:
		return "VARSTR1"
	case VarStr2:
		return "VARSTR2"
	case StrippedString:
		return "STRIPPED_STRING"
	case Blob:
		return "BLOB"
	default:
		return "UNKNOWN"
	}
}

// FieldCopy describes one field copied into and out of a buffered record.
type FieldCopy struct {
	Table   string // owning table name, for null-bitmap / null-row lookups
	Name    string // column name
	Variant Variant
	Length  int  // declared length for fixed/char/short-varchar fields
	Width   int  // fixed byte width for Variant == Fixed, from schema.Type.FixedWidth()
	Null    bool // whether the source column is nullable

	// Collation names the comparison semantics for VarChar/Text fields
	// (schema.Column.Collation), consulted by the hashed buffer's key
	// equality check instead of a raw byte compare (spec §4.3).
	Collation string

	// ReferencedFieldNo is 1-based; 0 means "not referenced by a downstream
	// buffer". Assigned by Build when a later buffer's join key reaches back
	// into this one.
	ReferencedFieldNo int

	// TableIndex is this field's index into Layout.Tables.
	TableIndex int
	// NullBitIndex is this field's bit position within its table's null
	// bitmap, or -1 if the column is not nullable (no bit is reserved).
	NullBitIndex int
}

// TableSlot is the per-table flag-field block: an optional null bitmap
// (present if any of the table's used columns are nullable) and an optional
// null-row flag byte (present if the table is outer-joined).
type TableSlot struct {
	Table           string
	NullBitmapBytes int // 0 if no nullable column from this table is used
	HasNullRowFlag  bool
}

// Layout is the precomputed shape of every record written to one buffer.
type Layout struct {
	HasMatchFlag bool
	Tables       []TableSlot
	Fields       []*FieldCopy

	// CarryLengthPrefix is turned on the first time any field of this
	// buffer is referenced by a downstream buffer's join key (spec §4.1).
	CarryLengthPrefix bool
	// ReferencedFieldCount is the number of trailing offset-table entries.
	ReferencedFieldCount int

	// PackLength is the maximum fixed-part size of a record (flags + fixed
	// fields + variable-length-field length prefixes, excluding variable
	// payload bytes and the offset table).
	PackLength int
	// PackLengthWithBlobPtrs is PackLength plus the size blob descriptors
	// need when stored as (length, pointer) instead of (length, bytes).
	PackLengthWithBlobPtrs int
}

// String summarizes a layout's shape for CLI/debug output, the way
// core.Table.String reports a row/column count instead of the full schema.
func (l *Layout) String() string {
	return fmt.Sprintf("Layout: %d tables, %d fields, %d bytes/record (match flag: %v)",
		len(l.Tables), len(l.Fields), l.PackLength, l.HasMatchFlag)
}

// Build emits, in order: the match flag (if needsMatchFlag), one TableSlot
// per table (null bitmap then null-row flag), then one FieldCopy per needed
// column in the order given by neededColumns[table.Name].
//
// tables must be supplied in buffer order (earliest-joined first); neededColumns
// maps a table name to the ordered list of its column names this buffer must
// carry.
func Build(tables []*schema.Table, neededColumns map[string][]string, needsMatchFlag bool) (*Layout, error) {
	l := &Layout{HasMatchFlag: needsMatchFlag}
	if needsMatchFlag {
		l.PackLength++ // match flag byte
	}

	for _, t := range tables {
		names := neededColumns[t.Name]
		nullable := 0
		for _, n := range names {
			col := t.Column(n)
			if col == nil {
				return nil, fmt.Errorf("record: table %q has no column %q", t.Name, n)
			}
			if col.Nullable {
				nullable++
			}
		}
		slot := TableSlot{Table: t.Name, HasNullRowFlag: t.Outer}
		if nullable > 0 {
			slot.NullBitmapBytes = (nullable + 7) / 8
		}
		l.Tables = append(l.Tables, slot)
		l.PackLength += slot.NullBitmapBytes
		if slot.HasNullRowFlag {
			l.PackLength++
		}
	}

	for ti, t := range tables {
		nullBit := 0
		for _, n := range neededColumns[t.Name] {
			col := t.Column(n)
			fc := &FieldCopy{
				Table:        t.Name,
				Name:         n,
				Variant:      Classify(col),
				Length:       col.Length,
				Width:        col.Type.FixedWidth(),
				Null:         col.Nullable,
				Collation:    col.Collation,
				TableIndex:   ti,
				NullBitIndex: -1,
			}
			if col.Nullable {
				fc.NullBitIndex = nullBit
				nullBit++
			}
			l.Fields = append(l.Fields, fc)
			l.PackLength += fixedPartSize(fc)
		}
	}
	l.PackLengthWithBlobPtrs = l.PackLength
	for _, fc := range l.Fields {
		if fc.Variant == Blob {
			l.PackLengthWithBlobPtrs += pointerSize
		}
	}
	return l, nil
}

// pointerSize is the size in bytes counted per blob field by
// PackLengthWithBlobPtrs; the buffer itself always copies blob bytes.
const pointerSize = 8

// fixedPartSize returns how many bytes of the record's fixed part fc
// occupies, not counting variable payload bytes.
func fixedPartSize(fc *FieldCopy) int {
	switch fc.Variant {
	case VarStr1:
		return 1 // 1-byte length prefix; payload is variable
	case VarStr2:
		return 2 // 2-byte length prefix; payload is variable
	case Blob:
		return 4 // 4-byte length; payload is variable (or a pointer, see above)
	case StrippedString:
		if fc.Length > 0 {
			return fc.Length
		}
		return 8
	case Fixed:
		if fc.Width > 0 {
			return fc.Width
		}
		return 8 // conservative default for untyped fixed fields
	default:
		return fc.Length
	}
}

// MarkReferenced assigns field the given 1-based referenced_field_no and
// turns on CarryLengthPrefix for this layout. Used by a downstream buffer's
// key-argument construction (spec §4.1, item 2).
func (l *Layout) MarkReferenced(field *FieldCopy) int {
	if field.ReferencedFieldNo != 0 {
		return field.ReferencedFieldNo
	}
	l.ReferencedFieldCount++
	field.ReferencedFieldNo = l.ReferencedFieldCount
	l.CarryLengthPrefix = true
	return field.ReferencedFieldNo
}

// Classify maps a column to its FieldCopy variant.
func Classify(col *schema.Column) Variant {
	switch col.Type {
	case schema.TypeVarChar:
		if col.Length <= 255 {
			return VarStr1
		}
		return VarStr2
	case schema.TypeText:
		return VarStr2
	case schema.TypeBlob:
		return Blob
	case schema.TypeChar:
		return StrippedString
	default:
		return Fixed
	}
}

// WidthFor returns the smallest width in {1,2,3,4} bytes whose maximum
// representable unsigned value covers capacity. It is shared by the buffer
// package for record-length prefixes, back-reference offsets, referenced-
// field offsets, and hash-link offsets (spec §3 Invariants, §9).
func WidthFor(capacity int) int {
	for _, w := range []int{1, 2, 3, 4} {
		if capacity <= maxForWidth(w) {
			return w
		}
	}
	return 4
}

func maxForWidth(w int) int {
	switch w {
	case 1:
		return 1<<8 - 1
	case 2:
		return 1<<16 - 1
	case 3:
		return 1<<24 - 1
	default:
		return 1<<31 - 1
	}
}
