package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockjoin/internal/schema"
)

func tbl(name string, outer bool, cols ...*schema.Column) *schema.Table {
	return &schema.Table{Name: name, Outer: outer, Columns: cols}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Fixed, Classify(&schema.Column{Type: schema.TypeInt}))
	assert.Equal(t, VarStr1, Classify(&schema.Column{Type: schema.TypeVarChar, Length: 32}))
	assert.Equal(t, VarStr2, Classify(&schema.Column{Type: schema.TypeVarChar, Length: 1000}))
	assert.Equal(t, VarStr2, Classify(&schema.Column{Type: schema.TypeText}))
	assert.Equal(t, Blob, Classify(&schema.Column{Type: schema.TypeBlob}))
	assert.Equal(t, StrippedString, Classify(&schema.Column{Type: schema.TypeChar, Length: 10}))
}

func TestBuildUnknownColumn(t *testing.T) {
	t1 := tbl("t1", false, &schema.Column{Name: "a", Type: schema.TypeInt})
	_, err := Build([]*schema.Table{t1}, map[string][]string{"t1": {"missing"}}, false)
	require.Error(t, err)
}

func TestBuildFlagsAndFields(t *testing.T) {
	t1 := tbl("t1", false,
		&schema.Column{Name: "a", Type: schema.TypeInt},
		&schema.Column{Name: "b", Type: schema.TypeVarChar, Length: 10, Nullable: true},
	)
	t2 := tbl("t2", true, &schema.Column{Name: "c", Type: schema.TypeBigInt})

	l, err := Build([]*schema.Table{t1, t2}, map[string][]string{
		"t1": {"a", "b"},
		"t2": {"c"},
	}, true)
	require.NoError(t, err)

	assert.True(t, l.HasMatchFlag)
	require.Len(t, l.Tables, 2)
	assert.Equal(t, 1, l.Tables[0].NullBitmapBytes) // one nullable column -> 1 byte
	assert.False(t, l.Tables[0].HasNullRowFlag)
	assert.True(t, l.Tables[1].HasNullRowFlag)

	require.Len(t, l.Fields, 3)
	assert.Equal(t, Fixed, l.Fields[0].Variant)
	assert.Equal(t, VarStr1, l.Fields[1].Variant)
	assert.Equal(t, Fixed, l.Fields[2].Variant)
}

func TestMarkReferencedTurnsOnLengthPrefix(t *testing.T) {
	t1 := tbl("t1", false, &schema.Column{Name: "a", Type: schema.TypeInt})
	l, err := Build([]*schema.Table{t1}, map[string][]string{"t1": {"a"}}, false)
	require.NoError(t, err)
	assert.False(t, l.CarryLengthPrefix)

	no := l.MarkReferenced(l.Fields[0])
	assert.Equal(t, 1, no)
	assert.True(t, l.CarryLengthPrefix)

	// idempotent
	again := l.MarkReferenced(l.Fields[0])
	assert.Equal(t, no, again)
	assert.Equal(t, 1, l.ReferencedFieldCount)
}

func TestWidthFor(t *testing.T) {
	assert.Equal(t, 1, WidthFor(200))
	assert.Equal(t, 3, WidthFor(70000))
	assert.Equal(t, 3, WidthFor(1<<20))
	assert.Equal(t, 4, WidthFor(1<<30))
}
