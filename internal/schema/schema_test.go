package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableValidateNoColumns(t *testing.T) {
	tbl := &Table{Name: "t1"}
	err := tbl.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns")
}

func TestTableValidateDuplicateColumnName(t *testing.T) {
	tbl := &Table{
		Name: "t1",
		Columns: []*Column{
			{Name: "a", Type: TypeInt},
			{Name: "a", Type: TypeInt},
		},
	}
	err := tbl.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate column name")
}

func TestTableValidateOK(t *testing.T) {
	tbl := &Table{
		Name: "t1",
		Columns: []*Column{
			{Name: "a", Type: TypeInt},
			{Name: "b", Type: TypeVarChar, Length: 32, Nullable: true},
		},
	}
	assert.NoError(t, tbl.Validate())
}

func TestColumnLookup(t *testing.T) {
	tbl := &Table{
		Name:    "t1",
		Columns: []*Column{{Name: "a", Type: TypeInt}},
	}
	assert.NotNil(t, tbl.Column("a"))
	assert.Nil(t, tbl.Column("missing"))
}

func TestTypeFixedWidth(t *testing.T) {
	assert.Equal(t, 4, TypeInt.FixedWidth())
	assert.Equal(t, 8, TypeBigInt.FixedWidth())
	assert.Equal(t, 0, TypeVarChar.FixedWidth())
}

func TestIsVariableLength(t *testing.T) {
	c := &Column{Type: TypeBlob}
	assert.True(t, c.IsVariableLength())
	c2 := &Column{Type: TypeInt}
	assert.False(t, c2.IsVariableLength())
}
