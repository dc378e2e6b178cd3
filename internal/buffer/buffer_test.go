package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockjoin/internal/record"
	"blockjoin/internal/schema"
)

func simpleLayout(t *testing.T, outer bool) (*schema.Table, *record.Layout) {
	t.Helper()
	tbl := &schema.Table{
		Name: "orders",
		Outer: outer,
		Columns: []*schema.Column{
			{Name: "id", Type: schema.TypeInt},
			{Name: "note", Type: schema.TypeVarChar, Length: 20, Nullable: true},
		},
	}
	l, err := record.Build([]*schema.Table{tbl}, map[string][]string{
		"orders": {"id", "note"},
	}, true)
	require.NoError(t, err)
	return tbl, l
}

func TestAppendAndMaterializeRoundTrip(t *testing.T) {
	_, layout := simpleLayout(t, false)
	buf := New(layout, 4096)

	dr := DrivingRow{"orders": schema.Row{"id": int64(7), "note": "hello"}}
	res, err := buf.Append(dr, -1)
	require.NoError(t, err)
	assert.False(t, res.IsFull)
	assert.Greater(t, res.WrittenBytes, 0)

	c, ok := buf.NextRead()
	require.True(t, ok)
	out, err := buf.Materialize(c)
	require.NoError(t, err)
	assert.Equal(t, int64(7), out["orders"]["id"])
	assert.Equal(t, "hello", out["orders"]["note"])

	_, ok = buf.NextRead()
	assert.False(t, ok)
}

func TestAppendNullValue(t *testing.T) {
	_, layout := simpleLayout(t, false)
	buf := New(layout, 4096)

	dr := DrivingRow{"orders": schema.Row{"id": int64(1), "note": nil}}
	_, err := buf.Append(dr, -1)
	require.NoError(t, err)

	c, _ := buf.NextRead()
	out, err := buf.Materialize(c)
	require.NoError(t, err)
	assert.Nil(t, out["orders"]["note"])
}

func TestNullComplementedRow(t *testing.T) {
	_, layout := simpleLayout(t, true)
	buf := New(layout, 4096)

	dr := DrivingRow{} // orders absent entirely -> null-complemented
	_, err := buf.Append(dr, -1)
	require.NoError(t, err)

	c, _ := buf.NextRead()
	out, err := buf.Materialize(c)
	require.NoError(t, err)
	assert.Nil(t, out["orders"])
}

func TestMatchFlagTransitions(t *testing.T) {
	_, layout := simpleLayout(t, false)
	buf := New(layout, 4096)
	_, err := buf.Append(DrivingRow{"orders": schema.Row{"id": int64(1)}}, -1)
	require.NoError(t, err)

	c := buf.Cursor(0)
	assert.Equal(t, NotFound, buf.GetMatchFlag(c))

	changed := buf.SetMatchFlagIfNone(c)
	assert.True(t, changed)
	assert.Equal(t, Found, buf.GetMatchFlag(c))

	changed = buf.SetMatchFlagIfNone(c)
	assert.False(t, changed, "setting an already-FOUND flag again must be a no-op")
	assert.True(t, buf.SkipIfMatched(c))
}

func TestPreconditionFailureSetsImpossibleFlag(t *testing.T) {
	_, layout := simpleLayout(t, false)
	precond := func(dr DrivingRow) bool {
		row := dr["orders"]
		return row != nil && row["id"] != int64(13)
	}
	buf := New(layout, 4096, WithPrecondition(precond))

	_, err := buf.Append(DrivingRow{"orders": schema.Row{"id": int64(13)}}, -1)
	require.NoError(t, err)
	_, err = buf.Append(DrivingRow{"orders": schema.Row{"id": int64(14)}}, -1)
	require.NoError(t, err)

	failed := buf.Cursor(0)
	assert.Equal(t, Impossible, buf.GetMatchFlag(failed))
	assert.True(t, buf.SkipIfNotNeededMatch(failed))

	passed := buf.Cursor(1)
	assert.Equal(t, NotFound, buf.GetMatchFlag(passed))
	assert.False(t, buf.SkipIfNotNeededMatch(passed))
}

func TestIsFullRejectsOversizedRecord(t *testing.T) {
	_, layout := simpleLayout(t, false)
	buf := New(layout, 8) // far too small for even one record

	res, err := buf.Append(DrivingRow{"orders": schema.Row{"id": int64(1), "note": "this note is too long to fit"}}, -1)
	require.NoError(t, err)
	assert.True(t, res.IsFull)
	assert.Equal(t, 0, buf.RecordCount())
}

func TestResetForWritingClearsRecords(t *testing.T) {
	_, layout := simpleLayout(t, false)
	buf := New(layout, 4096)
	_, err := buf.Append(DrivingRow{"orders": schema.Row{"id": int64(1)}}, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, buf.RecordCount())

	buf.Reset(true)
	assert.Equal(t, 0, buf.RecordCount())
	_, ok := buf.NextRead()
	assert.False(t, ok)
}

func TestChainedBufferMaterializesBothTables(t *testing.T) {
	custTbl := &schema.Table{Name: "customers", Columns: []*schema.Column{
		{Name: "cid", Type: schema.TypeInt},
	}}
	custLayout, err := record.Build([]*schema.Table{custTbl}, map[string][]string{"customers": {"cid"}}, false)
	require.NoError(t, err)
	custBuf := New(custLayout, 4096)
	_, err = custBuf.Append(DrivingRow{"customers": schema.Row{"cid": int64(42)}}, -1)
	require.NoError(t, err)

	ordTbl, ordLayout := simpleLayout(t, false)
	_ = ordTbl
	ordBuf := New(ordLayout, 4096, WithPrev(custBuf))
	_, err = ordBuf.Append(DrivingRow{"orders": schema.Row{"id": int64(9), "note": "x"}}, 0)
	require.NoError(t, err)

	c, ok := ordBuf.NextRead()
	require.True(t, ok)
	out, err := ordBuf.Materialize(c)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out["customers"]["cid"])
	assert.Equal(t, int64(9), out["orders"]["id"])
}

func TestMaterializeReferencedField(t *testing.T) {
	_, layout := simpleLayout(t, false)
	idField := layout.Fields[0]
	layout.MarkReferenced(idField)

	buf := New(layout, 4096)
	_, err := buf.Append(DrivingRow{"orders": schema.Row{"id": int64(55), "note": "y"}}, -1)
	require.NoError(t, err)

	c := buf.Cursor(0)
	val, isNull, err := buf.MaterializeReferencedField(idField, c)
	require.NoError(t, err)
	assert.False(t, isNull)
	assert.Equal(t, int64(55), val)
}
