package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockjoin/internal/buffer"
	"blockjoin/internal/record"
	"blockjoin/internal/scan"
	"blockjoin/internal/schema"
	"blockjoin/internal/semijoin"
	"blockjoin/internal/storage/memory"
)

func driverOf(values ...int64) func() (buffer.DrivingRow, int, bool, error) {
	i := 0
	return func() (buffer.DrivingRow, int, bool, error) {
		if i >= len(values) {
			return nil, -1, false, nil
		}
		v := values[i]
		i++
		return buffer.DrivingRow{"t1": schema.Row{"a": v}}, -1, true, nil
	}
}

func t1Layout(t *testing.T, outer bool) *record.Layout {
	t.Helper()
	t1 := &schema.Table{Name: "t1", Outer: outer, Columns: []*schema.Column{{Name: "a", Type: schema.TypeInt}}}
	l, err := record.Build([]*schema.Table{t1}, map[string][]string{"t1": {"a"}}, true)
	require.NoError(t, err)
	return l
}

func TestBNLFlatJoinScenario(t *testing.T) {
	layout := t1Layout(t, false)
	buf := buffer.New(layout, 4096)

	t2 := memory.NewTable("t2", []schema.Row{
		{"b": int64(2)}, {"b": int64(3)}, {"b": int64(4)},
	}, "b")

	var out [][2]int64
	st := &Stage{
		Name:       "t1xt2",
		Buf:        buf,
		Access:     BNL,
		RightTable: "t2",
		Predicates: []Predicate{func(dr buffer.DrivingRow) bool {
			return dr["t1"]["a"].(int64) == dr["t2"]["b"].(int64)
		}},
		NewScanner: func() (scan.Scanner, error) {
			return scan.New(scan.FullScan, t2, nil, nil)
		},
	}
	co := New([]*Stage{st}, func(dr buffer.DrivingRow) error {
		out = append(out, [2]int64{dr["t1"]["a"].(int64), dr["t2"]["b"].(int64)})
		return nil
	})

	require.NoError(t, co.FillBuffer(0, driverOf(1, 2, 3)))
	require.NoError(t, co.JoinRecords(context.Background(), 0, false))

	assert.ElementsMatch(t, [][2]int64{{2, 2}, {3, 3}}, out)
}

func TestBNLOuterJoinNullComplementScenario(t *testing.T) {
	layout := t1Layout(t, false) // t1 is the LEFT JOIN's preserved side, never null-complemented itself
	buf := buffer.New(layout, 4096)

	t2 := memory.NewTable("t2", []schema.Row{{"b": int64(2)}}, "b")

	type result struct {
		a    int64
		b    any
		bNil bool
	}
	var out []result
	st := &Stage{
		Name:              "t1xt2",
		Buf:               buf,
		Access:            BNL,
		RightTable:        "t2",
		IsOuterFirstInner: true,
		Predicates: []Predicate{func(dr buffer.DrivingRow) bool {
			right := dr["t2"]
			if right == nil {
				return true // null-complement candidate: ON already known unmatched
			}
			return dr["t1"]["a"].(int64) == right["b"].(int64)
		}},
		NewScanner: func() (scan.Scanner, error) {
			return scan.New(scan.FullScan, t2, nil, nil)
		},
	}
	co := New([]*Stage{st}, func(dr buffer.DrivingRow) error {
		right := dr["t2"]
		if right == nil {
			out = append(out, result{a: dr["t1"]["a"].(int64), bNil: true})
			return nil
		}
		out = append(out, result{a: dr["t1"]["a"].(int64), b: right["b"]})
		return nil
	})

	require.NoError(t, co.FillBuffer(0, driverOf(1, 2)))
	require.NoError(t, co.JoinRecords(context.Background(), 0, false))

	require.Len(t, out, 2)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{out[0].a, out[1].a})
	for _, r := range out {
		if r.a == 1 {
			assert.True(t, r.bNil)
		} else {
			assert.Equal(t, int64(2), r.b)
		}
	}
}

func TestBNLHHashJoinScenario(t *testing.T) {
	layout := t1Layout(t, false)
	hb := buffer.NewHashed(layout, 4096, buffer.KeySpec{{Field: layout.Fields[0]}})

	t2 := memory.NewTable("t2", []schema.Row{
		{"b": int64(1)}, {"b": int64(3)}, {"b": int64(5)},
	}, "b")

	var out [][2]int64
	st := &Stage{
		Name:       "t1xt2",
		Buf:        hb,
		Hashed:     hb,
		Access:     BNLH,
		RightTable: "t2",
		ProbeKey: func(row map[string]any) buffer.DrivingRow {
			return buffer.DrivingRow{"t1": schema.Row{"a": row["b"]}}
		},
		Predicates: []Predicate{func(dr buffer.DrivingRow) bool {
			return dr["t1"]["a"].(int64) == dr["t2"]["b"].(int64)
		}},
		NewScanner: func() (scan.Scanner, error) {
			return scan.New(scan.FullScan, t2, nil, nil)
		},
	}
	co := New([]*Stage{st}, func(dr buffer.DrivingRow) error {
		out = append(out, [2]int64{dr["t1"]["a"].(int64), dr["t2"]["b"].(int64)})
		return nil
	})

	require.NoError(t, co.FillBuffer(0, driverOf(1, 1, 2, 3)))
	require.NoError(t, co.JoinRecords(context.Background(), 0, false))

	assert.ElementsMatch(t, [][2]int64{{1, 1}, {1, 1}, {3, 3}}, out)
}

func TestDupsWeedoutSuppressesRepeatOuterMatches(t *testing.T) {
	layout := t1Layout(t, false)
	buf := buffer.New(layout, 4096)

	// b=1 matches t1.a=1 twice: an unflattened semi-join nest producing two
	// inner matches for the same outer row, which DupsWeedout must collapse
	// back to a single emitted extension (spec §4.8 DuplicateWeedout).
	t2 := memory.NewTable("t2", []schema.Row{
		{"b": int64(1)}, {"b": int64(1)}, {"b": int64(2)},
	}, "b")

	weedout := semijoin.NewDupsWeedoutTable(memory.NewTable("sj_weedout", nil), false)

	var out [][2]int64
	st := &Stage{
		Name:       "t1xt2",
		Buf:        buf,
		Access:     BNL,
		RightTable: "t2",
		Predicates: []Predicate{func(dr buffer.DrivingRow) bool {
			return dr["t1"]["a"].(int64) == dr["t2"]["b"].(int64)
		}},
		NewScanner: func() (scan.Scanner, error) {
			return scan.New(scan.FullScan, t2, nil, nil)
		},
		Weedout: weedout,
		WeedoutTuple: func(dr buffer.DrivingRow) schema.Row {
			return schema.Row{"t1_a": dr["t1"]["a"]}
		},
	}
	co := New([]*Stage{st}, func(dr buffer.DrivingRow) error {
		out = append(out, [2]int64{dr["t1"]["a"].(int64), dr["t2"]["b"].(int64)})
		return nil
	})

	require.NoError(t, weedout.Reset(context.Background()))
	require.NoError(t, co.FillBuffer(0, driverOf(1, 2, 3)))
	require.NoError(t, co.JoinRecords(context.Background(), 0, false))

	assert.ElementsMatch(t, [][2]int64{{1, 1}, {2, 2}}, out,
		"the second a=1 match must be suppressed by weedout, not re-emitted")
}

func TestFirstMatchOnlyEmitsOncePerDrivingRow(t *testing.T) {
	layout := t1Layout(t, false)
	buf := buffer.New(layout, 4096)

	// b=1 appears twice: a plain inner join would emit a=1 twice, but a
	// FirstMatch range must stop at the first match per driving row and
	// jump back (spec §4.8 FirstMatch).
	t2 := memory.NewTable("t2", []schema.Row{
		{"b": int64(1)}, {"b": int64(1)}, {"b": int64(2)},
	}, "b")

	var out []int64
	st := &Stage{
		Name:           "t1xt2",
		Buf:            buf,
		Access:         BNL,
		RightTable:     "t2",
		FirstMatchOnly: true,
		Predicates: []Predicate{func(dr buffer.DrivingRow) bool {
			return dr["t1"]["a"].(int64) == dr["t2"]["b"].(int64)
		}},
		NewScanner: func() (scan.Scanner, error) {
			return scan.New(scan.FullScan, t2, nil, nil)
		},
	}
	co := New([]*Stage{st}, func(dr buffer.DrivingRow) error {
		out = append(out, dr["t1"]["a"].(int64))
		return nil
	})

	require.NoError(t, co.FillBuffer(0, driverOf(1, 2, 3)))
	require.NoError(t, co.JoinRecords(context.Background(), 0, false))

	assert.ElementsMatch(t, []int64{1, 2}, out,
		"a=1 matches t2.b=1 twice but FirstMatchOnly must emit it exactly once")
}

func TestMaterializationLookupScenario(t *testing.T) {
	layout := t1Layout(t, false)
	buf := buffer.New(layout, 4096)

	// The inner subquery's distinct values are materialized once; the
	// lookup then probes existence by key instead of re-scanning the
	// (possibly duplicate-bearing) inner rows per driving row (spec §4.8
	// Materialization lookup).
	mt := semijoin.NewMaterializeTable(memory.NewTable("sj_mat", nil, "b"))
	require.NoError(t, mt.EnsureBuilt(context.Background(), []schema.Row{
		{"b": int64(1)}, {"b": int64(1)}, {"b": int64(2)},
	}))

	probeOnce := memory.NewTable("probe_once", []schema.Row{{}})

	var out []int64
	st := &Stage{
		Name:       "t1_sjmat_lookup",
		Buf:        buf,
		Access:     BNL,
		RightTable: "sj_mat",
		Predicates: []Predicate{func(dr buffer.DrivingRow) bool {
			_, found, err := mt.Probe(context.Background(), []string{"b"}, schema.Row{"b": dr["t1"]["a"]})
			require.NoError(t, err)
			return found
		}},
		NewScanner: func() (scan.Scanner, error) {
			return scan.New(scan.FullScan, probeOnce, nil, nil)
		},
	}
	co := New([]*Stage{st}, func(dr buffer.DrivingRow) error {
		out = append(out, dr["t1"]["a"].(int64))
		return nil
	})

	require.NoError(t, co.FillBuffer(0, driverOf(1, 2, 3)))
	require.NoError(t, co.JoinRecords(context.Background(), 0, false))

	assert.ElementsMatch(t, []int64{1, 2}, out,
		"a=1 must be emitted once despite two duplicate inner rows, since materialization dedups before the lookup")
}

func TestBufferBudgetShrinksProportionally(t *testing.T) {
	sizes, err := BufferBudget([]CacheRequest{
		{Name: "a", Preferred: 1000, Floor: 100},
		{Name: "b", Preferred: 1000, Floor: 100},
	}, 1000)
	require.NoError(t, err)
	assert.Equal(t, 500, sizes["a"])
	assert.Equal(t, 500, sizes["b"])
}

func TestBufferBudgetFailsBelowFloor(t *testing.T) {
	_, err := BufferBudget([]CacheRequest{
		{Name: "a", Preferred: 1000, Floor: 900},
		{Name: "b", Preferred: 1000, Floor: 900},
	}, 1000)
	require.Error(t, err)
}

func TestBufferBudgetKeepsPreferredWhenUnderBudget(t *testing.T) {
	sizes, err := BufferBudget([]CacheRequest{{Name: "a", Preferred: 100, Floor: 10}}, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100, sizes["a"])
}
