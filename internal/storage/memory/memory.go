// Package memory is an in-memory reference storage.Handler, used by the
// coordinator's unit tests and by the CLI's fixture-driven demo runs
// (no live database required).
package memory

import (
	"context"
	"fmt"

	"blockjoin/internal/schema"
	"blockjoin/internal/storage"
)

// Table is an in-memory row set plus an optional secondary index used for
// IndexInit/MRR lookups.
type Table struct {
	Name    string
	Rows    []schema.Row
	KeyCols []string // columns IndexInit(0, ...) treats as the index key

	scanPos  int
	scanning bool
	index    map[string][]int // built lazily from KeyCols on IndexInit
	mrrSeq   storage.RangeSeq
	written  []schema.Row
	seen     map[string]bool
}

// NewTable creates a Table handler over rows, indexed by keyCols.
func NewTable(name string, rows []schema.Row, keyCols ...string) *Table {
	return &Table{Name: name, Rows: rows, KeyCols: keyCols}
}

// Table is its own storage.Handler: it holds both the rows and the scan
// state, so two scans over one Table cannot run independently.
var _ storage.Handler = (*Table)(nil)

func (t *Table) RndInit(ctx context.Context) error {
	t.scanPos = 0
	t.scanning = true
	return nil
}

func (t *Table) RndNext(ctx context.Context) (schema.Row, error) {
	if !t.scanning || t.scanPos >= len(t.Rows) {
		return nil, storage.ErrEndOfRange
	}
	row := t.Rows[t.scanPos]
	t.scanPos++
	return row, nil
}

func (t *Table) RndEnd() error {
	t.scanning = false
	return nil
}

func (t *Table) IndexInit(ctx context.Context, keyNo int, sorted bool) error {
	t.index = make(map[string][]int)
	for i, row := range t.Rows {
		k := t.indexKey(row)
		t.index[k] = append(t.index[k], i)
	}
	return nil
}

func (t *Table) indexKey(row schema.Row) string {
	return fmt.Sprint(valuesOf(row, t.KeyCols))
}

func valuesOf(row schema.Row, cols []string) []any {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = row[c]
	}
	return vals
}

func (t *Table) Position(row schema.Row) []byte {
	return []byte(fmt.Sprintf("%s:%v", t.Name, valuesOf(row, t.KeyCols)))
}

func (t *Table) RefLength() int { return 32 }

func (t *Table) MultiRangeReadInit(ctx context.Context, seq storage.RangeSeq) error {
	t.mrrSeq = seq
	seq.Init()
	return nil
}

func (t *Table) MultiRangeReadNext(ctx context.Context) (schema.Row, any, error) {
	for {
		r, ok := t.mrrSeq.Next()
		if !ok {
			return nil, nil, storage.ErrEndOfRange
		}
		if t.mrrSeq.SkipRecord(r.Ptr) {
			continue
		}
		k := fmt.Sprint(valuesOf(r.Key, t.KeyCols))
		for _, idx := range t.index[k] {
			return t.Rows[idx], r.Ptr, nil
		}
	}
}

func (t *Table) MRRLengthPerRec() int { return 16 }

func (t *Table) HaDeleteAllRows(ctx context.Context) error {
	t.Rows = nil
	t.written = nil
	t.seen = make(map[string]bool)
	return nil
}

func (t *Table) HaWriteTmpRow(ctx context.Context, row schema.Row) error {
	if t.seen == nil {
		t.seen = make(map[string]bool)
	}
	key := fmt.Sprint(row)
	if t.seen[key] {
		return storage.ErrDuplicateKey
	}
	t.seen[key] = true
	t.written = append(t.written, row)
	t.Rows = append(t.Rows, row)
	return nil
}

func (t *Table) IsFatalError(err error) bool {
	return err != nil && err != storage.ErrEndOfRange && err != storage.ErrDuplicateKey
}

// Written returns every row accepted by HaWriteTmpRow since the last
// HaDeleteAllRows, for test assertions.
func (t *Table) Written() []schema.Row { return t.written }
