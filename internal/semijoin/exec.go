package semijoin

import (
	"context"
	"errors"
	"fmt"

	"blockjoin/internal/schema"
	"blockjoin/internal/storage"
)

// MaterializeTable builds and looks up a semi-join materialization temp
// table: the inner select's distinct rows, written once on first access
// (spec §4.8 "Materialization setup").
type MaterializeTable struct {
	Handler storage.Handler
	built   bool
}

// NewMaterializeTable wraps a temp-table handler for materialization.
func NewMaterializeTable(h storage.Handler) *MaterializeTable {
	return &MaterializeTable{Handler: h}
}

// EnsureBuilt writes rows into the temp table exactly once; later calls are
// no-ops. Duplicate rows (ErrDuplicateKey from the table's unique key over
// all columns) are expected and silently dropped.
func (m *MaterializeTable) EnsureBuilt(ctx context.Context, rows []schema.Row) error {
	if m.built {
		return nil
	}
	if err := m.Handler.HaDeleteAllRows(ctx); err != nil {
		return fmt.Errorf("semijoin: materialize truncate: %w", err)
	}
	for _, row := range rows {
		if err := m.Handler.HaWriteTmpRow(ctx, row); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				continue
			}
			return fmt.Errorf("semijoin: materialize write: %w", err)
		}
	}
	m.built = true
	return nil
}

// Probe scans the materialized table for rows whose key columns equal
// probe, returning at most the first match (a ref lookup over the unique
// key, per spec §4.8).
func (m *MaterializeTable) Probe(ctx context.Context, keyCols []string, probe schema.Row) (schema.Row, bool, error) {
	if err := m.Handler.RndInit(ctx); err != nil {
		return nil, false, err
	}
	defer m.Handler.RndEnd()
	for {
		row, err := m.Handler.RndNext(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrEndOfRange) {
				return nil, false, nil
			}
			return nil, false, err
		}
		if rowMatches(row, keyCols, probe) {
			return row, true, nil
		}
	}
}

func rowMatches(row schema.Row, keyCols []string, probe schema.Row) bool {
	for _, c := range keyCols {
		if row[c] != probe[c] {
			return false
		}
	}
	return true
}

// DupsWeedoutTable is the duplicate-weedout temp table: one varbinary
// rowid-concatenation column, unique-keyed, used to suppress repeat outer
// rows produced by a semi-join nest that was not flattened into a single
// lookup (spec §4.8 "Duplicate-weedout temp table").
type DupsWeedoutTable struct {
	Handler storage.Handler
	// Degenerate is set when the tuple being weeded out has zero width (no
	// tables contribute a rowid), collapsing the table into a single flag.
	Degenerate   bool
	degenerateOn bool
}

// NewDupsWeedoutTable wraps a temp-table handler for duplicate weedout.
func NewDupsWeedoutTable(h storage.Handler, degenerate bool) *DupsWeedoutTable {
	return &DupsWeedoutTable{Handler: h, Degenerate: degenerate}
}

// Reset clears the table (or flag) between re-executions of the enclosing
// join, once per outer row that starts a fresh weedout range.
func (d *DupsWeedoutTable) Reset(ctx context.Context) error {
	d.degenerateOn = false
	if d.Degenerate {
		return nil
	}
	return d.Handler.HaDeleteAllRows(ctx)
}

// InsertAndCheck is insert_and_check(tuple): inserted is true the first
// time a given rowid tuple is seen in this range, false (duplicate=true)
// thereafter (spec §4.8).
func (d *DupsWeedoutTable) InsertAndCheck(ctx context.Context, tuple schema.Row) (inserted, duplicate bool, err error) {
	if d.Degenerate {
		if d.degenerateOn {
			return false, true, nil
		}
		d.degenerateOn = true
		return true, false, nil
	}
	if err := d.Handler.HaWriteTmpRow(ctx, tuple); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return false, true, nil
		}
		return false, false, err
	}
	return true, false, nil
}

// FirstMatchGuard implements FirstMatch's control-flow hook: once the
// range [Start, End) of SJ-inner tables produces one full match, the
// enclosing join must stop enumerating the remainder of that range and
// jump control back to the table feeding Start (spec §4.8 "FirstMatch:
// when the executor reaches the first-match table's range end, jump
// control back to the enclosing table's next-row fetch").
type FirstMatchGuard struct {
	Start, End int
	satisfied  bool
}

// NewFirstMatchGuard builds a guard over the finalized FirstMatch range.
func NewFirstMatchGuard(r FinalizedRange) *FirstMatchGuard {
	return &FirstMatchGuard{Start: r.Start, End: r.End}
}

// MarkMatched records that the current outer row found its match
// somewhere in [Start, End).
func (g *FirstMatchGuard) MarkMatched() { g.satisfied = true }

// ShouldJumpBack reports whether, having reached position pos, the
// enclosing table's next-row fetch should resume rather than continuing
// to enumerate this range.
func (g *FirstMatchGuard) ShouldJumpBack(pos int) bool {
	return g.satisfied && pos >= g.End-1
}

// ResetForNewOuterRow clears the satisfied flag for the next outer row.
func (g *FirstMatchGuard) ResetForNewOuterRow() { g.satisfied = false }

// LooseScanGuard implements LooseScan's control-flow hook: the scanned
// inner table reads its covering index in natural order and, for each
// distinct key prefix, only the first matching row is allowed through
// (spec §4.8 "LooseScan").
type LooseScanGuard struct {
	KeyCols  []string
	lastSeen schema.Row
	haveSeen bool
}

// NewLooseScanGuard builds a guard keyed on the covering index's columns.
func NewLooseScanGuard(keyCols []string) *LooseScanGuard {
	return &LooseScanGuard{KeyCols: keyCols}
}

// Admit reports whether row starts a new distinct key prefix (and so
// should be passed through); subsequent rows sharing the same prefix are
// rejected until a new prefix is seen.
func (g *LooseScanGuard) Admit(row schema.Row) bool {
	if g.haveSeen && rowMatches(row, g.KeyCols, g.lastSeen) {
		return false
	}
	g.lastSeen = row
	g.haveSeen = true
	return true
}

// Reset clears the guard's notion of the last-seen key prefix, used when
// the scan restarts for a new outer row.
func (g *LooseScanGuard) Reset() {
	g.lastSeen = nil
	g.haveSeen = false
}
