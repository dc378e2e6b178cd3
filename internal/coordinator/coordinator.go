// Package coordinator implements C5 JoinCoordinator: per buffered
// right-hand table, it orchestrates buffer fill, match-seeking,
// null-complementation, and cascading into the next chained buffer,
// honoring outer-join and semi-join match-flag semantics (spec §4.5).
package coordinator

import (
	"context"
	"fmt"

	"blockjoin/internal/buffer"
	"blockjoin/internal/schema"
	"blockjoin/internal/scan"
	"blockjoin/internal/semijoin"
)

// Predicate evaluates a pushed-down condition against a fully extended
// driving row (all tables joined so far).
type Predicate func(buffer.DrivingRow) bool

// Emit receives one fully extended, predicate-passing driving row. The last
// stage in a Coordinator's chain uses Emit for final output; earlier stages
// use it to append into the next stage's buffer.
type Emit func(buffer.DrivingRow) error

// Stage is one buffered right-hand table in the join chain.
type Stage struct {
	// Name identifies the table this stage buffers, for error messages.
	Name string
	// Buf is the stage's join buffer (plain or hashed).
	Buf buffer.Buffer
	// Hashed is Buf re-typed when this stage uses BNLH/BKAH access, or nil
	// for BNL/BKA; it exists so the coordinator can build hash-lookup
	// candidates.
	Hashed *buffer.HashedJoinBuffer

	// NewScanner builds a fresh scan.Scanner for one buffer fill. It is
	// called again each time the buffer is refilled, since a full scan
	// must restart its cursor and an MRR scan must rebuild its range
	// sequence against the buffer's current contents.
	NewScanner func() (scan.Scanner, error)

	// ProbeKey builds a hash-lookup probe DrivingRow from a right-hand
	// row, for BNLH access (ignored for BNL/BKA/BKAH).
	ProbeKey func(rightRow map[string]any) buffer.DrivingRow

	// Access names which of the four candidate-selection strategies this
	// stage uses.
	Access AccessMethod

	// IsOuterFirstInner marks this stage as the first inner table of an
	// outer join, enabling null-complementation for unmatched driving
	// records (spec §4.5 join_null_complements).
	IsOuterFirstInner bool
	// FirstMatchOnly marks this stage as a semi-join FirstMatch range's
	// last table: once a candidate produces a match, stop considering
	// further candidates for that driving record (spec §4.8).
	FirstMatchOnly bool

	// Predicates are evaluated, in order, against the extended row once a
	// candidate and the current right-hand row are combined.
	Predicates []Predicate

	// Weedout, when non-nil, makes a predicate-passing extension at this
	// stage pass through a duplicate-weedout temp table before propagating
	// downstream: repeat rowid tuples are suppressed rather than re-emitted
	// (spec §4.8 DuplicateWeedout, the strategy for a semi-join nest that
	// flattening could not collapse into a single lookup).
	Weedout *semijoin.DupsWeedoutTable
	// WeedoutTuple builds the rowid tuple a matched row contributes to
	// Weedout; ignored unless Weedout is set.
	WeedoutTuple func(buffer.DrivingRow) schema.Row

	// RightTable names the schema table this stage's scanner rows belong
	// to, used to key them into the DrivingRow passed downstream.
	RightTable string

	// Next is the next chained stage, or nil if this is the last table in
	// the join. Matches (and null complements) from this stage are
	// appended into Next.Buf; if Next is nil they are passed to the
	// Coordinator's terminal Emit instead.
	Next *Stage
}

// AccessMethod names which join access method a Stage uses.
type AccessMethod string

const (
	BNL  AccessMethod = "bnl"
	BNLH AccessMethod = "bnlh"
	BKA  AccessMethod = "bka"
	BKAH AccessMethod = "bkah"
)

// Coordinator drives a chain of Stages for one query execution.
type Coordinator struct {
	stages []*Stage
	final  Emit

	// Cancelled is polled at each right-hand row fetch and between
	// candidate records, per spec §5's cooperative cancellation model.
	Cancelled func() bool
}

// New builds a Coordinator over stages (outermost buffered table first),
// emitting fully joined rows to final.
func New(stages []*Stage, final Emit) *Coordinator {
	for i := 0; i+1 < len(stages); i++ {
		stages[i].Next = stages[i+1]
	}
	return &Coordinator{stages: stages, final: final}
}

// ErrKilled is returned when Cancelled reports true mid-join.
var ErrKilled = fmt.Errorf("coordinator: killed")

// FillBuffer repeatedly appends rows drawn from next until the stage's
// buffer reports full or next is exhausted (spec §4.5 "fill B").
func (co *Coordinator) FillBuffer(stageIdx int, next func() (buffer.DrivingRow, int, bool, error)) error {
	st := co.stages[stageIdx]
	st.Buf.Reset(true)
	for {
		dr, prevIdx, ok, err := next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		res, err := st.Buf.Append(dr, prevIdx)
		if err != nil {
			return err
		}
		if res.IsFull {
			return nil
		}
	}
}

// JoinRecords implements the per-stage join_records algorithm: seek
// matches, cascade into the next chained buffer, then null-complement any
// driving records left unmatched (spec §4.5).
func (co *Coordinator) JoinRecords(ctx context.Context, stageIdx int, skipLast bool) error {
	st := co.stages[stageIdx]

	if err := co.joinMatchingRecords(ctx, st, skipLast); err != nil {
		return err
	}

	if st.IsOuterFirstInner {
		if st.Next != nil {
			if err := co.JoinRecords(ctx, stageIdx+1, skipLast); err != nil {
				return err
			}
		}
		if err := co.joinNullComplements(ctx, st, skipLast); err != nil {
			return err
		}
	}

	if st.Next != nil {
		return co.JoinRecords(ctx, stageIdx+1, skipLast)
	}
	return nil
}

func (co *Coordinator) checkCancelled() error {
	if co.Cancelled != nil && co.Cancelled() {
		return ErrKilled
	}
	return nil
}

// joinMatchingRecords scans the right-hand table once, seeking candidates
// in st.Buf for each right-hand row (spec §4.5 join_matching_records).
func (co *Coordinator) joinMatchingRecords(ctx context.Context, st *Stage, skipLast bool) error {
	s, err := st.NewScanner()
	if err != nil {
		return err
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer s.Close()

	for {
		if err := co.checkCancelled(); err != nil {
			return err
		}
		row, tag, ok, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		candidates := st.candidateIter(row, tag, skipLast)
		for {
			if err := co.checkCancelled(); err != nil {
				return err
			}
			c, ok := candidates.Next()
			if !ok {
				break
			}
			if st.Buf.SkipIfNotNeededMatch(c) {
				continue
			}
			if st.FirstMatchOnly && st.Buf.SkipIfMatched(c) {
				continue
			}

			dr, err := st.Buf.Materialize(c)
			if err != nil {
				return err
			}
			dr[st.RightTable] = row

			if _, err := co.generateFullExtensions(ctx, st, c, dr); err != nil {
				return err
			}
		}
	}
}

// candidateIter picks the candidate-selection strategy for one right-hand
// row according to the stage's access method: BNL walks the whole buffer,
// BNLH hashes the row's join key into the buffer, and BKA/BKAH take the
// candidate directly from the tag the scanner's MRR range produced (spec
// §4.5 "prepare_look_for_matches").
func (st *Stage) candidateIter(row map[string]any, tag any, skipLast bool) CandidateIter {
	switch st.Access {
	case BNL:
		return newAllCandidates(st.Buf, skipLast)
	case BNLH:
		probe := st.ProbeKey(row)
		head, _, ok := st.Hashed.ChainHead(probe)
		if !ok {
			return newChainCandidates(st.Hashed, nil, probe)
		}
		return newChainCandidates(st.Hashed, head, probe)
	case BKA:
		cur, _ := tag.(*buffer.RecordCursor)
		return newSingleCandidate(cur)
	case BKAH:
		head, _ := tag.(*buffer.RecordCursor)
		return newChainCandidates(st.Hashed, head, nil)
	default:
		return newAllCandidates(st.Buf, skipLast)
	}
}

// generateFullExtensions evaluates st's pushed-down predicates against dr
// and, if they all pass, sets the match flag and propagates dr downstream
// (spec §4.5 generate_full_extensions). It reports whether dr matched.
func (co *Coordinator) generateFullExtensions(ctx context.Context, st *Stage, c *buffer.RecordCursor, dr buffer.DrivingRow) (bool, error) {
	for _, pred := range st.Predicates {
		if !pred(dr) {
			return false, nil
		}
	}

	st.Buf.SetMatchFlagIfNone(c)

	if st.Weedout != nil {
		_, duplicate, err := st.Weedout.InsertAndCheck(ctx, st.WeedoutTuple(dr))
		if err != nil {
			return true, fmt.Errorf("coordinator: %s weedout check: %w", st.Name, err)
		}
		if duplicate {
			return true, nil
		}
	}

	if st.Next != nil {
		nextPrevIdx := indexOfCursor(st.Buf, c)
		res, err := st.Next.Buf.Append(dr, nextPrevIdx)
		if err != nil {
			return true, err
		}
		if res.IsFull {
			return true, fmt.Errorf("coordinator: %s buffer overflowed mid-cascade from %s", st.Next.Name, st.Name)
		}
		return true, nil
	}
	return true, co.final(dr)
}

// indexOfCursor recovers the record index a cursor addresses, through
// buffer.CursorIndex; buf is not consulted.
func indexOfCursor(buf buffer.Buffer, c *buffer.RecordCursor) int {
	return buffer.CursorIndex(c)
}

// joinNullComplements iterates every record remaining in st.Buf and, for
// those whose match flag is neither FOUND nor IMPOSSIBLE, emits the outer-join
// null-complemented extension (spec §4.5 join_null_complements).
func (co *Coordinator) joinNullComplements(ctx context.Context, st *Stage, skipLast bool) error {
	st.Buf.Reset(false)
	limit := st.Buf.RecordCount()
	if skipLast && limit > 0 {
		limit--
	}
	for i := 0; i < limit; i++ {
		if err := co.checkCancelled(); err != nil {
			return err
		}
		c := st.Buf.Cursor(i)
		if st.Buf.GetMatchFlag(c) == buffer.Found {
			continue
		}
		if st.Buf.SkipIfNotNeededMatch(c) {
			continue
		}
		dr, err := st.Buf.Materialize(c)
		if err != nil {
			return err
		}
		dr[st.RightTable] = nil // null-row flag equivalent: no right-hand row

		if _, err := co.generateFullExtensions(ctx, st, c, dr); err != nil {
			return err
		}
	}
	return nil
}
