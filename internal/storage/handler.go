// Package storage defines the storage-engine handler interface consumed by
// C4 RightSideScanner and C8 SemiJoinExecutor: row cursors, row
// identifiers, multi-range-read, and temp-table writes (spec §6).
package storage

import (
	"context"
	"errors"

	"blockjoin/internal/schema"
)

// ErrEndOfRange is returned by Next/MultiRangeReadNext to signal a clean
// end of the current scan or MRR batch, distinct from a real I/O error.
var ErrEndOfRange = errors.New("storage: end of range")

// RangeType tags the kind of range a RangeSeqNext call produced.
type RangeType int

const (
	// EqRange is an equality range [key, key], the only kind C4 builds.
	EqRange RangeType = iota
)

// Range is one multi-range-read range built from the join buffer.
type Range struct {
	Type RangeType
	Key  schema.Row
	// Ptr identifies the buffer position this range was built from: the
	// chain head for BKAH, or the single record for BKA (spec §4.4).
	Ptr any
}

// RangeSeq is the three-callback protocol a hashed or plain join buffer
// exposes to drive a multi-range-read scan (spec §4.4 V2).
type RangeSeq interface {
	// Init rewinds the buffer's key cursor for a fresh MRR pass.
	Init()
	// Next returns the next distinct key range, or ok=false at the end of
	// the buffer's resident keys.
	Next() (r Range, ok bool)
	// SkipRecord reports whether the range tagged by ptr can be omitted
	// because it is already fully satisfied; handlers call it for every
	// range, so a sequence that never skips returns false.
	SkipRecord(ptr any) bool
}

// Handler is the read/scan/temp-table surface a RightSideScanner and the
// semi-join executor drive (spec §6, the storage handler interface
// consumed).
type Handler interface {
	// RndInit begins a full table scan; RndNext reads the next row
	// (returning ErrEndOfRange at EOF); RndEnd releases scan resources.
	RndInit(ctx context.Context) error
	RndNext(ctx context.Context) (schema.Row, error)
	RndEnd() error

	// IndexInit positions the handler at keyNo for an index-driven scan;
	// Position returns row's identifier bytes; RefLength returns the
	// identifier width in bytes.
	IndexInit(ctx context.Context, keyNo int, sorted bool) error
	Position(row schema.Row) []byte
	RefLength() int

	// MultiRangeReadInit starts an MRR pass fed by seq; MultiRangeReadNext
	// returns the next row plus the Range.Ptr tag it matched.
	MultiRangeReadInit(ctx context.Context, seq RangeSeq) error
	MultiRangeReadNext(ctx context.Context) (row schema.Row, tag any, err error)
	// MRRLengthPerRec estimates the per-record MRR buffer overhead this
	// handler reports, used by C4's aux_buffer_incr (spec §4.4).
	MRRLengthPerRec() int

	// HaDeleteAllRows truncates a temp table between re-executions.
	HaDeleteAllRows(ctx context.Context) error
	// HaWriteTmpRow writes row to a temp table (materialization or
	// duplicate-weedout); returns ErrDuplicateKey on a unique-key clash.
	HaWriteTmpRow(ctx context.Context, row schema.Row) error
	// IsFatalError reports whether err should abort the plan outright
	// rather than be treated as an ordinary non-match.
	IsFatalError(err error) bool
}

// ErrDuplicateKey is returned by HaWriteTmpRow on a unique-key clash; the
// semi-join executor's insert_and_check treats this as "duplicate", not a
// fatal error (spec §4.8).
var ErrDuplicateKey = errors.New("storage: duplicate key")
