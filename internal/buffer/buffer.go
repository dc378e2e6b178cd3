// Package buffer implements C2 JoinBuffer and C3 HashedJoinBuffer: a
// contiguous byte arena that accumulates driving-side records, iterates
// them back out, resolves inter-buffer back-references, and carries a
// per-record match-flag byte (spec §3, §4.2, §4.3).
package buffer

import (
	"fmt"

	"blockjoin/internal/record"
	"blockjoin/internal/schema"
)

// MatchFlag is the per-buffered-record status byte (spec §6).
type MatchFlag byte

const (
	NotFound   MatchFlag = 0
	Found      MatchFlag = 1
	Impossible MatchFlag = 2
)

func (f MatchFlag) String() string {
	switch f {
	case NotFound:
		return "NOT_FOUND"
	case Found:
		return "FOUND"
	case Impossible:
		return "IMPOSSIBLE"
	default:
		return "UNKNOWN"
	}
}

// DrivingRow holds one record's values, keyed by the owning table name. A
// nil entry for an outer-joined table means this is a null-complemented row
// (spec §4.5 join_null_complements).
type DrivingRow map[string]schema.Row

// Buffer is the common surface C5 JoinCoordinator drives, satisfied by both
// plain (BNL) and hashed (BNLH) join buffers.
type Buffer interface {
	Append(dr DrivingRow, prevIdx int) (AppendResult, error)
	Reset(forWriting bool)
	NextRead() (*RecordCursor, bool)
	Cursor(idx int) *RecordCursor
	RecordCount() int
	GetMatchFlag(c *RecordCursor) MatchFlag
	SetMatchFlagIfNone(c *RecordCursor) bool
	SkipIfMatched(c *RecordCursor) bool
	SkipIfNotNeededMatch(c *RecordCursor) bool
	Materialize(c *RecordCursor) (DrivingRow, error)
	Layout() *record.Layout
}

var (
	_ Buffer = (*JoinBuffer)(nil)
	_ Buffer = (*HashedJoinBuffer)(nil)
)

// AppendResult reports what Append did.
type AppendResult struct {
	WrittenBytes int
	IsFull       bool
}

// RecordCursor addresses one record inside a JoinBuffer.
type RecordCursor struct {
	buf *JoinBuffer
	idx int
}

// CursorIndex returns the record index c addresses within its owning
// buffer, for callers (such as the coordinator) that need to pass it back
// in as another buffer's prevIdx when chaining.
func CursorIndex(c *RecordCursor) int { return c.idx }

// Precondition evaluates the parent join's ON-clause against a driving row
// at append time for the first inner table of an outer or semi-join (spec
// §4.2, §9 "ON-precondition on append").
type Precondition func(DrivingRow) bool

// AuxEstimator estimates the multi-range-read auxiliary buffer growth
// triggered by appending one more record (spec §4.2 "Auxiliary-buffer-growth
// tracking", consumed from C4).
type AuxEstimator func(DrivingRow) int

// Option configures a new JoinBuffer.
type Option func(*JoinBuffer)

// WithPrev chains this buffer to the buffer holding the records it extends,
// enabling back-reference resolution during Materialize (spec §3 "Buffered
// record layout", item 2; §9 "Back-references across buffers").
func WithPrev(prev *JoinBuffer) Option {
	return func(b *JoinBuffer) { b.prev = prev }
}

// WithPrecondition installs the ON-clause precondition evaluated at append
// time for the first inner table of an outer/semi-join.
func WithPrecondition(p Precondition) Option {
	return func(b *JoinBuffer) { b.precondition = p }
}

// WithAuxEstimator installs the per-record MRR auxiliary-buffer estimator.
func WithAuxEstimator(e AuxEstimator) Option {
	return func(b *JoinBuffer) { b.auxEstimator = e }
}

// JoinBuffer owns a contiguous byte arena of buffered records.
type JoinBuffer struct {
	layout   *record.Layout
	capacity int
	arena    []byte

	// records[i] is the byte offset of record i's length prefix in arena.
	records []int
	// backRefs[i] is the index into prev.records this record was appended
	// against, valid only when prev != nil.
	backRefs []int
	readIdx  int

	prev         *JoinBuffer
	precondition Precondition
	auxEstimator AuxEstimator
	auxBuffSize  int

	lengthWidth     int
	backOffsetWidth int
	offsetWidth     int
}

// New creates a JoinBuffer for layout, capped at capacity bytes.
func New(layout *record.Layout, capacity int, opts ...Option) *JoinBuffer {
	b := &JoinBuffer{
		layout:      layout,
		capacity:    capacity,
		lengthWidth: record.WidthFor(capacity),
		offsetWidth: record.WidthFor(capacity),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.prev != nil {
		b.backOffsetWidth = record.WidthFor(capacity)
	}
	return b
}

// Layout returns the buffer's record layout.
func (b *JoinBuffer) Layout() *record.Layout { return b.layout }

// Len returns the number of records currently held.
func (b *JoinBuffer) Len() int { return len(b.records) }

// Size returns the number of bytes currently used by the record arena
// (excluding any hashed-variant index structures).
func (b *JoinBuffer) Size() int { return len(b.arena) }

// Append packs dr into the arena. It returns IsFull=true without modifying
// the buffer when dr would not fit at all; otherwise it writes the record
// and sets IsFull=true when the buffer judges that an average-sized record
// plus accumulated auxiliary-buffer growth would no longer fit (spec §4.2).
func (b *JoinBuffer) Append(dr DrivingRow, prevIdx int) (AppendResult, error) {
	buf := make([]byte, 0, b.layout.PackLength)
	buf = append(buf, make([]byte, b.lengthWidth)...)
	if b.prev != nil {
		if prevIdx < 0 || prevIdx >= len(b.prev.records) {
			return AppendResult{}, fmt.Errorf("buffer: prevIdx %d out of range", prevIdx)
		}
		buf = appendUint(buf, 0, b.backOffsetWidth) // reserved; resolved via backRefs
	}

	if b.layout.HasMatchFlag {
		flag := NotFound
		if b.precondition != nil && !b.precondition(dr) {
			flag = Impossible
		}
		buf = append(buf, byte(flag))
	}

	nullBitmapStart := make([]int, len(b.layout.Tables))
	tableRow := make([]schema.Row, len(b.layout.Tables))
	for i, slot := range b.layout.Tables {
		tableRow[i] = dr[slot.Table]
		nullBitmapStart[i] = len(buf)
		if slot.NullBitmapBytes > 0 {
			buf = append(buf, make([]byte, slot.NullBitmapBytes)...)
		}
		if slot.HasNullRowFlag {
			flag := byte(0)
			if v, present := dr[slot.Table]; !present || v == nil {
				flag = 1
			}
			buf = append(buf, flag)
		}
	}

	fieldOffsets := make([]int, len(b.layout.Fields))
	for fi, fc := range b.layout.Fields {
		val, isNull := rowValue(tableRow[fc.TableIndex], fc.Name)
		if isNull && fc.NullBitIndex >= 0 {
			setBit(buf[nullBitmapStart[fc.TableIndex]:], fc.NullBitIndex)
		}
		fieldOffsets[fi] = len(buf)
		buf = encodeField(buf, fc, val, isNull)
	}

	if b.layout.ReferencedFieldCount > 0 {
		table := make([]int, b.layout.ReferencedFieldCount)
		for fi, fc := range b.layout.Fields {
			if fc.ReferencedFieldNo == 0 {
				continue
			}
			_, isNull := rowValue(tableRow[fc.TableIndex], fc.Name)
			off := fieldOffsets[fi]
			if isNull {
				off = 0
			}
			table[fc.ReferencedFieldNo-1] = off
		}
		for _, off := range table {
			buf = appendUint(buf, uint64(off), b.offsetWidth)
		}
	}

	if len(b.arena)+len(buf) > b.capacity {
		return AppendResult{IsFull: true}, nil
	}

	putUint(buf, 0, uint64(len(buf)-b.lengthWidth), b.lengthWidth)

	start := len(b.arena)
	b.arena = append(b.arena, buf...)
	b.records = append(b.records, start)
	if b.prev != nil {
		b.backRefs = append(b.backRefs, prevIdx)
	}

	if b.auxEstimator != nil {
		b.auxBuffSize += b.auxEstimator(dr)
	}

	avg := len(b.arena) / len(b.records)
	isFull := len(b.arena)+avg > b.capacity-b.auxBuffSize
	return AppendResult{WrittenBytes: len(buf), IsFull: isFull}, nil
}

// putUint writes v in width little-endian bytes starting at buf[pos].
func putUint(buf []byte, pos int, v uint64, width int) {
	for i := 0; i < width; i++ {
		buf[pos+i] = byte(v)
		v >>= 8
	}
}

// Reset rewinds the read cursor; when forWriting it also discards all
// records so the buffer can be refilled (spec §4.2 reset).
func (b *JoinBuffer) Reset(forWriting bool) {
	b.readIdx = 0
	if forWriting {
		b.arena = b.arena[:0]
		b.records = b.records[:0]
		b.backRefs = b.backRefs[:0]
		b.auxBuffSize = 0
	}
}

// NextRead returns the next unread record, or ok=false at end of buffer.
func (b *JoinBuffer) NextRead() (*RecordCursor, bool) {
	if b.readIdx >= len(b.records) {
		return nil, false
	}
	c := &RecordCursor{buf: b, idx: b.readIdx}
	b.readIdx++
	return c, true
}

// Cursor addresses record idx directly (used by the hashed variant's chain
// walk and by the coordinator's candidate iteration).
func (b *JoinBuffer) Cursor(idx int) *RecordCursor { return &RecordCursor{buf: b, idx: idx} }

// RecordCount returns how many records are resident right now.
func (b *JoinBuffer) RecordCount() int { return len(b.records) }

func (b *JoinBuffer) recordSpan(idx int) (start, end int) {
	start = b.records[idx]
	length := int(readUint(b.arena[start:start+b.lengthWidth], b.lengthWidth))
	end = start + b.lengthWidth + length
	return
}

func (b *JoinBuffer) matchFlagLocation(idx int) (*JoinBuffer, int, bool) {
	if b.layout.HasMatchFlag {
		pos := b.records[idx] + b.lengthWidth
		if b.prev != nil {
			pos += b.backOffsetWidth
		}
		return b, pos, true
	}
	if b.prev != nil {
		return b.prev.matchFlagLocation(b.backRefs[idx])
	}
	return nil, 0, false
}

// GetMatchFlag reads the match flag owning this record, walking back through
// chained buffers if this buffer does not carry one itself.
func (b *JoinBuffer) GetMatchFlag(c *RecordCursor) MatchFlag {
	buf, pos, ok := c.buf.matchFlagLocation(c.idx)
	if !ok {
		return NotFound
	}
	return MatchFlag(buf.arena[pos])
}

// SetMatchFlagIfNone transitions NOT_FOUND -> FOUND and reports whether it
// did; it is a no-op (and returns false) on FOUND or IMPOSSIBLE, since the
// spec treats IMPOSSIBLE as a terminal state (spec §9 Open Questions).
func (b *JoinBuffer) SetMatchFlagIfNone(c *RecordCursor) bool {
	buf, pos, ok := c.buf.matchFlagLocation(c.idx)
	if !ok {
		return false
	}
	if MatchFlag(buf.arena[pos]) == NotFound {
		buf.arena[pos] = byte(Found)
		return true
	}
	return false
}

// SkipIfMatched reports whether c's match flag is already FOUND, used by
// semi-join FirstMatch to stop considering further candidates for a driving
// record that already produced one output row.
func (b *JoinBuffer) SkipIfMatched(c *RecordCursor) bool {
	return b.GetMatchFlag(c) == Found
}

// SkipIfNotNeededMatch reports whether c's match flag is IMPOSSIBLE, the
// ON-clause precondition was already false for this driving row at append
// time, so it can never produce or need a match.
func (b *JoinBuffer) SkipIfNotNeededMatch(c *RecordCursor) bool {
	return b.GetMatchFlag(c) == Impossible
}

// Materialize reconstructs the full DrivingRow for c, recursively resolving
// the chain of back-referenced records in earlier buffers (spec §4.2
// materialize; §9 "Back-references across buffers").
func (b *JoinBuffer) Materialize(c *RecordCursor) (DrivingRow, error) {
	return c.buf.materializeIdx(c.idx)
}

func (b *JoinBuffer) materializeIdx(idx int) (DrivingRow, error) {
	result := DrivingRow{}
	if b.prev != nil {
		prevRow, err := b.prev.materializeIdx(b.backRefs[idx])
		if err != nil {
			return nil, err
		}
		for k, v := range prevRow {
			result[k] = v
		}
	}

	start, _ := b.recordSpan(idx)
	pos := start + b.lengthWidth
	if b.prev != nil {
		pos += b.backOffsetWidth
	}
	if b.layout.HasMatchFlag {
		pos++
	}

	nullBitmapStart := make([]int, len(b.layout.Tables))
	isNullRow := make([]bool, len(b.layout.Tables))
	for i, slot := range b.layout.Tables {
		nullBitmapStart[i] = pos
		pos += slot.NullBitmapBytes
		if slot.HasNullRowFlag {
			isNullRow[i] = b.arena[pos] == 1
			pos++
		}
	}

	rows := make([]schema.Row, len(b.layout.Tables))
	for i := range b.layout.Tables {
		if !isNullRow[i] {
			rows[i] = schema.Row{}
		}
	}

	for _, fc := range b.layout.Fields {
		isNull := fc.NullBitIndex >= 0 && getBit(b.arena[nullBitmapStart[fc.TableIndex]:], fc.NullBitIndex)
		val, newPos, err := decodeField(b.arena, pos, fc, isNull)
		if err != nil {
			return nil, err
		}
		pos = newPos
		if rows[fc.TableIndex] == nil {
			continue // null-complemented row: fields are not materialized
		}
		rows[fc.TableIndex][fc.Name] = val
	}

	for i, slot := range b.layout.Tables {
		if isNullRow[i] {
			result[slot.Table] = nil
			continue
		}
		if _, already := result[slot.Table]; !already {
			result[slot.Table] = rows[i]
		}
	}
	return result, nil
}

// MaterializeReferencedField reads a single field previously marked
// referenced (record.Layout.MarkReferenced), via the trailing offset table,
// without materializing the rest of the record (spec §4.2).
func (b *JoinBuffer) MaterializeReferencedField(fc *record.FieldCopy, c *RecordCursor) (any, bool, error) {
	if fc.ReferencedFieldNo == 0 {
		return nil, false, fmt.Errorf("buffer: field %s.%s is not referenced", fc.Table, fc.Name)
	}
	start, end := c.buf.recordSpan(c.idx)
	tableStart := end - c.buf.layout.ReferencedFieldCount*c.buf.offsetWidth
	entryPos := tableStart + (fc.ReferencedFieldNo-1)*c.buf.offsetWidth
	off := int(readUint(c.buf.arena[entryPos:entryPos+c.buf.offsetWidth], c.buf.offsetWidth))
	if off == 0 {
		return nil, true, nil
	}
	val, _, err := decodeField(c.buf.arena, start+off, fc, false)
	return val, false, err
}
