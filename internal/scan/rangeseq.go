package scan

import (
	"blockjoin/internal/buffer"
	"blockjoin/internal/storage"
)

// BufferRangeSeq adapts a HashedJoinBuffer into the three-callback
// storage.RangeSeq protocol MRR scans are driven by: Init rewinds the
// buffer's key cursor, Next builds the next distinct key (skipping
// IMPOSSIBLE records), SkipRecord suppresses ranges whose entire chain
// already carries the wanted match flag (spec §4.4 range_seq_init/next/
// skip_record).
type BufferRangeSeq struct {
	hb       *buffer.HashedJoinBuffer
	keyTable string
	pos      int
	seen     map[uint64]bool
}

// NewBufferRangeSeq builds a RangeSeq over hb; keyTable names the table
// whose row the produced Range.Key carries.
func NewBufferRangeSeq(hb *buffer.HashedJoinBuffer, keyTable string) *BufferRangeSeq {
	return &BufferRangeSeq{hb: hb, keyTable: keyTable}
}

func (s *BufferRangeSeq) Init() {
	s.pos = 0
	s.seen = make(map[uint64]bool)
}

// Next builds the next distinct key from the buffer's resident records,
// returning the equality range tagged with the chain head (BKAH) for this
// key. Records already seen via an earlier chain are skipped since their
// key has already produced a range.
func (s *BufferRangeSeq) Next() (storage.Range, bool) {
	for s.pos < s.hb.RecordCount() {
		idx := s.pos
		s.pos++
		c := s.hb.Cursor(idx)
		if s.hb.SkipIfNotNeededMatch(c) {
			continue
		}
		dr, err := s.hb.Materialize(c)
		if err != nil {
			continue
		}
		head, hv, ok := s.hb.ChainHead(dr)
		if !ok || s.seen[hv] {
			continue
		}
		s.seen[hv] = true
		return storage.Range{Type: storage.EqRange, Key: dr[s.keyTable], Ptr: head}, true
	}
	return storage.Range{}, false
}

// SkipRecord reports whether every record chained under ptr's key already
// carries a FOUND match flag, making the lookup unnecessary (spec §4.4,
// §4.3 check_all_match_flags_for_key).
func (s *BufferRangeSeq) SkipRecord(ptr any) bool {
	c, ok := ptr.(*buffer.RecordCursor)
	if !ok {
		return false
	}
	dr, err := s.hb.Materialize(c)
	if err != nil {
		return false
	}
	return s.hb.CheckAllMatchFlagsForKey(dr, buffer.Found)
}

var _ storage.RangeSeq = (*BufferRangeSeq)(nil)
