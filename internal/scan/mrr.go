package scan

import (
	"context"

	"blockjoin/internal/schema"
	"blockjoin/internal/storage"
)

// mrrScanner is V2: positions the handler on its join index and drives a
// multi-range-read using the buffer-backed storage.RangeSeq (spec §4.4
// "V2 Multi-range").
type mrrScanner struct {
	handler storage.Handler
	pred    Predicate
	seq     storage.RangeSeq
}

func (s *mrrScanner) Open(ctx context.Context) error {
	if err := s.handler.IndexInit(ctx, 0, false); err != nil {
		return err
	}
	return s.handler.MultiRangeReadInit(ctx, s.seq)
}

func (s *mrrScanner) Next(ctx context.Context) (schema.Row, any, bool, error) {
	for {
		row, tag, err := s.handler.MultiRangeReadNext(ctx)
		if err == storage.ErrEndOfRange {
			return nil, nil, false, nil
		}
		if err != nil {
			return nil, nil, false, err
		}
		if s.pred == nil || s.pred(row) {
			return row, tag, true, nil
		}
	}
}

func (s *mrrScanner) Close() error {
	return nil
}

// AuxBufferIncr grows with records appended: the first adds the handler's
// ref length (a stand-in for key_length + handler_ref_length, since key
// length is already accounted for by the buffer's own record size); each
// further record adds the handler's reported per-record MRR overhead
// (spec §4.4 "aux_buffer_incr(recno)").
func (s *mrrScanner) AuxBufferIncr(recno int) int {
	if recno <= 1 {
		return s.handler.RefLength()
	}
	return s.handler.MRRLengthPerRec()
}
