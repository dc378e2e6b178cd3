package scan

import (
	"context"

	"blockjoin/internal/schema"
	"blockjoin/internal/storage"
)

// fullScanner is V1: a full or quick-range scan of the right-hand table,
// applying this table's pushed-down predicate and skipping non-matches
// (spec §4.4 "V1 Full-scan").
type fullScanner struct {
	handler storage.Handler
	pred    Predicate
}

func (s *fullScanner) Open(ctx context.Context) error {
	return s.handler.RndInit(ctx)
}

func (s *fullScanner) Next(ctx context.Context) (schema.Row, any, bool, error) {
	for {
		row, err := s.handler.RndNext(ctx)
		if err == storage.ErrEndOfRange {
			return nil, nil, false, nil
		}
		if err != nil {
			return nil, nil, false, err
		}
		if s.pred == nil || s.pred(row) {
			return row, nil, true, nil
		}
	}
}

func (s *fullScanner) Close() error {
	return s.handler.RndEnd()
}

func (s *fullScanner) AuxBufferIncr(recno int) int { return 0 }
