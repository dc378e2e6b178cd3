package coordinator

import "blockjoin/internal/buffer"

// CandidateIter yields the buffered driving records a right-hand row should
// be tested against, in "prepare_look_for_matches" order (spec §4.5).
type CandidateIter interface {
	Next() (*buffer.RecordCursor, bool)
}

// allCandidates walks every record from 0 to end, optionally stopping one
// short of the end (skip_last), for BNL access.
type allCandidates struct {
	buf   buffer.Buffer
	idx   int
	limit int
}

func newAllCandidates(buf buffer.Buffer, skipLast bool) *allCandidates {
	limit := buf.RecordCount()
	if skipLast && limit > 0 {
		limit--
	}
	return &allCandidates{buf: buf, limit: limit}
}

func (c *allCandidates) Next() (*buffer.RecordCursor, bool) {
	if c.idx >= c.limit {
		return nil, false
	}
	cur := c.buf.Cursor(c.idx)
	c.idx++
	return cur, true
}

// chainCandidates walks a hashed buffer's key-chain starting at head, for
// BNLH and BKAH access. probe is the driving-row key the chain is filtered
// against (nil for BKAH, where the scanner's MRR tag already names an exact
// candidate and no probe row is available).
type chainCandidates struct {
	it *buffer.ChainIter
}

func newChainCandidates(hb *buffer.HashedJoinBuffer, head *buffer.RecordCursor, probe buffer.DrivingRow) *chainCandidates {
	if head == nil {
		return &chainCandidates{}
	}
	return &chainCandidates{it: hb.Iterate(head, probe)}
}

func (c *chainCandidates) Next() (*buffer.RecordCursor, bool) {
	if c.it == nil {
		return nil, false
	}
	return c.it.Next()
}

// singleCandidate yields exactly one record, for BKA access where the tag
// names a single buffer position.
type singleCandidate struct {
	cur  *buffer.RecordCursor
	done bool
}

func newSingleCandidate(cur *buffer.RecordCursor) *singleCandidate {
	return &singleCandidate{cur: cur}
}

func (c *singleCandidate) Next() (*buffer.RecordCursor, bool) {
	if c.done || c.cur == nil {
		return nil, false
	}
	c.done = true
	return c.cur, true
}
