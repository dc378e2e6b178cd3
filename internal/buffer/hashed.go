package buffer

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"blockjoin/internal/record"
)

// KeyPart names one field that participates in a hashed buffer's join key.
// Local fields live in this buffer's own Layout.Fields; Referenced fields
// were marked via record.Layout.MarkReferenced on an earlier buffer and are
// read back through MaterializeReferencedField (spec §4.3, item "key is
// built from the buffer's own fields plus referenced fields of prior
// tables").
type KeyPart struct {
	Field      *record.FieldCopy
	Referenced bool
}

// KeySpec is the ordered list of key parts hashed to place and look up a
// record in the buffer's circular hash chains.
type KeySpec []KeyPart

// chainEntry is one slot of the in-buffer hash table: the index of the most
// recently appended record hashing to this slot, or -1 if empty. Collisions
// link backwards through HashedJoinBuffer.next (spec §4.3 "circular
// key-chains", expressed here as a Go slice instead of raw arena offsets;
// see design notes).
type chainEntry struct {
	head int
}

// HashedJoinBuffer is C3: a JoinBuffer augmented with an in-memory hash
// index over a configurable key, so RightSideScanner can probe for matching
// driving rows instead of scanning the whole buffer per right-side record.
type HashedJoinBuffer struct {
	*JoinBuffer
	key     KeySpec
	buckets map[uint64]int // hash -> most recently appended record index
	next    []int          // next[i] = earlier record index sharing buckets, or -1
}

// NewHashed creates a HashedJoinBuffer for layout and key, capped at
// capacity bytes.
func NewHashed(layout *record.Layout, capacity int, key KeySpec, opts ...Option) *HashedJoinBuffer {
	return &HashedJoinBuffer{
		JoinBuffer: New(layout, capacity, opts...),
		key:        key,
		buckets:    make(map[uint64]int),
	}
}

func (h *HashedJoinBuffer) hashOf(c *RecordCursor) (uint64, error) {
	d := xxhash.New()
	for _, kp := range h.key {
		var val any
		var isNull bool
		if kp.Referenced {
			v, null, err := h.JoinBuffer.MaterializeReferencedField(kp.Field, c)
			if err != nil {
				return 0, err
			}
			val, isNull = v, null
		} else {
			dr, err := h.JoinBuffer.Materialize(c)
			if err != nil {
				return 0, err
			}
			v, null := rowValue(dr[kp.Field.Table], kp.Field.Name)
			val, isNull = v, null
		}
		if isNull {
			d.Write([]byte{0})
			continue
		}
		d.Write([]byte{1})
		d.Write(keyBytes(kp.Field, val))
	}
	return d.Sum64(), nil
}

// keyBytes returns the bytes hashed for one key part. Under a "_ci"
// collation string values are lower-cased first, so keys that keyEquals
// treats as equal also hash to the same bucket.
func keyBytes(fc *record.FieldCopy, val any) []byte {
	ci := isCaseInsensitiveCollation(fc.Collation)
	switch v := val.(type) {
	case string:
		if ci {
			return []byte(strings.ToLower(v))
		}
		return []byte(v)
	case []byte:
		if ci {
			return []byte(strings.ToLower(string(v)))
		}
		return v
	default:
		buf := make([]byte, 8)
		n := asInt64(v)
		for i := 0; i < 8; i++ {
			buf[i] = byte(n)
			n >>= 8
		}
		return buf
	}
}

// hashDrivingRow hashes a not-yet-appended driving row the same way hashOf
// hashes a resident record, so Lookup can be called before any Append.
func (h *HashedJoinBuffer) hashDrivingRow(dr DrivingRow) uint64 {
	d := xxhash.New()
	for _, kp := range h.key {
		v, isNull := rowValue(dr[kp.Field.Table], kp.Field.Name)
		if isNull {
			d.Write([]byte{0})
			continue
		}
		d.Write([]byte{1})
		d.Write(keyBytes(kp.Field, v))
	}
	return d.Sum64()
}

// Append packs dr and links it into its key's hash chain.
func (h *HashedJoinBuffer) Append(dr DrivingRow, prevIdx int) (AppendResult, error) {
	res, err := h.JoinBuffer.Append(dr, prevIdx)
	if err != nil || res.WrittenBytes == 0 {
		return res, err
	}
	idx := len(h.JoinBuffer.records) - 1
	c := h.JoinBuffer.Cursor(idx)
	hv, err := h.hashOf(c)
	if err != nil {
		return res, err
	}
	prev, ok := h.buckets[hv]
	if !ok {
		prev = -1
	}
	if len(h.next) <= idx {
		h.next = append(h.next, make([]int, idx-len(h.next)+1)...)
	}
	h.next[idx] = prev
	h.buckets[hv] = idx
	return res, nil
}

// keyEquals reports whether c's key values equal probe's, value by value,
// instead of trusting the bucket hash alone: two keys can collide on hash
// without being equal, and spec §4.3 requires a column-collation-aware
// comparison ("complex" comparison) whenever a key part is a varstring with
// a collation. A nil probe (no driving row to compare against, as for a
// BKAH candidate seeded directly from an MRR tag) always matches.
func (h *HashedJoinBuffer) keyEquals(c *RecordCursor, probe DrivingRow) (bool, error) {
	if probe == nil {
		return true, nil
	}
	for _, kp := range h.key {
		var cVal any
		var cNull bool
		if kp.Referenced {
			v, null, err := h.JoinBuffer.MaterializeReferencedField(kp.Field, c)
			if err != nil {
				return false, err
			}
			cVal, cNull = v, null
		} else {
			dr, err := h.JoinBuffer.Materialize(c)
			if err != nil {
				return false, err
			}
			v, null := rowValue(dr[kp.Field.Table], kp.Field.Name)
			cVal, cNull = v, null
		}
		pVal, pNull := rowValue(probe[kp.Field.Table], kp.Field.Name)
		if cNull || pNull {
			if cNull != pNull {
				return false, nil
			}
			continue
		}
		if !valuesEqual(kp.Field, cVal, pVal) {
			return false, nil
		}
	}
	return true, nil
}

// valuesEqual compares two key field values, honoring a case-insensitive
// collation on varstring parts rather than a plain byte compare (spec §4.3).
func valuesEqual(fc *record.FieldCopy, a, b any) bool {
	if isCaseInsensitiveCollation(fc.Collation) {
		return strings.EqualFold(fmt.Sprint(a), fmt.Sprint(b))
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// isCaseInsensitiveCollation reports whether collation names a MySQL
// case-insensitive ("_ci") collation, e.g. utf8mb4_general_ci.
func isCaseInsensitiveCollation(collation string) bool {
	return strings.HasSuffix(strings.ToLower(collation), "_ci")
}

// chainMatch walks the bucket chain for hv looking for the first record
// whose key truly equals probe, returning its index and ok=true, or
// ok=false if the chain is empty or nothing in it matches.
func (h *HashedJoinBuffer) chainMatch(hv uint64, probe DrivingRow) (int, bool) {
	idx, ok := h.buckets[hv]
	for ok {
		c := h.JoinBuffer.Cursor(idx)
		if eq, err := h.keyEquals(c, probe); err == nil && eq {
			return idx, true
		}
		next := h.next[idx]
		ok = next >= 0
		idx = next
	}
	return 0, false
}

// ChainHead returns the first record whose key truly equals probe (not
// merely hashes the same), plus the hash value (for use with Iterate), and
// ok=false if nothing in the bucket matches.
func (h *HashedJoinBuffer) ChainHead(probe DrivingRow) (*RecordCursor, uint64, bool) {
	hv := h.hashDrivingRow(probe)
	idx, ok := h.chainMatch(hv, probe)
	if !ok {
		return nil, hv, false
	}
	return h.JoinBuffer.Cursor(idx), hv, true
}

// ChainIter walks a hash chain from a starting cursor returned by ChainHead,
// skipping any hash-colliding record whose key does not equal probe.
type ChainIter struct {
	h     *HashedJoinBuffer
	idx   int
	probe DrivingRow
}

// Iterate returns an iterator positioned at head, filtering the rest of the
// chain against probe's key (the same probe passed to ChainHead).
func (h *HashedJoinBuffer) Iterate(head *RecordCursor, probe DrivingRow) *ChainIter {
	return &ChainIter{h: h, idx: head.idx, probe: probe}
}

// Next returns the next record whose key equals probe, advancing past any
// hash collision along the way, or ok=false once the chain is exhausted.
func (it *ChainIter) Next() (*RecordCursor, bool) {
	for it.idx >= 0 {
		c := it.h.JoinBuffer.Cursor(it.idx)
		next := it.h.next[it.idx]
		eq, err := it.h.keyEquals(c, it.probe)
		it.idx = next
		if err == nil && eq {
			return c, true
		}
	}
	return nil, false
}

// CheckAllMatchFlagsForKey reports whether every resident record hashing to
// probe's key already carries the given match flag. scan.BufferRangeSeq's
// SkipRecord uses it to omit MRR ranges whose records are all FOUND.
func (h *HashedJoinBuffer) CheckAllMatchFlagsForKey(probe DrivingRow, want MatchFlag) bool {
	head, _, ok := h.ChainHead(probe)
	if !ok {
		return true
	}
	it := h.Iterate(head, probe)
	for {
		c, ok := it.Next()
		if !ok {
			return true
		}
		if h.JoinBuffer.GetMatchFlag(c) != want {
			return false
		}
	}
}

// Reset clears the hash index along with the underlying record arena.
func (h *HashedJoinBuffer) Reset(forWriting bool) {
	h.JoinBuffer.Reset(forWriting)
	if forWriting {
		h.buckets = make(map[uint64]int)
		h.next = h.next[:0]
	}
}
