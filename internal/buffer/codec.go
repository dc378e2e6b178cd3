package buffer

import (
	"math"
	"strings"

	"blockjoin/internal/record"
	"blockjoin/internal/schema"
)

// rowValue reads column name out of row, reporting whether it is absent or
// explicitly nil (both are treated as SQL NULL).
func rowValue(row schema.Row, name string) (any, bool) {
	if row == nil {
		return nil, true
	}
	v, ok := row[name]
	if !ok || v == nil {
		return nil, true
	}
	return v, false
}

func appendUint(buf []byte, v uint64, width int) []byte {
	for i := 0; i < width; i++ {
		buf = append(buf, byte(v))
		v >>= 8
	}
	return buf
}

func readUint(b []byte, width int) uint64 {
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func setBit(b []byte, idx int) {
	b[idx/8] |= 1 << uint(idx%8)
}

func getBit(b []byte, idx int) bool {
	return b[idx/8]&(1<<uint(idx%8)) != 0
}

func asInt64(val any) int64 {
	switch v := val.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	default:
		return 0
	}
}

// encodeField appends fc's wire representation of val to buf, returning the
// extended slice. isNull records write a zero-length/zero-value payload so
// that decodeField can consume a symmetric number of bytes; nullness itself
// is tracked separately in the record's null bitmap (spec §3, item 5).
func encodeField(buf []byte, fc *record.FieldCopy, val any, isNull bool) []byte {
	switch fc.Variant {
	case record.Fixed:
		w := fc.Width
		if w <= 0 {
			w = 8
		}
		var bits uint64
		if !isNull {
			if f, ok := val.(float64); ok && w == 8 {
				bits = math.Float64bits(f)
			} else {
				bits = uint64(asInt64(val))
			}
		}
		return appendUint(buf, bits, w)

	case record.VarStr1, record.VarStr2:
		s := ""
		if !isNull {
			if sv, ok := val.(string); ok {
				s = sv
			}
		}
		width := 1
		if fc.Variant == record.VarStr2 {
			width = 2
		}
		buf = appendUint(buf, uint64(len(s)), width)
		return append(buf, s...)

	case record.StrippedString:
		s := ""
		if !isNull {
			if sv, ok := val.(string); ok {
				s = strings.TrimRight(sv, " ")
			}
		}
		buf = appendUint(buf, uint64(len(s)), 1)
		return append(buf, s...)

	case record.Blob:
		var b []byte
		if !isNull {
			switch v := val.(type) {
			case []byte:
				b = v
			case string:
				b = []byte(v)
			}
		}
		buf = appendUint(buf, uint64(len(b)), 4)
		return append(buf, b...)

	default:
		return buf
	}
}

// decodeField reads one field's value starting at arena[pos], returning the
// decoded value (nil if isNull) and the position immediately after it.
func decodeField(arena []byte, pos int, fc *record.FieldCopy, isNull bool) (any, int, error) {
	switch fc.Variant {
	case record.Fixed:
		w := fc.Width
		if w <= 0 {
			w = 8
		}
		bits := readUint(arena[pos:pos+w], w)
		pos += w
		if isNull {
			return nil, pos, nil
		}
		return int64(bits), pos, nil

	case record.VarStr1, record.VarStr2:
		width := 1
		if fc.Variant == record.VarStr2 {
			width = 2
		}
		l := int(readUint(arena[pos:pos+width], width))
		pos += width
		s := string(arena[pos : pos+l])
		pos += l
		if isNull {
			return nil, pos, nil
		}
		return s, pos, nil

	case record.StrippedString:
		l := int(readUint(arena[pos:pos+1], 1))
		pos++
		s := string(arena[pos : pos+l])
		pos += l
		if isNull {
			return nil, pos, nil
		}
		if fc.Length > len(s) {
			s += strings.Repeat(" ", fc.Length-len(s))
		}
		return s, pos, nil

	case record.Blob:
		l := int(readUint(arena[pos:pos+4], 4))
		pos += 4
		b := append([]byte(nil), arena[pos:pos+l]...)
		pos += l
		if isNull {
			return nil, pos, nil
		}
		return b, pos, nil

	default:
		return nil, pos, nil
	}
}
