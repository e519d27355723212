package models

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// ValueKind tags a DynValue.
type ValueKind byte

const (
	KindNumber ValueKind = iota + 1
	KindBool
	KindTime
	KindString
)

// DynValue is a small tagged union a strategy can keep between decisions.
type DynValue struct {
	Kind ValueKind
	Num  float64
	Bool bool
	Time time.Time
	Str  string
}

func Number(v float64) DynValue      { return DynValue{Kind: KindNumber, Num: v} }
func Bool(v bool) DynValue           { return DynValue{Kind: KindBool, Bool: v} }
func Timestamp(v time.Time) DynValue { return DynValue{Kind: KindTime, Time: v} }
func String(v string) DynValue       { return DynValue{Kind: KindString, Str: v} }

// Scribbles is the per-strategy scratch space persisted across runs.
type Scribbles map[string]DynValue

// Clone returns a copy.
func (s Scribbles) Clone() Scribbles {
	out := make(Scribbles, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

var scribbleMagic = [4]byte{'S', 'C', 'R', '1'}

var ErrBadScribbles = errors.New("malformed scribbles")

// MarshalBinary encodes s as: magic, uint32 count, then per entry a
// uint16-prefixed key, a kind byte and the payload. Keys are sorted.
func (s Scribbles) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(scribbleMagic[:])

	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	le := binary.LittleEndian
	_ = binary.Write(&buf, le, uint32(len(keys)))
	for _, k := range keys {
		if len(k) > math.MaxUint16 {
			return nil, fmt.Errorf("scribble key too long: %d bytes", len(k))
		}
		v := s[k]
		_ = binary.Write(&buf, le, uint16(len(k)))
		buf.WriteString(k)
		buf.WriteByte(byte(v.Kind))
		switch v.Kind {
		case KindNumber:
			_ = binary.Write(&buf, le, math.Float64bits(v.Num))
		case KindBool:
			if v.Bool {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case KindTime:
			_ = binary.Write(&buf, le, v.Time.UnixMilli())
		case KindString:
			_ = binary.Write(&buf, le, uint32(len(v.Str)))
			buf.WriteString(v.Str)
		default:
			return nil, fmt.Errorf("scribble %q has unknown kind %d", k, v.Kind)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the form written by MarshalBinary.
func (s *Scribbles) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	le := binary.LittleEndian

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != scribbleMagic {
		return ErrBadScribbles
	}
	var count uint32
	if err := binary.Read(r, le, &count); err != nil {
		return ErrBadScribbles
	}

	out := make(Scribbles, count)
	for i := uint32(0); i < count; i++ {
		var klen uint16
		if err := binary.Read(r, le, &klen); err != nil {
			return ErrBadScribbles
		}
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return ErrBadScribbles
		}
		kind, err := r.ReadByte()
		if err != nil {
			return ErrBadScribbles
		}

		v := DynValue{Kind: ValueKind(kind)}
		switch v.Kind {
		case KindNumber:
			var bits uint64
			if err := binary.Read(r, le, &bits); err != nil {
				return ErrBadScribbles
			}
			v.Num = math.Float64frombits(bits)
		case KindBool:
			b, err := r.ReadByte()
			if err != nil {
				return ErrBadScribbles
			}
			v.Bool = b == 1
		case KindTime:
			var ms int64
			if err := binary.Read(r, le, &ms); err != nil {
				return ErrBadScribbles
			}
			v.Time = time.UnixMilli(ms).UTC()
		case KindString:
			var n uint32
			if err := binary.Read(r, le, &n); err != nil {
				return ErrBadScribbles
			}
			if int64(n) > int64(r.Len()) {
				return ErrBadScribbles
			}
			str := make([]byte, n)
			if _, err := io.ReadFull(r, str); err != nil {
				return ErrBadScribbles
			}
			v.Str = string(str)
		default:
			return fmt.Errorf("%w: unknown kind %d", ErrBadScribbles, kind)
		}
		out[string(key)] = v
	}

	*s = out
	return nil
}
