package value

import (
	stderrors "errors"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/caffeineduck/starbridge/errors"
)

// Hashable reports whether v may be used as a mapping key or set member.
func Hashable(v Value) bool {
	_, err := hashKey(v)
	return err == nil
}

// hashKey returns a canonical encoding of a hashable value. Integral floats
// share the encoding of the equal integer, as they do in the interpreter.
func hashKey(v Value) (string, error) {
	switch v.kind {
	case KindNull:
		return "n", nil
	case KindBool:
		if v.b {
			return "b1", nil
		}
		return "b0", nil
	case KindInt:
		if v.big != nil {
			return "i" + v.big.String(), nil
		}
		return "i" + strconv.FormatInt(v.i, 10), nil
	case KindFloat:
		if !math.IsInf(v.f, 0) && !math.IsNaN(v.f) && v.f == math.Trunc(v.f) {
			n, _ := big.NewFloat(v.f).Int(nil)
			return "i" + n.String(), nil
		}
		return "f" + strconv.FormatFloat(v.f, 'g', -1, 64), nil
	case KindString:
		return "s" + strconv.Quote(v.s), nil
	case KindBytes:
		return "y" + strconv.Quote(v.s), nil
	case KindDateTime:
		return "t" + v.t.UTC().Format(time.RFC3339Nano), nil
	case KindTuple:
		var b strings.Builder
		b.WriteByte('(')
		for n, item := range v.items {
			k, err := hashKey(item)
			if err != nil {
				return "", pathErr(err, "member", n)
			}
			if n > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
		}
		b.WriteByte(')')
		return b.String(), nil
	}
	return "", errors.UnsupportedType(errors.PhaseEncode, nil, "unhashable "+v.kind.String())
}

func keyEqual(a, b Value) bool {
	ka, err := hashKey(a)
	if err != nil {
		return false
	}
	kb, err := hashKey(b)
	if err != nil {
		return false
	}
	return ka == kb
}

func pathErr(err error, seg string, n int) error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		cp := *e
		cp.Path = append([]string{seg + "[" + strconv.Itoa(n) + "]"}, e.Path...)
		return &cp
	}
	return err
}

// Equal reports deep equality. Kinds must match, so a Tuple never equals a
// List; use SequenceEqual to compare both as plain sequences. Mapping and
// Set comparisons ignore order. Opaque kinds compare by identity.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		if a.big != nil || b.big != nil {
			x, _ := a.AsBigInt()
			y, _ := b.AsBigInt()
			return x.Cmp(y) == 0
		}
		return a.i == b.i
	case KindFloat:
		return a.f == b.f || (math.IsNaN(a.f) && math.IsNaN(b.f))
	case KindString, KindBytes:
		return a.s == b.s
	case KindTuple, KindList:
		return itemsEqual(a.items, b.items)
	case KindSet:
		if len(a.items) != len(b.items) {
			return false
		}
		for _, item := range a.items {
			if !b.Has(item) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(a.entries) != len(b.entries) {
			return false
		}
		for _, e := range a.entries {
			other, ok := b.Get(e.Key)
			if !ok || !Equal(e.Value, other) {
				return false
			}
		}
		return true
	case KindCallable:
		return sameRef(a.fn, b.fn)
	case KindInstance:
		return sameRef(a.inst, b.inst)
	case KindIterator:
		return sameRef(a.it, b.it)
	case KindError:
		return envelopeEqual(a.exc, b.exc)
	case KindDateTime:
		return a.t.Equal(b.t)
	}
	return false
}

// SequenceEqual compares tuples and lists as ordered sequences, ignoring
// which of the two each side is.
func SequenceEqual(a, b Value) bool {
	isSeq := func(v Value) bool { return v.kind == KindTuple || v.kind == KindList }
	if !isSeq(a) || !isSeq(b) {
		return false
	}
	return itemsEqual(a.items, b.items)
}

func itemsEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func envelopeEqual(a, b *errors.Envelope) bool {
	for a != nil && b != nil {
		if a.Type != b.Type || a.Message != b.Message {
			return false
		}
		a, b = a.Cause, b.Cause
	}
	return a == nil && b == nil
}

func sameRef(x, y any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return x == y
}
