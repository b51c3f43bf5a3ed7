package value

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// String renders v the way the interpreter would print it.
func (v Value) String() string {
	var b strings.Builder
	v.format(&b)
	return b.String()
}

func (v Value) format(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("None")
	case KindBool:
		if v.b {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case KindInt:
		if v.big != nil {
			b.WriteString(v.big.String())
		} else {
			b.WriteString(strconv.FormatInt(v.i, 10))
		}
	case KindFloat:
		b.WriteString(formatFloat(v.f))
	case KindString:
		b.WriteString(strconv.Quote(v.s))
	case KindBytes:
		b.WriteByte('b')
		b.WriteString(strconv.Quote(v.s))
	case KindTuple:
		b.WriteByte('(')
		writeItems(b, v.items)
		if len(v.items) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case KindList:
		b.WriteByte('[')
		writeItems(b, v.items)
		b.WriteByte(']')
	case KindSet:
		b.WriteString("set([")
		writeItems(b, v.items)
		b.WriteString("])")
	case KindMapping:
		b.WriteByte('{')
		for n, e := range v.entries {
			if n > 0 {
				b.WriteString(", ")
			}
			e.Key.format(b)
			b.WriteString(": ")
			e.Value.format(b)
		}
		b.WriteByte('}')
	case KindCallable:
		b.WriteString("<callable ")
		b.WriteString(v.fn.Name())
		b.WriteByte('>')
	case KindInstance:
		b.WriteString("<instance ")
		b.WriteString(v.inst.TypeName())
		b.WriteByte('>')
	case KindIterator:
		b.WriteString("<iterator>")
	case KindError:
		b.WriteString(v.exc.Type)
		b.WriteByte('(')
		b.WriteString(strconv.Quote(v.exc.Message))
		b.WriteByte(')')
	case KindDateTime:
		b.WriteString(v.t.Format(time.RFC3339Nano))
	}
}

func formatFloat(f float64) string {
	abs := math.Abs(f)
	if math.IsInf(f, 0) || math.IsNaN(f) || (abs != 0 && (abs < 1e-4 || abs >= 1e16)) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func writeItems(b *strings.Builder, items []Value) {
	for n, item := range items {
		if n > 0 {
			b.WriteString(", ")
		}
		item.format(b)
	}
}
