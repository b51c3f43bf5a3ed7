package value

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/caffeineduck/starbridge/errors"
)

// wire is the tagged JSON form of a Value:
//
//	{"type": "int", "value": 1789}
//	{"type": "tuple", "items": [...]}
//	{"type": "mapping", "entries": [{"key": ..., "value": ...}]}
//
// Opaque kinds carry a name and marshal one way only.
type wire struct {
	Type    string          `json:"type"`
	Value   json.RawMessage `json:"value,omitempty"`
	Items   []Value         `json:"items,omitempty"`
	Entries []wireEntry     `json:"entries,omitempty"`
	Name    string          `json:"name,omitempty"`
	Methods []string        `json:"methods,omitempty"`
}

type wireEntry struct {
	Key   Value `json:"key"`
	Value Value `json:"value"`
}

// KindNames lists every kind name used in the JSON form.
func KindNames() []string {
	names := make([]string, 0, int(KindIterator)+1)
	for k := KindNull; k <= KindIterator; k++ {
		names = append(names, k.String())
	}
	return names
}

func parseKind(s string) (Kind, bool) {
	for k := KindNull; k <= KindIterator; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wire{Type: v.kind.String()}
	var raw any
	switch v.kind {
	case KindNull:
	case KindBool:
		raw = v.b
	case KindInt:
		if v.big != nil {
			raw = json.Number(v.big.String())
		} else {
			raw = v.i
		}
	case KindFloat:
		switch {
		case math.IsNaN(v.f):
			raw = "NaN"
		case math.IsInf(v.f, 1):
			raw = "+Inf"
		case math.IsInf(v.f, -1):
			raw = "-Inf"
		default:
			raw = v.f
		}
	case KindBytes:
		raw = []byte(v.s)
	case KindString:
		raw = v.s
	case KindTuple, KindList, KindSet:
		w.Items = v.items
		if w.Items == nil {
			w.Items = []Value{}
		}
	case KindMapping:
		w.Entries = make([]wireEntry, len(v.entries))
		for i, e := range v.entries {
			w.Entries[i] = wireEntry{Key: e.Key, Value: e.Value}
		}
	case KindError:
		raw = v.exc
	case KindDateTime:
		raw = v.t.Format(time.RFC3339Nano)
	case KindCallable:
		w.Name = v.fn.Name()
	case KindInstance:
		w.Name = v.inst.TypeName()
		w.Methods = v.inst.Methods()
	case KindIterator:
	}
	if raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		w.Value = data
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. Callables, instances and
// iterators cannot be reconstructed from JSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, ok := parseKind(w.Type)
	if !ok {
		return errors.UnsupportedType(errors.PhaseDecode, nil, w.Type)
	}

	decode := func(dst any) error {
		if len(w.Value) == 0 {
			return fmt.Errorf("value: %s requires a value", kind)
		}
		dec := json.NewDecoder(strings.NewReader(string(w.Value)))
		dec.UseNumber()
		return dec.Decode(dst)
	}

	switch kind {
	case KindNull:
		*v = Null()
	case KindBool:
		var b bool
		if err := decode(&b); err != nil {
			return err
		}
		*v = Bool(b)
	case KindInt:
		var n json.Number
		if err := decode(&n); err != nil {
			return err
		}
		i, ok := new(big.Int).SetString(n.String(), 10)
		if !ok {
			return fmt.Errorf("value: invalid int %q", n)
		}
		*v = BigInt(i)
	case KindFloat:
		var raw any
		if err := decode(&raw); err != nil {
			return err
		}
		switch f := raw.(type) {
		case json.Number:
			x, err := f.Float64()
			if err != nil {
				return err
			}
			*v = Float(x)
		case string:
			switch f {
			case "NaN":
				*v = Float(math.NaN())
			case "+Inf":
				*v = Float(math.Inf(1))
			case "-Inf":
				*v = Float(math.Inf(-1))
			default:
				return fmt.Errorf("value: invalid float %q", f)
			}
		default:
			return fmt.Errorf("value: invalid float")
		}
	case KindBytes:
		var b []byte
		if err := decode(&b); err != nil {
			return err
		}
		*v = Bytes(b)
	case KindString:
		var s string
		if err := decode(&s); err != nil {
			return err
		}
		*v = String(s)
	case KindTuple:
		*v = Tuple(w.Items...)
	case KindList:
		*v = List(w.Items...)
	case KindSet:
		s, err := Set(w.Items...)
		if err != nil {
			return err
		}
		*v = s
	case KindMapping:
		entries := make([]Entry, len(w.Entries))
		for i, e := range w.Entries {
			entries[i] = KV(e.Key, e.Value)
		}
		m, err := Mapping(entries...)
		if err != nil {
			return err
		}
		*v = m
	case KindError:
		var env errors.Envelope
		if err := decode(&env); err != nil {
			return err
		}
		*v = Error(&env)
	case KindDateTime:
		var s string
		if err := decode(&s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = DateTime(t)
	default:
		return errors.New(errors.PhaseDecode, errors.KindUnsupportedType).
			Type(kind.String()).
			Detail("opaque values cannot be decoded from JSON").
			Build()
	}
	return nil
}
