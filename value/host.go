package value

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/caffeineduck/starbridge/errors"
)

// FromAny converts a native Go value into a Value. Maps with string keys are
// converted in sorted key order so the result is deterministic.
func FromAny(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint:
		return fromUint(uint64(v)), nil
	case uint8:
		return Int(int64(v)), nil
	case uint16:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case uint64:
		return fromUint(v), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Bytes(v), nil
	case *big.Int:
		return BigInt(v), nil
	case time.Time:
		return DateTime(v), nil
	case *errors.Envelope:
		return Error(v), nil
	case []Value:
		return List(v...), nil
	case []string:
		items := make([]Value, len(v))
		for i, s := range v {
			items[i] = String(s)
		}
		return List(items...), nil
	case []any:
		items := make([]Value, len(v))
		for i, item := range v {
			conv, err := FromAny(item)
			if err != nil {
				return Value{}, pathErr(err, "item", i)
			}
			items[i] = conv
		}
		return List(items...), nil
	case map[string]Value:
		keys := sortedKeys(v)
		entries := make([]Entry, len(keys))
		for i, k := range keys {
			entries[i] = KV(String(k), v[k])
		}
		return Mapping(entries...)
	case map[string]any:
		keys := sortedKeys(v)
		entries := make([]Entry, len(keys))
		for i, k := range keys {
			conv, err := FromAny(v[k])
			if err != nil {
				return Value{}, pathErr(err, "value", i)
			}
			entries[i] = KV(String(k), conv)
		}
		return Mapping(entries...)
	case map[string]string:
		keys := sortedKeys(v)
		entries := make([]Entry, len(keys))
		for i, k := range keys {
			entries[i] = KV(String(k), String(v[k]))
		}
		return Mapping(entries...)
	case map[any]any:
		entries := make([]Entry, 0, len(v))
		for k, item := range v {
			key, err := FromAny(k)
			if err != nil {
				return Value{}, err
			}
			conv, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, KV(key, conv))
		}
		return Mapping(entries...)
	case Callable:
		return CallableOf(v), nil
	case Instance:
		return InstanceOf(v), nil
	case Iterator:
		return IteratorOf(v), nil
	case error:
		if env, ok := errors.AsEnvelope(v); ok {
			return Error(env), nil
		}
		return Error(&errors.Envelope{Type: "Error", Message: v.Error()}), nil
	}
	return Value{}, errors.UnsupportedType(errors.PhaseEncode, nil, fmt.Sprintf("%T", x))
}

func fromUint(u uint64) Value {
	if u <= math.MaxInt64 {
		return Int(int64(u))
	}
	return BigInt(new(big.Int).SetUint64(u))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToAny converts a Value into its Go representation:
//
//	Null      nil
//	Bool      bool
//	Int       int64, or *big.Int outside the int64 range
//	Float     float64
//	Bytes     []byte
//	String    string
//	Tuple     []any
//	List      []any
//	Set       []any
//	Mapping   map[string]any when every key is a string, else map[any]any
//	Callable  Callable
//	Instance  Instance
//	Error     *errors.Envelope
//	DateTime  time.Time
//	Iterator  Iterator
//
// Tuple keys of a map[any]any are rendered with String.
func ToAny(v Value) any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		if v.big != nil {
			return new(big.Int).Set(v.big)
		}
		return v.i
	case KindFloat:
		return v.f
	case KindBytes:
		return []byte(v.s)
	case KindString:
		return v.s
	case KindTuple, KindList, KindSet:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = ToAny(item)
		}
		return out
	case KindMapping:
		allStrings := true
		for _, e := range v.entries {
			if e.Key.kind != KindString {
				allStrings = false
				break
			}
		}
		if allStrings {
			out := make(map[string]any, len(v.entries))
			for _, e := range v.entries {
				out[e.Key.s] = ToAny(e.Value)
			}
			return out
		}
		out := make(map[any]any, len(v.entries))
		for _, e := range v.entries {
			var key any
			switch e.Key.kind {
			case KindTuple:
				key = e.Key.String()
			case KindBytes:
				key = e.Key.s
			default:
				key = ToAny(e.Key)
			}
			if b, ok := key.(*big.Int); ok {
				key = b.String()
			}
			out[key] = ToAny(e.Value)
		}
		return out
	case KindCallable:
		return v.fn
	case KindInstance:
		return v.inst
	case KindError:
		cp := *v.exc
		return &cp
	case KindDateTime:
		return v.t
	case KindIterator:
		return v.it
	}
	return nil
}

// FuncOf adapts a Go function to the Callable interface.
func FuncOf(name string, fn func(ctx context.Context, args []Value, kwargs map[string]Value) (Value, error)) Callable {
	return &funcCallable{name: name, fn: fn}
}

type funcCallable struct {
	name string
	fn   func(ctx context.Context, args []Value, kwargs map[string]Value) (Value, error)
}

func (f *funcCallable) Name() string { return f.name }

func (f *funcCallable) Call(ctx context.Context, args []Value, kwargs map[string]Value) (Value, error) {
	return f.fn(ctx, args, kwargs)
}
