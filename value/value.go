// Package value defines the tagged value exchanged across the interpreter
// boundary. A Value is immutable; constructors copy their inputs and
// accessors never expose internal storage.
package value

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/caffeineduck/starbridge/errors"
)

// Kind is the closed set of value kinds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindBytes
	KindString
	KindTuple
	KindList
	KindMapping
	KindSet
	KindCallable
	KindInstance
	KindError
	KindDateTime
	KindIterator
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindTuple:
		return "tuple"
	case KindList:
		return "list"
	case KindMapping:
		return "mapping"
	case KindSet:
		return "set"
	case KindCallable:
		return "callable"
	case KindInstance:
		return "instance"
	case KindError:
		return "error"
	case KindDateTime:
		return "datetime"
	case KindIterator:
		return "iterator"
	default:
		return "unknown"
	}
}

// Callable is anything that can be called with the fixed calling
// convention: ordered positional arguments plus a keyword mapping.
type Callable interface {
	Name() string
	Call(ctx context.Context, args []Value, kwargs map[string]Value) (Value, error)
}

// Instance is an opaque object with an explicit table of invocable members.
type Instance interface {
	TypeName() string
	Methods() []string
	Invoke(ctx context.Context, method string, args []Value, kwargs map[string]Value) (Value, error)
}

// Iterator is a single-use cursor. Next returns false once exhausted.
type Iterator interface {
	Next(ctx context.Context) (Value, bool, error)
	Close() error
}

// Entry is one key/value pair of a mapping.
type Entry struct {
	Key   Value
	Value Value
}

// Value is a tagged bridge value. The zero Value is Null.
type Value struct {
	kind    Kind
	b       bool
	i       int64
	big     *big.Int
	f       float64
	s       string
	items   []Value
	entries []Entry
	t       time.Time
	fn      Callable
	inst    Instance
	exc     *errors.Envelope
	it      Iterator
}

// ============================================================
// Constructors
// ============================================================

// Null creates a null value.
func Null() Value {
	return Value{}
}

// Bool creates a boolean value.
func Bool(v bool) Value {
	return Value{kind: KindBool, b: v}
}

// Int creates an integer value.
func Int(v int64) Value {
	return Value{kind: KindInt, i: v}
}

// BigInt creates an integer value of arbitrary size. Values that fit in
// int64 are stored as such.
func BigInt(v *big.Int) Value {
	if v == nil {
		return Int(0)
	}
	if v.IsInt64() {
		return Int(v.Int64())
	}
	return Value{kind: KindInt, big: new(big.Int).Set(v)}
}

// ParseInt coerces a string in the given base into an integer value.
// Base 0 honors 0x, 0o and 0b prefixes.
func ParseInt(s string, base int) (Value, error) {
	n, ok := new(big.Int).SetString(s, base)
	if !ok {
		return Value{}, errors.InvalidInput(errors.PhaseEncode, "invalid integer %q in base %d", s, base)
	}
	return BigInt(n), nil
}

// Float creates a float value.
func Float(v float64) Value {
	return Value{kind: KindFloat, f: v}
}

// Bytes creates a bytes value. The input is copied.
func Bytes(v []byte) Value {
	return Value{kind: KindBytes, s: string(v)}
}

// String creates a string value.
func String(v string) Value {
	return Value{kind: KindString, s: v}
}

// Tuple creates a fixed-arity ordered sequence.
func Tuple(items ...Value) Value {
	return Value{kind: KindTuple, items: clone(items)}
}

// List creates an ordered sequence.
func List(items ...Value) Value {
	return Value{kind: KindList, items: clone(items)}
}

// Mapping creates a mapping. Keys must be hashable; a later duplicate key
// replaces the earlier value in place.
func Mapping(entries ...Entry) (Value, error) {
	out := make([]Entry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for n, e := range entries {
		k, err := hashKey(e.Key)
		if err != nil {
			return Value{}, pathErr(err, "key", n)
		}
		if i, ok := index[k]; ok {
			out[i].Value = e.Value
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return Value{kind: KindMapping, entries: out}, nil
}

// MustMapping is Mapping for keys known to be hashable.
func MustMapping(entries ...Entry) Value {
	v, err := Mapping(entries...)
	if err != nil {
		panic(err)
	}
	return v
}

// Set creates an unordered collection of unique hashable members.
func Set(items ...Value) (Value, error) {
	out := make([]Value, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for n, item := range items {
		k, err := hashKey(item)
		if err != nil {
			return Value{}, pathErr(err, "member", n)
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return Value{kind: KindSet, items: out}, nil
}

// MustSet is Set for members known to be hashable.
func MustSet(items ...Value) Value {
	v, err := Set(items...)
	if err != nil {
		panic(err)
	}
	return v
}

// CallableOf wraps a callable.
func CallableOf(c Callable) Value {
	if c == nil {
		return Null()
	}
	return Value{kind: KindCallable, fn: c}
}

// InstanceOf wraps an instance.
func InstanceOf(i Instance) Value {
	if i == nil {
		return Null()
	}
	return Value{kind: KindInstance, inst: i}
}

// Error wraps an exception envelope.
func Error(env *errors.Envelope) Value {
	if env == nil {
		return Null()
	}
	cp := *env
	return Value{kind: KindError, exc: &cp}
}

// DateTime creates a date-time value.
func DateTime(t time.Time) Value {
	return Value{kind: KindDateTime, t: t}
}

// IteratorOf wraps an iterator.
func IteratorOf(it Iterator) Value {
	if it == nil {
		return Null()
	}
	return Value{kind: KindIterator, it: it}
}

// KV is shorthand for building mapping entries.
func KV(key, val Value) Entry {
	return Entry{Key: key, Value: val}
}

func clone(items []Value) []Value {
	if len(items) == 0 {
		return nil
	}
	out := make([]Value, len(items))
	copy(out, items)
	return out
}

// ============================================================
// Accessors
// ============================================================

// Kind returns the value kind.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull returns true if this is a null value.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

func (v Value) mismatch(want Kind) error {
	return fmt.Errorf("value: expected %s, got %s", want, v.kind)
}

// AsBool returns the boolean value.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.b, nil
}

// AsInt returns the integer value. It fails for integers outside int64.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	if v.big != nil {
		return 0, fmt.Errorf("value: integer %s overflows int64", v.big)
	}
	return v.i, nil
}

// AsBigInt returns the integer value at any size.
func (v Value) AsBigInt() (*big.Int, error) {
	if v.kind != KindInt {
		return nil, v.mismatch(KindInt)
	}
	if v.big != nil {
		return new(big.Int).Set(v.big), nil
	}
	return big.NewInt(v.i), nil
}

// IsBig reports whether an integer is outside the int64 range.
func (v Value) IsBig() bool {
	return v.kind == KindInt && v.big != nil
}

// AsFloat returns the float value.
func (v Value) AsFloat() (float64, error) {
	if v.kind != KindFloat {
		return 0, v.mismatch(KindFloat)
	}
	return v.f, nil
}

// AsString returns the string value.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.s, nil
}

// AsBytes returns a copy of the bytes value.
func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, v.mismatch(KindBytes)
	}
	return []byte(v.s), nil
}

// Items returns a copy of the members of a tuple, list or set.
func (v Value) Items() ([]Value, error) {
	switch v.kind {
	case KindTuple, KindList, KindSet:
		return clone(v.items), nil
	}
	return nil, fmt.Errorf("value: expected sequence or set, got %s", v.kind)
}

// Entries returns a copy of the entries of a mapping.
func (v Value) Entries() ([]Entry, error) {
	if v.kind != KindMapping {
		return nil, v.mismatch(KindMapping)
	}
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out, nil
}

// AsCallable returns the wrapped callable.
func (v Value) AsCallable() (Callable, error) {
	if v.kind != KindCallable {
		return nil, v.mismatch(KindCallable)
	}
	return v.fn, nil
}

// AsInstance returns the wrapped instance.
func (v Value) AsInstance() (Instance, error) {
	if v.kind != KindInstance {
		return nil, v.mismatch(KindInstance)
	}
	return v.inst, nil
}

// AsError returns a copy of the wrapped envelope.
func (v Value) AsError() (*errors.Envelope, error) {
	if v.kind != KindError {
		return nil, v.mismatch(KindError)
	}
	cp := *v.exc
	return &cp, nil
}

// AsTime returns the date-time value.
func (v Value) AsTime() (time.Time, error) {
	if v.kind != KindDateTime {
		return time.Time{}, v.mismatch(KindDateTime)
	}
	return v.t, nil
}

// AsIterator returns the wrapped iterator.
func (v Value) AsIterator() (Iterator, error) {
	if v.kind != KindIterator {
		return nil, v.mismatch(KindIterator)
	}
	return v.it, nil
}

// Len returns the length of a string, bytes, sequence, set or mapping.
func (v Value) Len() int {
	switch v.kind {
	case KindString, KindBytes:
		return len(v.s)
	case KindTuple, KindList, KindSet:
		return len(v.items)
	case KindMapping:
		return len(v.entries)
	default:
		return 0
	}
}

// Index returns the i-th element of a tuple or list.
func (v Value) Index(i int) (Value, error) {
	if v.kind != KindTuple && v.kind != KindList {
		return Value{}, fmt.Errorf("value: not a sequence")
	}
	if i < 0 || i >= len(v.items) {
		return Value{}, fmt.Errorf("value: index %d out of bounds (len=%d)", i, len(v.items))
	}
	return v.items[i], nil
}

// Get looks up a key in a mapping.
func (v Value) Get(key Value) (Value, bool) {
	if v.kind != KindMapping {
		return Value{}, false
	}
	for _, e := range v.entries {
		if keyEqual(e.Key, key) {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Has reports set membership.
func (v Value) Has(member Value) bool {
	if v.kind != KindSet {
		return false
	}
	for _, item := range v.items {
		if keyEqual(item, member) {
			return true
		}
	}
	return false
}

// ============================================================
// Numeric Coercion Helpers
// ============================================================

// Number returns a numeric value as float64 if int or float.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		if v.big != nil {
			f, _ := new(big.Float).SetInt(v.big).Float64()
			return f, true
		}
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// IsNumeric returns true if int or float.
func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}
