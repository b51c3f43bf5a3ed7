package executor

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"go.starlark.net/starlark"
	startime "go.starlark.net/lib/time"

	"github.com/caffeineduck/starbridge/capsule"
	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

// toHost converts an interpreter value into a bridge value.
func (s *Session) toHost(v starlark.Value) (value.Value, error) {
	return s.decode(v, nil, make(map[starlark.Value]bool))
}

// toInterpreter converts a bridge value into an interpreter value.
func (s *Session) toInterpreter(v value.Value) (starlark.Value, error) {
	return s.encode(v, nil)
}

func (s *Session) decode(v starlark.Value, path []string, seen map[starlark.Value]bool) (value.Value, error) {
	switch x := v.(type) {
	case nil, starlark.NoneType:
		return value.Null(), nil
	case starlark.Bool:
		return value.Bool(bool(x)), nil
	case starlark.Int:
		if n, ok := x.Int64(); ok {
			return value.Int(n), nil
		}
		return value.BigInt(x.BigInt()), nil
	case starlark.Float:
		return value.Float(float64(x)), nil
	case starlark.String:
		return value.String(string(x)), nil
	case starlark.Bytes:
		return value.Bytes([]byte(x)), nil
	case startime.Time:
		return value.DateTime(time.Time(x)), nil
	case starlark.Tuple:
		items, err := s.decodeItems(x, path, seen)
		if err != nil {
			return value.Null(), err
		}
		return value.Tuple(items...), nil
	case *starlark.List:
		if err := enterContainer(seen, x, path); err != nil {
			return value.Null(), err
		}
		defer delete(seen, x)
		items, err := s.decodeIterable(x, path, seen)
		if err != nil {
			return value.Null(), err
		}
		return value.List(items...), nil
	case *starlark.Set:
		items, err := s.decodeIterable(x, path, seen)
		if err != nil {
			return value.Null(), err
		}
		return value.Set(items...)
	case *starlark.Dict:
		if err := enterContainer(seen, x, path); err != nil {
			return value.Null(), err
		}
		defer delete(seen, x)
		entries := make([]value.Entry, 0, x.Len())
		for _, item := range x.Items() {
			k, err := s.decode(item[0], append(path, "key"), seen)
			if err != nil {
				return value.Null(), err
			}
			val, err := s.decode(item[1], append(path, item[0].String()), seen)
			if err != nil {
				return value.Null(), err
			}
			entries = append(entries, value.KV(k, val))
		}
		return value.Mapping(entries...)
	case *Exception:
		return value.Error(x.env), nil
	case *capsuleValue:
		return value.CallableOf(CapsuleRef{w: x}), nil
	case *instanceProxy:
		return value.InstanceOf(x.inst), nil
	case *hostIterable:
		return value.IteratorOf(x.it), nil
	case starlark.Callable:
		return value.CallableOf(&Function{s: s, fn: x}), nil
	case starlark.HasAttrs:
		return value.InstanceOf(&Object{s: s, v: x}), nil
	case starlark.Iterable:
		return value.IteratorOf(&Iterator{s: s, source: x}), nil
	}
	return value.Null(), errors.UnsupportedType(errors.PhaseDecode, path, v.Type())
}

func enterContainer(seen map[starlark.Value]bool, v starlark.Value, path []string) error {
	if seen[v] {
		return errors.New(errors.PhaseDecode, errors.KindUnsupportedType).
			Path(path...).
			Type(v.Type()).
			Detail("cyclic %s", v.Type()).
			Build()
	}
	seen[v] = true
	return nil
}

func (s *Session) decodeItems(items starlark.Tuple, path []string, seen map[starlark.Value]bool) ([]value.Value, error) {
	out := make([]value.Value, len(items))
	for i, item := range items {
		v, err := s.decode(item, append(path, fmt.Sprint(i)), seen)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Session) decodeIterable(x starlark.Iterable, path []string, seen map[starlark.Value]bool) ([]value.Value, error) {
	it := x.Iterate()
	defer it.Done()

	var out []value.Value
	var item starlark.Value
	for i := 0; it.Next(&item); i++ {
		v, err := s.decode(item, append(path, fmt.Sprint(i)), seen)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Session) encode(v value.Value, path []string) (starlark.Value, error) {
	switch v.Kind() {
	case value.KindNull:
		return starlark.None, nil
	case value.KindBool:
		b, _ := v.AsBool()
		return starlark.Bool(b), nil
	case value.KindInt:
		if v.IsBig() {
			n, _ := v.AsBigInt()
			return starlark.MakeBigInt(new(big.Int).Set(n)), nil
		}
		n, _ := v.AsInt()
		return starlark.MakeInt64(n), nil
	case value.KindFloat:
		f, _ := v.AsFloat()
		return starlark.Float(f), nil
	case value.KindString:
		str, _ := v.AsString()
		return starlark.String(str), nil
	case value.KindBytes:
		b, _ := v.AsBytes()
		return starlark.Bytes(b), nil
	case value.KindDateTime:
		t, _ := v.AsTime()
		return startime.Time(t), nil
	case value.KindTuple:
		items, _ := v.Items()
		return s.encodeItems(items, path)
	case value.KindList:
		items, _ := v.Items()
		tuple, err := s.encodeItems(items, path)
		if err != nil {
			return nil, err
		}
		return starlark.NewList(tuple), nil
	case value.KindSet:
		items, _ := v.Items()
		set := starlark.NewSet(len(items))
		for i, item := range items {
			sv, err := s.encode(item, append(path, fmt.Sprint(i)))
			if err != nil {
				return nil, err
			}
			if err := set.Insert(sv); err != nil {
				return nil, errors.UnsupportedType(errors.PhaseEncode, append(path, fmt.Sprint(i)), sv.Type())
			}
		}
		return set, nil
	case value.KindMapping:
		entries, _ := v.Entries()
		dict := starlark.NewDict(len(entries))
		for _, e := range entries {
			k, err := s.encode(e.Key, append(path, "key"))
			if err != nil {
				return nil, err
			}
			val, err := s.encode(e.Value, append(path, e.Key.String()))
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(k, val); err != nil {
				return nil, errors.UnsupportedType(errors.PhaseEncode, append(path, "key"), k.Type())
			}
		}
		return dict, nil
	case value.KindError:
		env, _ := v.AsError()
		return &Exception{env: env}, nil
	case value.KindCallable:
		fn, _ := v.AsCallable()
		return s.encodeCallable(fn), nil
	case value.KindInstance:
		inst, _ := v.AsInstance()
		switch x := inst.(type) {
		case *Object:
			if x.s == s {
				return x.v, nil
			}
		case *Module:
			if x.s == s {
				return x.value(), nil
			}
		}
		return &instanceProxy{s: s, inst: inst}, nil
	case value.KindIterator:
		it, _ := v.AsIterator()
		if x, ok := it.(*Iterator); ok && x.s == s {
			return x.source, nil
		}
		return &hostIterable{s: s, it: it}, nil
	}
	return nil, errors.UnsupportedType(errors.PhaseEncode, path, v.Kind().String())
}

func (s *Session) encodeItems(items []value.Value, path []string) (starlark.Tuple, error) {
	out := make(starlark.Tuple, len(items))
	for i, item := range items {
		sv, err := s.encode(item, append(path, fmt.Sprint(i)))
		if err != nil {
			return nil, err
		}
		out[i] = sv
	}
	return out, nil
}

// encodeCallable returns the interpreter value for a host callable. Capsules
// of this session and functions that came out of it convert back to the
// same interpreter value; anything else gets a new capsule.
func (s *Session) encodeCallable(fn value.Callable) starlark.Value {
	switch x := fn.(type) {
	case CapsuleRef:
		if x.w.s == s {
			return x.w
		}
	case capsule.Ref:
		if x.Manager() == s.capsules {
			if w := s.wrapperFor(x.Handle()); w != nil {
				return w
			}
			return s.track(x.Handle(), x.Name())
		}
	case *Function:
		if x.s == s {
			return x.fn
		}
	}
	return s.wrap(fn.Name(), capsule.Func(fn))
}

// encodeKwargs converts host keyword arguments in sorted key order.
func (s *Session) encodeKwargs(kwargs map[string]value.Value) ([]starlark.Tuple, error) {
	names := make([]string, 0, len(kwargs))
	for k := range kwargs {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]starlark.Tuple, 0, len(names))
	for _, k := range names {
		v, err := s.encode(kwargs[k], []string{k})
		if err != nil {
			return nil, err
		}
		out = append(out, starlark.Tuple{starlark.String(k), v})
	}
	return out, nil
}

// decodeArgs converts interpreter call arguments.
func (s *Session) decodeArgs(args starlark.Tuple, kwargs []starlark.Tuple) ([]value.Value, map[string]value.Value, error) {
	hargs := make([]value.Value, len(args))
	for i, a := range args {
		v, err := s.decode(a, []string{fmt.Sprintf("arg%d", i)}, make(map[starlark.Value]bool))
		if err != nil {
			return nil, nil, err
		}
		hargs[i] = v
	}

	var hkw map[string]value.Value
	if len(kwargs) > 0 {
		hkw = make(map[string]value.Value, len(kwargs))
		for _, kv := range kwargs {
			name := string(kv[0].(starlark.String))
			v, err := s.decode(kv[1], []string{name}, make(map[starlark.Value]bool))
			if err != nil {
				return nil, nil, err
			}
			hkw[name] = v
		}
	}
	return hargs, hkw, nil
}
