package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/caffeineduck/starbridge/value"
)

// decodeJSONValue turns plain JSON into a Value. Integral numbers become
// ints, everything else follows value.FromAny.
func decodeJSONValue(data []byte) (value.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return value.Null(), err
	}
	if _, err := dec.Token(); err != io.EOF {
		return value.Null(), fmt.Errorf("trailing data after JSON value")
	}
	return value.FromAny(plain(raw))
}

func plain(x any) any {
	switch v := x.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i, item := range v {
			v[i] = plain(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = plain(item)
		}
		return v
	}
	return x
}

func decodeJSONArgs(raw []json.RawMessage) ([]value.Value, error) {
	args := make([]value.Value, 0, len(raw))
	for i, r := range raw {
		v, err := decodeJSONValue(r)
		if err != nil {
			return nil, fmt.Errorf("args[%d]: %w", i, err)
		}
		args = append(args, v)
	}
	return args, nil
}

func decodeJSONKwargs(raw map[string]json.RawMessage) (map[string]value.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	kwargs := make(map[string]value.Value, len(raw))
	for k, r := range raw {
		v, err := decodeJSONValue(r)
		if err != nil {
			return nil, fmt.Errorf("kwargs[%s]: %w", k, err)
		}
		kwargs[k] = v
	}
	return kwargs, nil
}
