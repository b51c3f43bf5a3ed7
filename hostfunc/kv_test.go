package hostfunc

import (
	"context"
	"sync"
	"testing"

	"github.com/caffeineduck/starbridge/value"
)

func TestKVSetGet(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	_, err := kv.Set(ctx, nil, kw(t, map[string]any{"key": "foo", "value": "bar"}))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := kv.Get(ctx, []value.Value{value.String("foo")}, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := mustString(t, val); got != "bar" {
		t.Errorf("expected bar, got %v", got)
	}
}

func TestKVGetDefault(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	val, err := kv.Get(ctx, nil, kw(t, map[string]any{"key": "missing", "default": "fallback"}))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := mustString(t, val); got != "fallback" {
		t.Errorf("expected fallback, got %v", got)
	}
}

func TestKVGetMissing(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	val, err := kv.Get(ctx, nil, kw(t, map[string]any{"key": "missing"}))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !val.IsNull() {
		t.Errorf("expected None, got %v", val)
	}
}

func TestKVDelete(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, nil, kw(t, map[string]any{"key": "foo", "value": "bar"}))
	kv.Delete(ctx, nil, kw(t, map[string]any{"key": "foo"}))

	val, _ := kv.Get(ctx, nil, kw(t, map[string]any{"key": "foo"}))
	if !val.IsNull() {
		t.Errorf("expected None after delete, got %v", val)
	}
}

func TestKVKeys(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, nil, kw(t, map[string]any{"key": "b", "value": 2}))
	kv.Set(ctx, nil, kw(t, map[string]any{"key": "a", "value": 1}))
	kv.Set(ctx, nil, kw(t, map[string]any{"key": "other", "value": 3}))

	result, err := kv.Keys(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	want := value.List(value.String("a"), value.String("b"), value.String("other"))
	if !value.Equal(want, result) {
		t.Errorf("expected %s, got %s", want, result)
	}

	result, _ = kv.Keys(ctx, []value.Value{value.String("o")}, nil)
	if result.Len() != 1 {
		t.Errorf("expected 1 key with prefix, got %s", result)
	}
}

func TestKVOverwrite(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, nil, kw(t, map[string]any{"key": "foo", "value": "original"}))
	kv.Set(ctx, nil, kw(t, map[string]any{"key": "foo", "value": "updated"}))

	val, _ := kv.Get(ctx, nil, kw(t, map[string]any{"key": "foo"}))
	if got := mustString(t, val); got != "updated" {
		t.Errorf("expected updated, got %v", got)
	}
	if kv.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", kv.Len())
	}
}

func TestKVAnyValue(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		value any
	}{
		{"string", "hello"},
		{"int", 42},
		{"float", 3.14},
		{"bool", true},
		{"slice", []any{1, 2, 3}},
		{"map", map[string]any{"nested": "value"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := kw(t, map[string]any{"key": tt.name, "value": tt.value})
			if _, err := kv.Set(ctx, nil, args); err != nil {
				t.Fatalf("Set %s failed: %v", tt.name, err)
			}

			val, err := kv.Get(ctx, nil, kw(t, map[string]any{"key": tt.name}))
			if err != nil {
				t.Fatalf("Get %s failed: %v", tt.name, err)
			}
			if !value.Equal(args["value"], val) {
				t.Errorf("expected %s, got %s", args["value"], val)
			}
		})
	}
}

func TestKVRejectsOpaqueValues(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	fn := value.CallableOf(Callable("noop", func(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
		return value.Null(), nil
	}))

	_, err := kv.Set(context.Background(), []value.Value{value.String("fn"), fn}, nil)
	if err == nil {
		t.Error("expected error storing a callable")
	}
}

func TestKVKeyTooLarge(t *testing.T) {
	kv := NewKV(KVConfig{MaxKeySize: 10})
	ctx := context.Background()

	_, err := kv.Set(ctx, nil, kw(t, map[string]any{"key": "this-key-is-too-long", "value": "x"}))
	if err == nil {
		t.Error("expected error for key too large")
	}
}

func TestKVValueTooLarge(t *testing.T) {
	kv := NewKV(DefaultKVConfig(), WithMaxValueSize(10))
	ctx := context.Background()

	_, err := kv.Set(ctx, nil, kw(t, map[string]any{"key": "k", "value": "this-value-is-way-too-large"}))
	if err == nil {
		t.Error("expected error for value too large")
	}
}

func TestKVTooManyEntries(t *testing.T) {
	kv := NewKV(DefaultKVConfig(), WithMaxEntries(2))
	ctx := context.Background()

	kv.Set(ctx, nil, kw(t, map[string]any{"key": "a", "value": "1"}))
	kv.Set(ctx, nil, kw(t, map[string]any{"key": "b", "value": "2"}))

	_, err := kv.Set(ctx, nil, kw(t, map[string]any{"key": "c", "value": "3"}))
	if err == nil {
		t.Error("expected error for too many entries")
	}

	// Overwriting an existing key is still allowed.
	if _, err := kv.Set(ctx, nil, kw(t, map[string]any{"key": "a", "value": "9"})); err != nil {
		t.Errorf("overwrite at capacity failed: %v", err)
	}
}

func TestKVConcurrent(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := value.String(string(rune('a' + (n % 26))))
			kv.Set(ctx, []value.Value{key, value.Int(int64(n))}, nil)
			kv.Get(ctx, []value.Value{key}, nil)
		}(i)
	}
	wg.Wait()

	if kv.Len() != 26 {
		t.Errorf("expected 26 keys, got %d", kv.Len())
	}
}
