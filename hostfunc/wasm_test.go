package hostfunc

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

// addWasm exports add(i32, i32) -> i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func loadAdd(t *testing.T) *WASMModule {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	mod, err := LoadWASM(ctx, rt, "math", addWasm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return mod
}

func TestWASMExports(t *testing.T) {
	mod := loadAdd(t)
	exports := mod.Exports()
	if len(exports) != 1 || exports[0] != "add" {
		t.Fatalf("expected [add], got %v", exports)
	}
	if _, err := mod.Func("sub"); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected not found for missing export, got %v", err)
	}
}

func TestWASMCall(t *testing.T) {
	mod := loadAdd(t)
	add, err := mod.Func("add")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := add(ctx, []value.Value{value.Int(40), value.Int(2)}, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if n, _ := got.AsInt(); n != 42 {
		t.Errorf("expected 42, got %s", got)
	}

	got, err = add(ctx, []value.Value{value.Int(-5), value.Int(3)}, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if n, _ := got.AsInt(); n != -2 {
		t.Errorf("expected -2, got %s", got)
	}
}

func TestWASMArgumentErrors(t *testing.T) {
	mod := loadAdd(t)
	add, _ := mod.Func("add")
	ctx := context.Background()

	if _, err := add(ctx, []value.Value{value.Int(1)}, nil); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("expected arity error, got %v", err)
	}
	if _, err := add(ctx, []value.Value{value.Int(1), value.String("2")}, nil); err == nil {
		t.Error("expected type error for string argument")
	}
	if _, err := add(ctx, []value.Value{value.Int(1), value.Int(1 << 40)}, nil); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("expected range error, got %v", err)
	}
}

func TestWASMReleaseClosesOnLastReference(t *testing.T) {
	mod := loadAdd(t)
	add, _ := mod.Func("add")
	ctx := context.Background()

	if err := mod.Retain(); err != nil {
		t.Fatal(err)
	}
	if err := mod.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := add(ctx, []value.Value{value.Int(1), value.Int(1)}, nil); err != nil {
		t.Fatalf("module closed while still referenced: %v", err)
	}

	if err := mod.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := add(ctx, []value.Value{value.Int(1), value.Int(1)}, nil); !stderrors.Is(err, errors.ErrClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
	if err := mod.Retain(); !stderrors.Is(err, errors.ErrClosed) {
		t.Errorf("expected retain on closed module to fail, got %v", err)
	}
}
