package hostfunc

import (
	"testing"

	"github.com/caffeineduck/starbridge/value"
)

// kw converts Go values to keyword arguments.
func kw(t *testing.T, m map[string]any) map[string]value.Value {
	t.Helper()
	out := make(map[string]value.Value, len(m))
	for k, v := range m {
		val, err := value.FromAny(v)
		if err != nil {
			t.Fatalf("convert %s: %v", k, err)
		}
		out[k] = val
	}
	return out
}

func mustString(t *testing.T, v value.Value) string {
	t.Helper()
	s, err := v.AsString()
	if err != nil {
		t.Fatalf("expected string, got %s", v)
	}
	return s
}
