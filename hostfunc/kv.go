package hostfunc

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

const (
	DefaultKVMaxKeySize   = 256
	DefaultKVMaxValueSize = 64 << 10 // 64KB
	DefaultKVMaxEntries   = 1000
)

type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultKVMaxKeySize,
		MaxValueSize: DefaultKVMaxValueSize,
		MaxEntries:   DefaultKVMaxEntries,
	}
}

type KVOption func(*KVConfig)

// WithMaxKeySize limits key length in bytes.
func WithMaxKeySize(n int) KVOption {
	return func(c *KVConfig) { c.MaxKeySize = n }
}

// WithMaxValueSize limits the JSON-encoded size of a stored value.
func WithMaxValueSize(n int) KVOption {
	return func(c *KVConfig) { c.MaxValueSize = n }
}

func WithMaxEntries(n int) KVOption {
	return func(c *KVConfig) { c.MaxEntries = n }
}

// KV is an in-memory store of bridge values. It outlives sessions when
// shared through the executor options.
type KV struct {
	cfg  KVConfig
	data map[string]value.Value
	mu   sync.RWMutex
}

func NewKV(cfg KVConfig, opts ...KVOption) *KV {
	for _, opt := range opts {
		opt(&cfg)
	}
	return &KV{cfg: cfg, data: make(map[string]value.Value)}
}

func (s *KV) key(args []value.Value, kwargs map[string]value.Value) (string, error) {
	key, err := stringArg(args, kwargs, 0, "key")
	if err != nil {
		return "", err
	}
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return "", errors.InvalidInput(errors.PhaseHost, "key exceeds max size of %d bytes", s.cfg.MaxKeySize)
	}
	return key, nil
}

// Get returns the value under key, or the default (None if not given).
func (s *KV) Get(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	key, err := s.key(args, kwargs)
	if err != nil {
		return value.Null(), err
	}

	s.mu.RLock()
	val, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		def, _ := arg(args, kwargs, 1, "default")
		return def, nil
	}
	return val, nil
}

func (s *KV) Set(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	key, err := s.key(args, kwargs)
	if err != nil {
		return value.Null(), err
	}
	val, ok := arg(args, kwargs, 1, "value")
	if !ok {
		return value.Null(), errors.InvalidInput(errors.PhaseHost, "value required")
	}

	if !storable(val) {
		return value.Null(), errors.UnsupportedType(errors.PhaseHost, []string{"value"}, val.Kind().String())
	}
	if s.cfg.MaxValueSize > 0 {
		data, err := json.Marshal(val)
		if err != nil {
			return value.Null(), errors.New(errors.PhaseHost, errors.KindUnsupportedType).
				Type(val.Kind().String()).
				Detail("value cannot be stored").
				Cause(err).
				Build()
		}
		if len(data) > s.cfg.MaxValueSize {
			return value.Null(), errors.InvalidInput(errors.PhaseHost, "value exceeds max size of %d bytes", s.cfg.MaxValueSize)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return value.Null(), errors.InvalidInput(errors.PhaseHost, "store is full (%d entries)", s.cfg.MaxEntries)
	}
	s.data[key] = val

	return value.String("ok"), nil
}

func (s *KV) Delete(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	key, err := s.key(args, kwargs)
	if err != nil {
		return value.Null(), err
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return value.String("ok"), nil
}

// Keys lists stored keys in sorted order, optionally filtered by prefix.
func (s *KV) Keys(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	prefix, err := optionalString(args, kwargs, 0, "prefix", "")
	if err != nil {
		return value.Null(), err
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	items := make([]value.Value, len(keys))
	for i, k := range keys {
		items[i] = value.String(k)
	}
	return value.List(items...), nil
}

// storable reports whether v is plain data all the way down.
func storable(v value.Value) bool {
	switch v.Kind() {
	case value.KindCallable, value.KindInstance, value.KindIterator:
		return false
	case value.KindTuple, value.KindList, value.KindSet:
		items, _ := v.Items()
		for _, item := range items {
			if !storable(item) {
				return false
			}
		}
	case value.KindMapping:
		entries, _ := v.Entries()
		for _, e := range entries {
			if !storable(e.Key) || !storable(e.Value) {
				return false
			}
		}
	}
	return true
}

// Len returns the number of stored entries.
func (s *KV) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
