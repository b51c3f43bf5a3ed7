package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.uber.org/zap"

	"github.com/caffeineduck/starbridge/diag"
	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

type moduleEntry struct {
	globals starlark.StringDict
	err     error
	loading bool
}

// load implements load() and Import. The caller holds the owner.
func (s *Session) load(thread *starlark.Thread, name string) (starlark.StringDict, error) {
	key := strings.TrimSuffix(name, ".star")
	if e, ok := s.modules[key]; ok {
		if e.loading {
			return nil, errors.New(errors.PhaseLoad, errors.KindInvalidState).
				Detail("cycle in load graph at %s", name).
				Build()
		}
		return e.globals, e.err
	}

	filename, src, err := s.findModule(name)
	if err != nil {
		return nil, err
	}

	e := &moduleEntry{loading: true}
	s.modules[key] = e

	prog, err := s.exec.program(filename, src, s.predeclared)
	if err == nil {
		e.globals, err = prog.Init(thread, s.predeclared)
	}
	if err == nil {
		e.globals.Freeze()
	}
	e.err = err
	e.loading = false

	diag.Log("module loaded", zap.String("module", name), zap.String("file", filename), zap.Bool("ok", err == nil))
	return e.globals, e.err
}

// findModule resolves name against registered sources, then the search
// path. "util" and "util.star" name the same module.
func (s *Session) findModule(name string) (filename, src string, err error) {
	base := strings.TrimSuffix(name, ".star")
	for _, key := range []string{name, base} {
		if src, ok := s.cfg.modules[key]; ok {
			return base + ".star", src, nil
		}
	}

	file := base + ".star"
	if !filepath.IsLocal(file) {
		return "", "", errors.InvalidInput(errors.PhaseLoad, "module name %q escapes the search path", name)
	}
	for _, dir := range s.cfg.modulePath {
		path := filepath.Join(dir, file)
		data, err := os.ReadFile(path)
		if stderrors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("read module %s: %w", name, err)
		}
		return path, string(data), nil
	}
	return "", "", errors.NotFound(errors.PhaseLoad, fmt.Sprintf("module %s", name))
}

// Import loads a module and returns its frozen globals. Modules are
// cached per session; a second Import returns the same globals.
func (s *Session) Import(ctx context.Context, name string) (*Module, error) {
	inv, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer inv.exit()

	globals, err := s.load(inv.thread, name)
	if err != nil {
		if _, ok := err.(*errors.Error); ok {
			return nil, err
		}
		return nil, inv.hostError(err)
	}
	return &Module{s: s, name: name, globals: globals}, nil
}

// Module is an imported module. Its functions are its methods.
type Module struct {
	s       *Session
	name    string
	globals starlark.StringDict
}

var _ value.Instance = (*Module)(nil)

func (m *Module) TypeName() string { return "module" }

// Name returns the name the module was imported by.
func (m *Module) Name() string { return m.name }

// Names lists every global of the module.
func (m *Module) Names() []string { return m.globals.Keys() }

func (m *Module) Methods() []string {
	var names []string
	for name, v := range m.globals {
		if _, ok := v.(starlark.Callable); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *Module) Invoke(ctx context.Context, method string, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	fn, ok := m.globals[method].(starlark.Callable)
	if !ok {
		return value.Null(), errors.NotFound(errors.PhaseHost, fmt.Sprintf("function %s in module %s", method, m.name))
	}
	return m.s.callValue(ctx, fn, args, kwargs)
}

// Get converts one global of the module.
func (m *Module) Get(ctx context.Context, name string) (value.Value, error) {
	v, ok := m.globals[name]
	if !ok {
		return value.Null(), errors.NotFound(errors.PhaseHost, fmt.Sprintf("%s in module %s", name, m.name))
	}

	inv, err := m.s.enter(ctx)
	if err != nil {
		return value.Null(), err
	}
	defer inv.exit()
	return m.s.toHost(v)
}

func (m *Module) value() starlark.Value {
	return &starlarkstruct.Module{Name: m.name, Members: m.globals}
}
