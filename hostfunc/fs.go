package hostfunc

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caffeineduck/starbridge/value"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read and write operations to existing files/dirs.
	MountReadWrite
	// MountReadWriteCreate allows read, write, and create operations.
	MountReadWriteCreate
)

// ParseMountMode accepts "ro", "rw" and "rwc".
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "ro", "":
		return MountReadOnly, nil
	case "rw":
		return MountReadWrite, nil
	case "rwc":
		return MountReadWriteCreate, nil
	}
	return 0, fmt.Errorf("invalid mount mode %q (want ro, rw or rwc)", s)
}

// Mount represents a virtual path mapped to a host path with specific permissions.
type Mount struct {
	VirtualPath string    // Path as seen by interpreter code (e.g., "/data")
	HostPath    string    // Actual path on host filesystem
	Mode        MountMode // Permission level
}

const (
	DefaultMaxFileSize   = 10 << 20 // 10MB
	DefaultMaxWriteSize  = 10 << 20
	DefaultMaxPathLength = 4096
)

type fsConfig struct {
	maxFileSize   int64
	maxWriteSize  int64
	maxPathLength int
}

type FSOption func(*fsConfig)

// WithMaxFileSize limits how much fs_read returns.
func WithMaxFileSize(n int64) FSOption {
	return func(c *fsConfig) { c.maxFileSize = n }
}

// WithMaxWriteSize limits the content accepted by fs_write.
func WithMaxWriteSize(n int64) FSOption {
	return func(c *fsConfig) { c.maxWriteSize = n }
}

func WithMaxPathLength(n int) FSOption {
	return func(c *fsConfig) { c.maxPathLength = n }
}

// FS provides filesystem operations with explicit mount points.
type FS struct {
	mounts []Mount
	cfg    fsConfig
	mu     sync.RWMutex
}

// NewFS creates a new filesystem handler with the given mount points.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	cfg := fsConfig{
		maxFileSize:   DefaultMaxFileSize,
		maxWriteSize:  DefaultMaxWriteSize,
		maxPathLength: DefaultMaxPathLength,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{
			VirtualPath: vp,
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	return &FS{mounts: normalized, cfg: cfg}
}

func denied(reason string) error {
	return fmt.Errorf("permission denied: %s: %w", reason, fs.ErrPermission)
}

func notFound(what, path string) error {
	return fmt.Errorf("%s not found: %s: %w", what, path, fs.ErrNotExist)
}

// resolve maps a virtual path to a host path, checking permissions.
func (f *FS) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	if f.cfg.maxPathLength > 0 && len(virtualPath) > f.cfg.maxPathLength {
		return "", nil, fmt.Errorf("path exceeds max length")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for i := range f.mounts {
		m := &f.mounts[i]
		if vp != m.VirtualPath && !strings.HasPrefix(vp, m.VirtualPath+"/") {
			continue
		}
		if needWrite && m.Mode == MountReadOnly {
			return "", nil, denied("read-only mount")
		}

		relPath := strings.TrimPrefix(vp, m.VirtualPath)
		if relPath == "" {
			relPath = "/"
		}

		absHostPath, err := filepath.Abs(filepath.Join(m.HostPath, relPath))
		if err != nil {
			return "", nil, fmt.Errorf("invalid path")
		}
		if absHostPath != m.HostPath && !strings.HasPrefix(absHostPath, m.HostPath+string(filepath.Separator)) {
			return "", nil, denied("path escape attempt")
		}

		mount := *m
		return absHostPath, &mount, nil
	}

	return "", nil, denied("path not in any mount")
}

func pathArg(args []value.Value, kwargs map[string]value.Value) (string, error) {
	return stringArg(args, kwargs, 0, "path")
}

// Read returns the contents of a file as a string.
func (f *FS) Read(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	path, err := pathArg(args, kwargs)
	if err != nil {
		return value.Null(), err
	}

	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return value.Null(), err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Null(), notFound("file", path)
		}
		return value.Null(), fmt.Errorf("read error: %w", err)
	}
	if f.cfg.maxFileSize > 0 && info.Size() > f.cfg.maxFileSize {
		return value.Null(), fmt.Errorf("file exceeds max size of %d bytes", f.cfg.maxFileSize)
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return value.Null(), fmt.Errorf("read error: %w", err)
	}

	return value.String(string(data)), nil
}

// Write writes content (str or bytes) to a file.
func (f *FS) Write(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	path, err := pathArg(args, kwargs)
	if err != nil {
		return value.Null(), err
	}
	content, ok := arg(args, kwargs, 1, "content")
	if !ok {
		return value.Null(), fmt.Errorf("content required")
	}
	data, err := bodyBytes(content)
	if err != nil {
		return value.Null(), fmt.Errorf("content must be str or bytes, got %s", content.Kind())
	}
	if f.cfg.maxWriteSize > 0 && int64(len(data)) > f.cfg.maxWriteSize {
		return value.Null(), fmt.Errorf("content exceeds max size of %d bytes", f.cfg.maxWriteSize)
	}

	hostPath, mount, err := f.resolve(path, true)
	if err != nil {
		return value.Null(), err
	}

	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && mount.Mode != MountReadWriteCreate {
		return value.Null(), denied("cannot create new files")
	}

	if err := os.WriteFile(hostPath, data, 0644); err != nil {
		return value.Null(), fmt.Errorf("write error: %w", err)
	}

	return value.String("ok"), nil
}

// List returns the entries of a directory as a list of
// {"name", "is_dir", "size"} mappings.
func (f *FS) List(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	path, err := pathArg(args, kwargs)
	if err != nil {
		return value.Null(), err
	}

	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return value.Null(), err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Null(), notFound("directory", path)
		}
		return value.Null(), fmt.Errorf("list error: %w", err)
	}

	items := make([]value.Value, 0, len(entries))
	for _, entry := range entries {
		fields := []value.Entry{
			value.KV(value.String("name"), value.String(entry.Name())),
			value.KV(value.String("is_dir"), value.Bool(entry.IsDir())),
		}
		if info, err := entry.Info(); err == nil {
			fields = append(fields, value.KV(value.String("size"), value.Int(info.Size())))
		}
		items = append(items, value.MustMapping(fields...))
	}

	return value.List(items...), nil
}

// Exists checks if a path exists. Paths outside every mount do not exist.
func (f *FS) Exists(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	path, err := pathArg(args, kwargs)
	if err != nil {
		return value.Null(), err
	}

	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return value.Bool(false), nil
	}

	_, err = os.Stat(hostPath)
	return value.Bool(err == nil), nil
}

// Mkdir creates a directory and any missing parents.
func (f *FS) Mkdir(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	path, err := pathArg(args, kwargs)
	if err != nil {
		return value.Null(), err
	}

	hostPath, mount, err := f.resolve(path, true)
	if err != nil {
		return value.Null(), err
	}
	if mount.Mode != MountReadWriteCreate {
		return value.Null(), denied("cannot create directories")
	}

	if err := os.MkdirAll(hostPath, 0755); err != nil {
		return value.Null(), fmt.Errorf("mkdir error: %w", err)
	}

	return value.String("ok"), nil
}

// Remove deletes a file or empty directory.
func (f *FS) Remove(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	path, err := pathArg(args, kwargs)
	if err != nil {
		return value.Null(), err
	}

	hostPath, _, err := f.resolve(path, true)
	if err != nil {
		return value.Null(), err
	}

	if err := os.Remove(hostPath); err != nil {
		if os.IsNotExist(err) {
			return value.Null(), notFound("file", path)
		}
		if strings.Contains(err.Error(), "directory not empty") {
			return value.Null(), fmt.Errorf("directory not empty: %s", path)
		}
		return value.Null(), fmt.Errorf("remove error: %w", err)
	}

	return value.String("ok"), nil
}

// Stat returns {"name", "size", "is_dir", "mod_time"} for a path.
func (f *FS) Stat(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	path, err := pathArg(args, kwargs)
	if err != nil {
		return value.Null(), err
	}

	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return value.Null(), err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Null(), notFound("file", path)
		}
		return value.Null(), fmt.Errorf("stat error: %w", err)
	}

	return value.MustMapping(
		value.KV(value.String("name"), value.String(info.Name())),
		value.KV(value.String("size"), value.Int(info.Size())),
		value.KV(value.String("is_dir"), value.Bool(info.IsDir())),
		value.KV(value.String("mod_time"), value.DateTime(info.ModTime())),
	), nil
}
