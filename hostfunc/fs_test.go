package hostfunc

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caffeineduck/starbridge/value"
)

func mountFS(t *testing.T, virtual string, mode MountMode, opts ...FSOption) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	return NewFS([]Mount{{VirtualPath: virtual, HostPath: dir, Mode: mode}}, opts...), dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func pathKw(t *testing.T, path string) map[string]value.Value {
	return kw(t, map[string]any{"path": path})
}

func TestFSReadOnlyMount(t *testing.T) {
	f, dir := mountFS(t, "/data", MountReadOnly)
	writeFile(t, filepath.Join(dir, "notes.txt"), "hello world")
	ctx := context.Background()

	got, err := f.Read(ctx, []value.Value{value.String("/data/notes.txt")}, nil)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if s := mustString(t, got); s != "hello world" {
		t.Errorf("expected 'hello world', got %q", s)
	}

	_, err = f.Write(ctx, nil, kw(t, map[string]any{"path": "/data/notes.txt", "content": "changed"}))
	if !stderrors.Is(err, fs.ErrPermission) {
		t.Errorf("expected permission error on read-only mount, got %v", err)
	}
}

func TestFSReadMissingFile(t *testing.T) {
	f, _ := mountFS(t, "/data", MountReadOnly)

	_, err := f.Read(context.Background(), nil, pathKw(t, "/data/absent.txt"))
	if !stderrors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestFSReadWriteMount(t *testing.T) {
	f, dir := mountFS(t, "/output", MountReadWrite)
	target := filepath.Join(dir, "out.txt")
	writeFile(t, target, "original")
	ctx := context.Background()

	if _, err := f.Write(ctx, []value.Value{value.String("/output/out.txt"), value.String("modified")}, nil); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if data, _ := os.ReadFile(target); string(data) != "modified" {
		t.Errorf("expected 'modified', got %q", data)
	}

	_, err := f.Write(ctx, nil, kw(t, map[string]any{"path": "/output/fresh.txt", "content": "new"}))
	if !stderrors.Is(err, fs.ErrPermission) {
		t.Errorf("expected creating a file to be denied, got %v", err)
	}
	_, err = f.Mkdir(ctx, nil, pathKw(t, "/output/sub"))
	if !stderrors.Is(err, fs.ErrPermission) {
		t.Errorf("expected mkdir to be denied, got %v", err)
	}
}

func TestFSCreateMount(t *testing.T) {
	f, dir := mountFS(t, "/workspace", MountReadWriteCreate)
	ctx := context.Background()

	_, err := f.Write(ctx, nil, map[string]value.Value{
		"path":    value.String("/workspace/blob.bin"),
		"content": value.Bytes([]byte{0, 1, 2}),
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "blob.bin")); len(data) != 3 || data[2] != 2 {
		t.Errorf("unexpected content %v", data)
	}

	if _, err := f.Mkdir(ctx, nil, pathKw(t, "/workspace/a/b")); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "a", "b"))
	if err != nil || !info.IsDir() {
		t.Errorf("expected nested directory, got %v", err)
	}
}

func TestFSWriteRejectsNonText(t *testing.T) {
	f, _ := mountFS(t, "/w", MountReadWriteCreate)

	_, err := f.Write(context.Background(), []value.Value{value.String("/w/x"), value.Int(3)}, nil)
	if err == nil || !strings.Contains(err.Error(), "str or bytes") {
		t.Errorf("expected content type error, got %v", err)
	}
}

func TestFSList(t *testing.T) {
	f, dir := mountFS(t, "/data", MountReadOnly)
	writeFile(t, filepath.Join(dir, "one.txt"), "1")
	writeFile(t, filepath.Join(dir, "two.txt"), "22")
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatal(err)
	}

	result, err := f.List(context.Background(), nil, pathKw(t, "/data"))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	items, err := result.Items()
	if err != nil {
		t.Fatalf("expected list, got %s", result.Kind())
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(items))
	}

	dirs := make(map[string]bool)
	for _, item := range items {
		name, _ := item.Get(value.String("name"))
		isDir, _ := item.Get(value.String("is_dir"))
		b, _ := isDir.AsBool()
		dirs[mustString(t, name)] = b
	}
	if dirs["one.txt"] || dirs["two.txt"] || !dirs["nested"] {
		t.Errorf("unexpected entries: %v", dirs)
	}
}

func TestFSTraversalBlocked(t *testing.T) {
	f, dir := mountFS(t, "/data", MountReadOnly)
	secret := filepath.Join(filepath.Dir(dir), "secret.txt")
	writeFile(t, secret, "secret")
	defer os.Remove(secret)
	ctx := context.Background()

	for _, p := range []string{"/data/../secret.txt", "/etc/passwd", "/database/x"} {
		if _, err := f.Read(ctx, nil, pathKw(t, p)); !stderrors.Is(err, fs.ErrPermission) {
			t.Errorf("%s: expected permission error, got %v", p, err)
		}
	}
}

func TestFSPathLength(t *testing.T) {
	f, _ := mountFS(t, "/data", MountReadOnly, WithMaxPathLength(16))

	_, err := f.Read(context.Background(), nil, pathKw(t, "/data/"+strings.Repeat("x", 32)))
	if err == nil || !strings.Contains(err.Error(), "max length") {
		t.Errorf("expected length error, got %v", err)
	}
}

func TestFSSizeLimits(t *testing.T) {
	f, dir := mountFS(t, "/data", MountReadWriteCreate, WithMaxFileSize(4), WithMaxWriteSize(2))
	writeFile(t, filepath.Join(dir, "big.txt"), "12345")
	ctx := context.Background()

	if _, err := f.Read(ctx, nil, pathKw(t, "/data/big.txt")); err == nil {
		t.Error("expected read over the size limit to fail")
	}
	if _, err := f.Write(ctx, nil, kw(t, map[string]any{"path": "/data/small.txt", "content": "abc"})); err == nil {
		t.Error("expected write over the size limit to fail")
	}
}

func TestFSExists(t *testing.T) {
	f, dir := mountFS(t, "/data", MountReadOnly)
	writeFile(t, filepath.Join(dir, "here.txt"), "")
	ctx := context.Background()

	cases := map[string]bool{
		"/data/here.txt": true,
		"/data/gone.txt": false,
		"/etc/passwd":    false,
	}
	for p, want := range cases {
		got, err := f.Exists(ctx, nil, pathKw(t, p))
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if b, _ := got.AsBool(); b != want {
			t.Errorf("%s: expected %v, got %v", p, want, b)
		}
	}
}

func TestFSRemove(t *testing.T) {
	f, dir := mountFS(t, "/output", MountReadWrite)
	target := filepath.Join(dir, "delete-me.txt")
	writeFile(t, target, "bye")
	ctx := context.Background()

	if _, err := f.Remove(ctx, nil, pathKw(t, "/output/delete-me.txt")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("expected file to be deleted")
	}

	_, err := f.Remove(ctx, nil, pathKw(t, "/output/delete-me.txt"))
	if !stderrors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist on second remove, got %v", err)
	}
}

func TestFSStat(t *testing.T) {
	f, dir := mountFS(t, "/data", MountReadOnly)
	writeFile(t, filepath.Join(dir, "file.txt"), "hello")

	result, err := f.Stat(context.Background(), nil, pathKw(t, "/data/file.txt"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}

	name, _ := result.Get(value.String("name"))
	if mustString(t, name) != "file.txt" {
		t.Errorf("expected name 'file.txt', got %s", name)
	}
	size, _ := result.Get(value.String("size"))
	if n, _ := size.AsInt(); n != 5 {
		t.Errorf("expected size 5, got %s", size)
	}
	isDir, _ := result.Get(value.String("is_dir"))
	if b, _ := isDir.AsBool(); b {
		t.Error("expected is_dir to be false")
	}
	modTime, _ := result.Get(value.String("mod_time"))
	if modTime.Kind() != value.KindDateTime {
		t.Errorf("expected datetime mod_time, got %s", modTime.Kind())
	}
}

func TestParseMountMode(t *testing.T) {
	for in, want := range map[string]MountMode{"ro": MountReadOnly, "rw": MountReadWrite, "rwc": MountReadWriteCreate} {
		got, err := ParseMountMode(in)
		if err != nil || got != want {
			t.Errorf("%s: got %v, %v", in, got, err)
		}
	}
	if _, err := ParseMountMode("x"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
