package cache

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jmgilman/go/errors"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

func TestNewStoreRejectsInvalidLayout(t *testing.T) {
	_, err := NewStore(t.TempDir(), Layout(42), copyNormalizer(), nil)
	if err == nil {
		t.Fatalf("expected error for unknown layout")
	}
	if !apperrors.HasCode(err, errors.CodeInvalidConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestNewStoreDoesNotCreateRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-yet")
	store, err := NewStore(root, LayoutBasic, copyNormalizer(), nil)
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	if store.Root() != root {
		t.Fatalf("unexpected root %s", store.Root())
	}
	if _, err := store.Resolve("a/b"); err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if dirExists(root) {
		t.Fatalf("resolve must not touch the filesystem")
	}
}

func TestStoreResolvePaths(t *testing.T) {
	cases := []struct {
		name   string
		layout Layout
		dir    string
	}{
		{name: "basic", layout: LayoutBasic, dir: "/foo/bar/1"},
		{name: "hashed", layout: LayoutHashed, dir: "/foo/79693ef14b88881ffa7c1f69787a7f91"},
		{name: "sharded", layout: LayoutHashedSharded, dir: "/foo/79/69/3e/79693ef14b88881ffa7c1f69787a7f91"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore("/foo", tc.layout, copyNormalizer(), nil)
			if err != nil {
				t.Fatalf("new store error: %v", err)
			}
			entry, err := store.Resolve("bar/1")
			if err != nil {
				t.Fatalf("resolve error: %v", err)
			}
			want := filepath.FromSlash(tc.dir)
			if entry.Dir != want {
				t.Fatalf("expected dir %s, got %s", want, entry.Dir)
			}
			if entry.FilePath != filepath.Join(want, ArtifactName) {
				t.Fatalf("unexpected file path %s", entry.FilePath)
			}
			if entry.LockPath != want+LockSuffix {
				t.Fatalf("unexpected lock path %s", entry.LockPath)
			}
			if strings.HasPrefix(entry.LockPath, entry.Dir+string(filepath.Separator)) {
				t.Fatalf("lock file must live outside the entry directory")
			}
		})
	}
}

func TestStoreResolveRejectsTraversal(t *testing.T) {
	store := newTestStore(t, LayoutBasic)
	for _, path := range []string{"", "/", "../etc", "a/../../b", "a/.."} {
		if _, err := store.Resolve(path); !apperrors.HasCode(err, errors.CodeInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", path, err)
		}
	}

	hashed := newTestStore(t, LayoutHashed)
	entry, err := hashed.Resolve("../etc")
	if err != nil {
		t.Fatalf("hashed layout should accept any key: %v", err)
	}
	if filepath.Dir(entry.Dir) != hashed.Root() {
		t.Fatalf("hashed entry escaped root: %s", entry.Dir)
	}
}

func TestStoreResolveRejectsBookkeepingNames(t *testing.T) {
	store := newTestStore(t, LayoutBasic)

	foo, err := store.Resolve("foo")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	for _, path := range []string{"foo.lock", "a/foo.lock/b", "foo/image.jpg", "x/image.jpg/y"} {
		if _, err := store.Resolve(path); !apperrors.HasCode(err, errors.CodeInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", path, err)
		}
	}
	if filepath.Base(foo.LockPath) != "foo.lock" {
		t.Fatalf("unexpected lock path %s", foo.LockPath)
	}

	for _, path := range []string{"foo.locker", "lock", "foo/image.jpeg", "images/jpg"} {
		if _, err := store.Resolve(path); err != nil {
			t.Fatalf("path %q should be accepted: %v", path, err)
		}
	}

	hashed := newTestStore(t, LayoutHashedSharded)
	if _, err := hashed.Resolve("foo.lock"); err != nil {
		t.Fatalf("hashed layouts cannot collide with lock files: %v", err)
	}
}

func TestStoreLeadingSlashStaysUnderRoot(t *testing.T) {
	store := newTestStore(t, LayoutBasic)
	entry, err := store.Resolve("/collection/9")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if entry.Dir != filepath.Join(store.Root(), "collection", "9") {
		t.Fatalf("unexpected dir %s", entry.Dir)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T, layout Layout) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), layout, copyNormalizer(), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// countingNormalizer 把源字节原样写出，并统计调用次数。
type countingNormalizer struct {
	calls atomic.Int32
}

func (n *countingNormalizer) Normalize(_ context.Context, dst io.Writer, src io.Reader) error {
	n.calls.Add(1)
	_, err := io.Copy(dst, src)
	return err
}

func copyNormalizer() Normalizer {
	return &countingNormalizer{}
}
