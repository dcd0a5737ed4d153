package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

func TestEntryEnsureAndDelete(t *testing.T) {
	store := newTestStore(t, LayoutBasic)
	entry := mustResolve(t, store, "collection/123")

	if entry.Exists() {
		t.Fatalf("fresh entry should not exist")
	}

	populated, err := entry.Ensure(context.Background(), time.Second, staticFetch("payload", nil))
	if err != nil {
		t.Fatalf("ensure error: %v", err)
	}
	if !populated || !entry.Exists() {
		t.Fatalf("expected entry to be populated")
	}

	file, info, err := entry.Open()
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	body, _ := io.ReadAll(file)
	file.Close()
	if string(body) != "payload" || info.Size() != int64(len("payload")) {
		t.Fatalf("unexpected cached body %q", string(body))
	}

	populated, err = entry.Ensure(context.Background(), time.Second, staticFetch("", fmt.Errorf("must not fetch")))
	if err != nil || populated {
		t.Fatalf("second ensure should be a no-op, got populated=%v err=%v", populated, err)
	}

	if err := entry.Remove(context.Background(), time.Second); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if entry.Exists() || dirExists(entry.Dir) {
		t.Fatalf("entry should be gone after delete")
	}
	if err := entry.Remove(context.Background(), time.Second); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, _, err := entry.Open(); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEntryDeleteKeepsNonEmptyDirectory(t *testing.T) {
	store := newTestStore(t, LayoutBasic)
	entry := mustResolve(t, store, "bar/1")
	if _, err := entry.Ensure(context.Background(), time.Second, staticFetch("x", nil)); err != nil {
		t.Fatalf("ensure error: %v", err)
	}
	sibling := filepath.Join(entry.Dir, "notes.txt")
	if err := os.WriteFile(sibling, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	if err := entry.Remove(context.Background(), time.Second); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if entry.Exists() {
		t.Fatalf("artifact should be removed")
	}
	if _, err := os.Stat(sibling); err != nil {
		t.Fatalf("non-empty directory should be kept: %v", err)
	}
}

func TestEntryDeleteSurfacesStorageErrors(t *testing.T) {
	store := newTestStore(t, LayoutBasic)
	entry := mustResolve(t, store, "bar/2")
	if err := os.MkdirAll(filepath.Join(entry.FilePath, "inner"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if entry.Exists() {
		t.Fatalf("directories must not count as artifacts")
	}

	err := entry.Remove(context.Background(), time.Second)
	if !apperrors.HasCode(err, apperrors.CodeStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestEntryEnsureConcurrentCallersFetchOnce(t *testing.T) {
	for _, layout := range []Layout{LayoutBasic, LayoutHashed, LayoutHashedSharded} {
		t.Run(layout.String(), func(t *testing.T) {
			normalizer := &countingNormalizer{}
			store, err := NewStore(t.TempDir(), layout, normalizer, nil)
			if err != nil {
				t.Fatalf("new store error: %v", err)
			}

			var fetches atomic.Int32
			fetch := func(ctx context.Context) (io.ReadCloser, error) {
				fetches.Add(1)
				time.Sleep(20 * time.Millisecond)
				return io.NopCloser(strings.NewReader("image-bytes")), nil
			}

			var g errgroup.Group
			for i := 0; i < 8; i++ {
				g.Go(func() error {
					entry, err := store.Resolve("collection/concurrent")
					if err != nil {
						return err
					}
					if _, err := entry.Ensure(context.Background(), 5*time.Second, fetch); err != nil {
						return err
					}
					if !entry.Exists() {
						return fmt.Errorf("entry missing after ensure")
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("concurrent ensure error: %v", err)
			}
			if fetches.Load() != 1 || normalizer.calls.Load() != 1 {
				t.Fatalf("expected exactly one fetch and normalize, got %d/%d", fetches.Load(), normalizer.calls.Load())
			}
		})
	}
}

func TestEntryLockTimeoutInProcess(t *testing.T) {
	store := newTestStore(t, LayoutHashed)
	entry := mustResolve(t, store, "collection/locked")

	held, err := entry.Lock(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("lock error: %v", err)
	}
	defer held.Unlock()

	assertLockTimeout(t, mustResolve(t, store, "collection/locked"))
}

func TestEntryLockTimeoutForeignHolder(t *testing.T) {
	store := newTestStore(t, LayoutBasic)
	entry := mustResolve(t, store, "collection/foreign")
	if err := os.MkdirAll(filepath.Dir(entry.LockPath), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	foreign := flock.New(entry.LockPath)
	locked, err := foreign.TryLock()
	if err != nil || !locked {
		t.Fatalf("foreign lock failed: locked=%v err=%v", locked, err)
	}
	defer foreign.Unlock()

	assertLockTimeout(t, entry)
}

func TestEntryLockReleasedAfterPanic(t *testing.T) {
	store := newTestStore(t, LayoutBasic)
	entry := mustResolve(t, store, "collection/panic")

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = entry.WithLock(context.Background(), time.Second, func() error {
			panic("boom")
		})
	}()

	lock, err := entry.Lock(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("lock should be free after panic: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("unlock error: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("second unlock should be a no-op: %v", err)
	}
}

func TestEntryPopulateFailuresLeaveNoArtifact(t *testing.T) {
	cases := []struct {
		name       string
		fetch      FetchFunc
		normalizer Normalizer
		code       string
		retryable  bool
	}{
		{
			name:       "fetch error",
			fetch:      staticFetch("", fmt.Errorf("connection refused")),
			normalizer: copyNormalizer(),
			code:       string(apperrors.CodeFetchFailed),
			retryable:  true,
		},
		{
			name:  "unsupported mode",
			fetch: staticFetch("data", nil),
			normalizer: NormalizerFunc(func(ctx context.Context, dst io.Writer, src io.Reader) error {
				_, _ = dst.Write([]byte("partial"))
				return apperrors.UnsupportedImageMode("A", []string{"L", "RGB", "CMYK"})
			}),
			code: string(apperrors.CodeUnsupportedImageMode),
		},
		{
			name:  "decoder failure",
			fetch: staticFetch("data", nil),
			normalizer: NormalizerFunc(func(ctx context.Context, dst io.Writer, src io.Reader) error {
				return fmt.Errorf("image: unknown format")
			}),
			code: string(apperrors.CodeNormalizationFailed),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(t.TempDir(), LayoutBasic, tc.normalizer, nil)
			if err != nil {
				t.Fatalf("new store error: %v", err)
			}
			entry := mustResolve(t, store, "collection/broken")

			populated, err := entry.Ensure(context.Background(), time.Second, tc.fetch)
			if err == nil || populated {
				t.Fatalf("expected failure, got populated=%v", populated)
			}
			if string(apperrors.Code(err)) != tc.code {
				t.Fatalf("expected code %s, got %s (%v)", tc.code, apperrors.Code(err), err)
			}
			if apperrors.IsRetryable(err) != tc.retryable {
				t.Fatalf("unexpected retryable=%v for %v", apperrors.IsRetryable(err), err)
			}
			if entry.Exists() {
				t.Fatalf("failed populate must not leave an artifact")
			}
			if dirExists(entry.Dir) {
				t.Fatalf("freshly created entry directory should be removed")
			}
			if leftovers := tempFiles(t, store.Root()); len(leftovers) > 0 {
				t.Fatalf("temporary files left behind: %v", leftovers)
			}
		})
	}
}

func assertLockTimeout(t *testing.T, entry *Entry) {
	t.Helper()
	var fetched atomic.Bool
	fetch := func(ctx context.Context) (io.ReadCloser, error) {
		fetched.Store(true)
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	started := time.Now()
	_, err := entry.Ensure(context.Background(), 100*time.Millisecond, fetch)
	if !apperrors.HasCode(err, apperrors.CodeLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Fatalf("lock timeout should be retryable")
	}
	if fetched.Load() {
		t.Fatalf("fetch must not run without the lock")
	}
	if elapsed := time.Since(started); elapsed < 90*time.Millisecond {
		t.Fatalf("gave up too early after %s", elapsed)
	}
}

func mustResolve(t *testing.T, store *Store, path string) *Entry {
	t.Helper()
	entry, err := store.Resolve(path)
	if err != nil {
		t.Fatalf("resolve %q: %v", path, err)
	}
	return entry
}

func staticFetch(body string, err error) FetchFunc {
	return func(ctx context.Context) (io.ReadCloser, error) {
		if err != nil {
			return nil, err
		}
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func tempFiles(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(path, ".tmp") {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	return found
}
