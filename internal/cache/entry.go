package cache

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

var tracer = otel.Tracer("github.com/mezcal-hub/mezcal/internal/cache")

// Entry 表示一个缓存条目：正文文件 + 兄弟锁文件。Entry 本身只保存路径，
// 存在性每次都回到文件系统查询，因为其它进程可能已经创建或删除了文件。
type Entry struct {
	// Path 是源仓库中的逻辑路径。
	Path string
	// Dir 是解析后的缓存目录。
	Dir string
	// FilePath 指向 <Dir>/image.jpg。
	FilePath string
	// LockPath 指向 <Dir>.lock，本身不属于缓存内容。
	LockPath string

	store *Store
}

// Exists 报告正文文件此刻是否存在。
func (e *Entry) Exists() bool {
	info, err := os.Stat(e.FilePath)
	return err == nil && info.Mode().IsRegular()
}

// Open 打开已存在的正文供只读流式输出，无需持锁；不存在时返回 ErrNotFound。
func (e *Entry) Open() (*os.File, os.FileInfo, error) {
	f, err := os.Open(e.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, apperrors.Storage(err, "open mezzanine copy")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, apperrors.Storage(err, "open mezzanine copy")
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// Ensure 持锁后重新检查存在性，仅在缺失时执行 Populate。返回值表示本次调用是否写入了新文件。
// 多个并发调用者中只有第一个拿到锁的会回源，其余在拿到锁后发现文件已存在直接返回。
func (e *Entry) Ensure(ctx context.Context, timeout time.Duration, fetch FetchFunc) (populated bool, err error) {
	err = e.WithLock(ctx, timeout, func() error {
		if e.Exists() {
			return nil
		}
		if err := e.Populate(ctx, fetch); err != nil {
			return err
		}
		populated = true
		return nil
	})
	return populated, err
}

// Remove 在持锁状态下执行 Delete。
func (e *Entry) Remove(ctx context.Context, timeout time.Duration) error {
	return e.WithLock(ctx, timeout, e.Delete)
}

// Populate 回源并把归一化后的 JPEG 写入正文文件。调用方必须持有条目锁且已确认文件不存在。
// 正文先写入同目录的临时文件，fsync 后 rename 到最终路径，读者永远看不到半截文件；
// 任一步失败都会清理临时文件，条目保持缺失以便后续请求重试。
func (e *Entry) Populate(ctx context.Context, fetch FetchFunc) (err error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "cache.populate", trace.WithAttributes(
		attribute.String("cache.path", e.Path),
		attribute.String("cache.layout", e.store.layout.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if e.store.normalizer == nil {
		return apperrors.Normalization(errors.New("normalizer not configured"))
	}

	createdDir, err := ensureDir(e.Dir)
	if err != nil {
		return apperrors.Storage(err, "create cache directory")
	}
	defer func() {
		if err != nil && createdDir {
			_ = os.Remove(e.Dir)
		}
	}()

	body, err := fetch(ctx)
	if err != nil {
		if !apperrors.Classified(err) {
			err = apperrors.Fetch(err, e.Path)
		}
		return err
	}
	defer body.Close()

	tempFile, err := os.CreateTemp(e.Dir, ".image-*.tmp")
	if err != nil {
		return apperrors.Storage(err, "create temporary file")
	}
	tempName := tempFile.Name()

	counter := &countingWriter{w: tempFile}
	err = e.store.normalizer.Normalize(ctx, counter, body)
	if err != nil && !apperrors.Classified(err) {
		err = apperrors.Normalization(err)
	}
	if err == nil {
		if syncErr := tempFile.Sync(); syncErr != nil {
			err = apperrors.Storage(syncErr, "flush mezzanine copy")
		}
	}
	if closeErr := tempFile.Close(); err == nil && closeErr != nil {
		err = apperrors.Storage(closeErr, "flush mezzanine copy")
	}
	if err != nil {
		os.Remove(tempName)
		e.logFailure("populate", started, err)
		return err
	}

	if err := os.Rename(tempName, e.FilePath); err != nil {
		os.Remove(tempName)
		wrapped := apperrors.Storage(err, "persist mezzanine copy")
		e.logFailure("populate", started, wrapped)
		return wrapped
	}

	e.store.logger.WithFields(logrus.Fields{
		"action":     "populate",
		"path":       e.Path,
		"file":       e.FilePath,
		"size":       humanize.Bytes(uint64(counter.n)),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("mezzanine_created")
	return nil
}

// Delete 删除正文文件（不存在不算错误），随后尝试删除已空的缓存目录；
// 目录非空或已不存在时忽略，其它文件系统错误以 StorageError 返回。调用方必须持有条目锁。
func (e *Entry) Delete() error {
	started := time.Now()
	if err := os.Remove(e.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		wrapped := apperrors.Storage(err, "remove resource")
		e.logFailure("delete", started, wrapped)
		return wrapped
	}
	if err := os.Remove(e.Dir); err != nil && !errors.Is(err, fs.ErrNotExist) && !isDirNotEmpty(err) {
		wrapped := apperrors.Storage(err, "remove resource")
		e.logFailure("delete", started, wrapped)
		return wrapped
	}

	e.store.logger.WithFields(logrus.Fields{
		"action":     "delete",
		"path":       e.Path,
		"file":       e.FilePath,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("mezzanine_removed")
	return nil
}

func (e *Entry) logFailure(action string, started time.Time, err error) {
	e.store.logger.WithFields(logrus.Fields{
		"action":     action,
		"path":       e.Path,
		"file":       e.FilePath,
		"code":       apperrors.Code(err),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).WithError(err).Error("mezzanine_" + action + "_failed")
}

// ensureDir 创建目录并报告目录是否由本次调用新建。
func ensureDir(dir string) (bool, error) {
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return false, &fs.PathError{Op: "mkdir", Path: dir, Err: syscall.ENOTDIR}
		}
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

func isDirNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
