package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

const (
	// ArtifactName 是每个缓存目录下唯一的正文文件名。
	ArtifactName = "image.jpg"
	// LockSuffix 追加在缓存目录路径之后构成锁文件路径（目录的兄弟文件）。
	LockSuffix = ".lock"
	// DefaultLockTimeout 是未显式配置时获取条目锁的最长等待时间。
	DefaultLockTimeout = 30 * time.Second
)

// ErrNotFound 表示缓存条目当前不存在。
var ErrNotFound = errors.New("cache entry not found")

// Normalizer 将任意编码的源图像转换为规范 JPEG 并写入 dst。
type Normalizer interface {
	Normalize(ctx context.Context, dst io.Writer, src io.Reader) error
}

// NormalizerFunc adapts a function to the Normalizer interface.
type NormalizerFunc func(ctx context.Context, dst io.Writer, src io.Reader) error

// Normalize makes NormalizerFunc satisfy Normalizer.
func (f NormalizerFunc) Normalize(ctx context.Context, dst io.Writer, src io.Reader) error {
	return f(ctx, dst, src)
}

// FetchFunc 在缓存未命中时被调用，返回源图像的字节流。
type FetchFunc func(ctx context.Context) (io.ReadCloser, error)

// Store 持有存储根目录与布局，负责把逻辑路径解析为 Entry。整个进程复用一份实例。
type Store struct {
	root       string
	layout     Layout
	normalizer Normalizer
	logger     *logrus.Logger
	locks      *lockTable
}

// NewStore 以 root 为根目录构建缓存。布局非法时返回配置错误；本函数不触碰文件系统。
func NewStore(root string, layout Layout, normalizer Normalizer, logger *logrus.Logger) (*Store, error) {
	if root == "" {
		return nil, apperrors.Config("storage path required")
	}
	if !layout.Valid() {
		return nil, apperrors.Config("'%s' is not a recognized storage layout", strings.ToUpper(layout.String()))
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Store{
		root:       abs,
		layout:     layout,
		normalizer: normalizer,
		logger:     logger,
		locks:      newLockTable(),
	}, nil
}

// Root 返回存储根目录的绝对路径。
func (s *Store) Root() string {
	return s.root
}

// Layout 返回当前目录布局。
func (s *Store) Layout() Layout {
	return s.layout
}

// Resolve 计算 repoPath 对应的缓存目录并构造 Entry，不访问文件系统。
// BASIC 布局下包含 ".." 段、以 .lock 结尾或名为 image.jpg 的路径段会被拒绝，
// 避免逃逸出存储根目录或与其它条目的锁文件、正文文件重名。
func (s *Store) Resolve(repoPath string) (*Entry, error) {
	if err := s.validatePath(repoPath); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, Encode(repoPath, s.layout))
	return &Entry{
		Path:     repoPath,
		Dir:      dir,
		FilePath: filepath.Join(dir, ArtifactName),
		LockPath: dir + LockSuffix,
		store:    s,
	}, nil
}

func (s *Store) validatePath(repoPath string) error {
	if strings.Trim(repoPath, "/") == "" {
		return apperrors.InvalidInput("repository path required")
	}
	if s.layout != LayoutBasic {
		return nil
	}
	for _, segment := range strings.Split(filepath.ToSlash(repoPath), "/") {
		if segment == ".." {
			return apperrors.InvalidInput("repository path %q must not contain '..'", repoPath)
		}
		// BASIC 布局下目录名与源路径一致，锁文件与正文文件名不能再作为路径段出现。
		if strings.HasSuffix(segment, LockSuffix) || segment == ArtifactName {
			return apperrors.InvalidInput("repository path %q collides with cache bookkeeping files", repoPath)
		}
	}
	prefix := s.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	dir := filepath.Join(s.root, filepath.FromSlash(repoPath))
	if !strings.HasPrefix(dir, prefix) {
		return apperrors.InvalidInput("invalid cache path for %q", repoPath)
	}
	return nil
}
