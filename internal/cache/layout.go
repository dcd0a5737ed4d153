package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

// Layout 决定逻辑路径到缓存目录的映射方式，只有三种固定取值。
type Layout int

const (
	// LayoutBasic 与源仓库保持相同的目录结构。
	LayoutBasic Layout = iota + 1
	// LayoutHashed 以逻辑路径的 MD5 十六进制串作为单级目录名。
	LayoutHashed
	// LayoutHashedSharded 在 MD5 目录之前增加三级两字符 pairtree 分片，避免单目录扇出过大。
	LayoutHashedSharded
)

var layoutNames = map[string]Layout{
	"basic":                LayoutBasic,
	"hashed":               LayoutHashed,
	"md5_encoded":          LayoutHashed,
	"hashed_sharded":       LayoutHashedSharded,
	"md5_encoded_pairtree": LayoutHashedSharded,
}

// ParseLayout 解析配置中的布局名（大小写不敏感），未知名称返回配置错误。
func ParseLayout(name string) (Layout, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if layout, ok := layoutNames[key]; ok {
		return layout, nil
	}
	return 0, apperrors.Config("'%s' is not a recognized storage layout", strings.ToUpper(strings.TrimSpace(name)))
}

// Valid 报告 l 是否为已定义的布局。
func (l Layout) Valid() bool {
	return l >= LayoutBasic && l <= LayoutHashedSharded
}

func (l Layout) String() string {
	switch l {
	case LayoutBasic:
		return "basic"
	case LayoutHashed:
		return "hashed"
	case LayoutHashedSharded:
		return "hashed_sharded"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Encode 返回 repoPath 在给定布局下相对于存储根目录的目录路径。
// 该函数是纯函数：相同输入总是得到相同输出。MD5 仅用作定长命名空间键，不承担安全属性。
func Encode(repoPath string, layout Layout) string {
	switch layout {
	case LayoutBasic:
		return filepath.FromSlash(repoPath)
	case LayoutHashed:
		return digest(repoPath)
	case LayoutHashedSharded:
		sum := digest(repoPath)
		return filepath.Join(sum[0:2], sum[2:4], sum[4:6], sum)
	default:
		panic(fmt.Sprintf("cache: unknown layout %d", int(layout)))
	}
}

func digest(repoPath string) string {
	sum := md5.Sum([]byte(repoPath))
	return hex.EncodeToString(sum[:])
}
