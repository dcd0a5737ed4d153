package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// envBindings 列出每个配置项可被覆盖的环境变量，靠前的优先。
// 不带前缀的名称保持与早期部署脚本兼容。
var envBindings = map[string][]string{
	"ListenPort":                  {"MEZCAL_LISTEN_PORT"},
	"LogLevel":                    {"MEZCAL_LOG_LEVEL"},
	"LogFilePath":                 {"MEZCAL_LOG_FILE_PATH"},
	"LogMaxSize":                  {"MEZCAL_LOG_MAX_SIZE"},
	"LogMaxBackups":               {"MEZCAL_LOG_MAX_BACKUPS"},
	"LogCompress":                 {"MEZCAL_LOG_COMPRESS"},
	"StoragePath":                 {"MEZCAL_STORAGE_PATH", "STORAGE_DIR"},
	"DirectoryLayout":             {"MEZCAL_DIRECTORY_LAYOUT", "DIRECTORY_LAYOUT"},
	"LockTimeout":                 {"MEZCAL_LOCK_TIMEOUT"},
	"RepoBaseURL":                 {"MEZCAL_REPO_BASE_URL", "REPO_BASE_URL"},
	"RepoAuthType":                {"MEZCAL_REPO_AUTH_TYPE", "REPO_AUTH_TYPE"},
	"UpstreamTimeout":             {"MEZCAL_UPSTREAM_TIMEOUT"},
	"MaxImagePixels":              {"MEZCAL_MAX_IMAGE_PIXELS", "MAX_IMAGE_PIXELS"},
	"JPEGQuality":                 {"MEZCAL_JPEG_QUALITY"},
	"MaxConcurrentNormalizations": {"MEZCAL_MAX_CONCURRENT_NORMALIZATIONS"},
	"TracingEndpoint":             {"MEZCAL_TRACING_ENDPOINT"},
}

// DotenvPath 是启动时尝试加载的 .env 文件，不存在时忽略。
var DotenvPath = ".env"

// Load 读取可选的 TOML 配置文件，叠加 .env 与环境变量，注入默认值并校验。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	if err := loadDotenv(DotenvPath); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// loadDotenv 把 .env 中的变量写入进程环境，已存在的环境变量不会被覆盖。
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	return nil
}

func bindEnv(v *viper.Viper) error {
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("DirectoryLayout", "basic")
	v.SetDefault("LockTimeout", "30s")
	v.SetDefault("RepoBaseURL", "")
	v.SetDefault("RepoAuthType", "none")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxImagePixels", 0)
	v.SetDefault("JPEGQuality", 75)
	v.SetDefault("MaxConcurrentNormalizations", 0)
	v.SetDefault("TracingEndpoint", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.DirectoryLayout == "" {
		g.DirectoryLayout = "basic"
	}
	if g.RepoAuthType == "" {
		g.RepoAuthType = "none"
	}
	if g.LockTimeout.DurationValue() == 0 {
		g.LockTimeout = Duration(30 * time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.JPEGQuality == 0 {
		g.JPEGQuality = 75
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
