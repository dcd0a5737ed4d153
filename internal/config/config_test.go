package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mezcal-hub/mezcal/internal/cache"
	"github.com/mezcal-hub/mezcal/internal/origin"
)

func TestLoadWithDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	g := cfg.Global
	if g.ListenPort != 5080 || g.LogLevel != "debug" {
		t.Fatalf("基础字段解析错误: %+v", g)
	}
	if !filepath.IsAbs(g.StoragePath) {
		t.Fatalf("StoragePath 应转换为绝对路径: %s", g.StoragePath)
	}
	if g.Layout() != cache.LayoutHashedSharded {
		t.Fatalf("DirectoryLayout 解析错误: %s", g.DirectoryLayout)
	}
	if g.AuthType() != origin.AuthJWTSecret {
		t.Fatalf("RepoAuthType 解析错误: %s", g.RepoAuthType)
	}
	if g.LockTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("LockTimeout 解析错误: %s", g.LockTimeout.DurationValue())
	}
	if g.UpstreamTimeout.DurationValue() != 45*time.Second {
		t.Fatalf("纯数字应按秒解析: %s", g.UpstreamTimeout.DurationValue())
	}
	if g.MaxImagePixels != 1000000 || g.JPEGQuality != 85 {
		t.Fatalf("图像参数解析错误: %+v", g)
	}
	if !g.LogCompress || g.LogMaxSize != 100 || g.LogMaxBackups != 10 {
		t.Fatalf("日志默认值缺失: %+v", g)
	}
}

func TestValidateRejectsMissingRepoBaseURL(t *testing.T) {
	isolateEnv(t)

	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺少 RepoBaseURL 的配置应返回错误")
	}
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	isolateEnv(t)
	storage := t.TempDir()
	t.Setenv("REPO_BASE_URL", "https://repo.example/rest/")
	t.Setenv("DIRECTORY_LAYOUT", "MD5_ENCODED")
	t.Setenv("STORAGE_DIR", filepath.Join(storage, "legacy"))
	t.Setenv("MEZCAL_STORAGE_PATH", storage)
	t.Setenv("MAX_IMAGE_PIXELS", "-1")
	t.Setenv("MEZCAL_LOCK_TIMEOUT", "5s")
	t.Setenv("MEZCAL_LOG_COMPRESS", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	g := cfg.Global
	if g.RepoBaseURL != "https://repo.example/rest/" {
		t.Fatalf("旧环境变量应生效: %s", g.RepoBaseURL)
	}
	if g.Layout() != cache.LayoutHashed {
		t.Fatalf("布局别名应被识别: %s", g.DirectoryLayout)
	}
	if g.StoragePath != storage {
		t.Fatalf("带前缀的变量应优先: %s", g.StoragePath)
	}
	if g.MaxImagePixels != -1 {
		t.Fatalf("MaxImagePixels 解析错误: %d", g.MaxImagePixels)
	}
	if g.LockTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("LockTimeout 解析错误: %s", g.LockTimeout.DurationValue())
	}
	if g.LogCompress {
		t.Fatalf("LogCompress 应被环境变量关闭")
	}
	if g.ListenPort != 5000 || g.JPEGQuality != 75 || g.AuthType() != origin.AuthNone {
		t.Fatalf("默认值缺失: %+v", g)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	isolateEnv(t)
	t.Setenv("MEZCAL_LISTEN_PORT", "6001")

	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 6001 {
		t.Fatalf("环境变量应覆盖配置文件: %d", cfg.Global.ListenPort)
	}
}

func TestValidateRules(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(g *GlobalConfig)
		shouldErr bool
	}{
		{"valid", func(g *GlobalConfig) {}, false},
		{"port range", func(g *GlobalConfig) { g.ListenPort = 70000 }, true},
		{"bad level", func(g *GlobalConfig) { g.LogLevel = "loud" }, true},
		{"empty storage", func(g *GlobalConfig) { g.StoragePath = " " }, true},
		{"unknown layout", func(g *GlobalConfig) { g.DirectoryLayout = "foo" }, true},
		{"layout alias", func(g *GlobalConfig) { g.DirectoryLayout = "md5_encoded_pairtree" }, false},
		{"zero lock timeout", func(g *GlobalConfig) { g.LockTimeout = 0 }, true},
		{"ftp upstream", func(g *GlobalConfig) { g.RepoBaseURL = "ftp://repo.example/" }, true},
		{"missing host", func(g *GlobalConfig) { g.RepoBaseURL = "http:///rest" }, true},
		{"unknown auth", func(g *GlobalConfig) { g.RepoAuthType = "kerberos" }, true},
		{"quality", func(g *GlobalConfig) { g.JPEGQuality = 101 }, true},
		{"negative workers", func(g *GlobalConfig) { g.MaxConcurrentNormalizations = -1 }, true},
		{"tracing endpoint", func(g *GlobalConfig) { g.TracingEndpoint = "collector:4318" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Global)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateReturnsFieldError(t *testing.T) {
	cfg := validConfig()
	cfg.Global.DirectoryLayout = "foo"
	err := cfg.Validate()
	fieldErr, ok := err.(FieldError)
	if !ok {
		t.Fatalf("expected FieldError, got %T", err)
	}
	if fieldErr.Field != "DirectoryLayout" {
		t.Fatalf("unexpected field %s", fieldErr.Field)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			StoragePath:     "./data",
			DirectoryLayout: "basic",
			LockTimeout:     Duration(time.Second),
			RepoBaseURL:     "http://repo.example/rest/",
			RepoAuthType:    "none",
			UpstreamTimeout: Duration(time.Second),
			JPEGQuality:     75,
		},
	}
}
