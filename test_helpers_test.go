package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mezcal-hub/mezcal/internal/config"
)

var repoRoot string

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			repoRoot = dir
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func projectRoot(t *testing.T) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位项目根目录")
	}
	return repoRoot
}

func configFixture(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(projectRoot(t), "internal", "config", "testdata", name)
}

// isolateRunEnv 清空可能影响配置与凭证的环境变量，并禁用 .env 加载。
func isolateRunEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"MEZCAL_LISTEN_PORT", "MEZCAL_LOG_LEVEL", "MEZCAL_LOG_FILE_PATH",
		"MEZCAL_STORAGE_PATH", "STORAGE_DIR",
		"MEZCAL_DIRECTORY_LAYOUT", "DIRECTORY_LAYOUT",
		"MEZCAL_REPO_BASE_URL", "REPO_BASE_URL",
		"MEZCAL_REPO_AUTH_TYPE", "REPO_AUTH_TYPE",
		"MEZCAL_TRACING_ENDPOINT",
		"JWT_SECRET", "JWT_TOKEN", "REPO_USERNAME", "REPO_PASSWORD",
	} {
		t.Setenv(name, "")
	}
	previous := config.DotenvPath
	config.DotenvPath = ""
	t.Cleanup(func() { config.DotenvPath = previous })
}
