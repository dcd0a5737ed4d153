package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// isolateEnv 清空所有可覆盖配置的环境变量，并禁用 .env 加载。
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, names := range envBindings {
		for _, name := range names {
			t.Setenv(name, "")
		}
	}
	previous := DotenvPath
	DotenvPath = ""
	t.Cleanup(func() { DotenvPath = previous })
}
