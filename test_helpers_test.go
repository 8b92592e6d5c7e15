package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
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

func configFixture(t *testing.T, name string) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位项目根目录")
	}
	return filepath.Join(repoRoot, "internal", "config", "testdata", name)
}

// writeConfigFile 写入临时 TOML；origin 为空时使用不可达的占位地址。
func writeConfigFile(t *testing.T, origin string, extra string) string {
	t.Helper()
	if origin == "" {
		origin = "http://127.0.0.1:1"
	}
	dir := t.TempDir()
	content := fmt.Sprintf(`
ListenPort = 5000
LogLevel = "info"
StoragePath = %q
%s

[Worker]
Origin = %q
`, filepath.Join(dir, "storage"), strings.TrimSpace(extra), origin)
	file := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
