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

// configFixture 返回 internal/config/testdata 下的配置样例；
// missing.toml 等用于失败场景的样例允许缺少 [Agent] 段，但文件本身必须存在。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位 offline-hub 模块根目录")
	}
	path := filepath.Join(repoRoot, "internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置样例 %s 不存在: %v", name, err)
	}
	return path
}

// writeConfigFile 写入临时 TOML 配置并返回路径。
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// agentConfig 生成指向 origin 的最小配置，global 为附加的全局字段。
func agentConfig(t *testing.T, origin, global string) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf(`
ListenPort = 5000
%s

[Agent]
Origin = %q
CoreAssets = ["/", "/static/offline.html"]
`, strings.TrimSpace(global), origin))
}
