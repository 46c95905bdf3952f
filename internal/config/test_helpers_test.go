package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 写入临时 TOML；内容缺少 [Agent] 段时补上最小可用的源站配置。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	if !strings.Contains(content, "[Agent]") {
		content += "\n[Agent]\nOrigin = \"https://myaktion.example.com\"\n"
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
