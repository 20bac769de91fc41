package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(filepath.Join("testdata", "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"

[Worker]
Origin = "https://app.example.com"
DownloadGrace = "boom"
`
	path := writeConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"

[Worker]
Origin = "https://app.example.com"
Profile = "generic"
DownloadGrace = 5
InstallPrecache = ["index.html"]
`
	path := writeConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Worker.DownloadGrace.DurationValue().Seconds(); got != 5 {
		t.Fatalf("纯数字应按秒解析，得到 %v", got)
	}
	if loaded.Worker.ManifestPath != "/pwa-asset.json" {
		t.Fatalf("generic profile manifest 路径错误: %s", loaded.Worker.ManifestPath)
	}
	if loaded.Worker.BootstrapSuffix != "" {
		t.Fatalf("generic profile 不应带 bootstrap 后缀: %s", loaded.Worker.BootstrapSuffix)
	}
	if len(loaded.Worker.InstallPrecache) != 1 {
		t.Fatalf("显式配置的 InstallPrecache 不应被覆盖: %v", loaded.Worker.InstallPrecache)
	}
}

func TestLoadRejectsUnknownLogFormat(t *testing.T) {
	path := writeConfig(t, `
LogFormat = "xml"

[Worker]
Origin = "https://app.example.com"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "Global.LogFormat") {
		t.Fatalf("非法日志格式应指出字段，得到 %v", err)
	}
}

// writeConfig 将内容写入临时 config.toml 并返回路径。
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
