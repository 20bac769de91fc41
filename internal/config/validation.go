package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/asset-worker/internal/profile"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch strings.ToLower(g.LogFormat) {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json 或 text")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}

	w := c.Worker
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin"), err)
	}
	if strings.ContainsAny(w.Scope, "?# ") {
		return newFieldError(workerField("Scope"), "不允许包含查询串、片段或空格")
	}
	if strings.TrimSpace(w.CacheName) == "" {
		return newFieldError(workerField("CacheName"), "不能为空")
	}
	if strings.ContainsAny(w.CacheName, `/\`) {
		return newFieldError(workerField("CacheName"), "不允许包含路径分隔符")
	}
	if _, ok := profile.Resolve(w.Profile); !ok {
		return newFieldError(workerField("Profile"), "未注册的 profile: "+w.Profile)
	}
	if w.ManifestPath != "" && !strings.HasPrefix(w.ManifestPath, "/") {
		return newFieldError(workerField("ManifestPath"), "必须以 / 开头")
	}
	if w.ManifestFile == "" && w.ManifestPath == "" {
		return newFieldError(workerField("ManifestPath"), "ManifestFile 与 ManifestPath 至少提供一个")
	}
	if strings.TrimSpace(w.BuildMarker) == "" {
		return newFieldError(workerField("BuildMarker"), "不能为空")
	}
	if w.PrefetchConcurrency <= 0 {
		return newFieldError(workerField("PrefetchConcurrency"), "必须大于 0")
	}
	if w.DownloadGrace.DurationValue() < 0 {
		return newFieldError(workerField("DownloadGrace"), "不能为负数")
	}
	if w.RetryDelay.DurationValue() < 0 {
		return newFieldError(workerField("RetryDelay"), "不能为负数")
	}
	for _, p := range w.InstallPrecache {
		if strings.TrimSpace(p) == "" {
			return newFieldError(workerField("InstallPrecache"), "不允许空路径")
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少 origin 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，origin: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("origin 缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("origin 不允许包含查询串或片段: %s", raw)
	}
	return nil
}
