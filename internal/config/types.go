package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志与磁盘缓存位置。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	EnableMetrics   bool     `mapstructure:"EnableMetrics"`
}

// WorkerConfig 决定 worker 拦截哪个 scope、从哪个 origin 拉取资源以及预取行为。
type WorkerConfig struct {
	Origin              string   `mapstructure:"Origin"`
	Scope               string   `mapstructure:"Scope"`
	CacheName           string   `mapstructure:"CacheName"`
	Profile             string   `mapstructure:"Profile"`
	ManifestFile        string   `mapstructure:"ManifestFile"`
	ManifestPath        string   `mapstructure:"ManifestPath"`
	BuildTimestamp      string   `mapstructure:"BuildTimestamp"`
	BuildMarker         string   `mapstructure:"BuildMarker"`
	BootstrapSuffix     string   `mapstructure:"BootstrapSuffix"`
	InstallPrecache     []string `mapstructure:"InstallPrecache"`
	DefaultPreCache     bool     `mapstructure:"DefaultPreCache"`
	PrefetchConcurrency int      `mapstructure:"PrefetchConcurrency"`
	DownloadGrace       Duration `mapstructure:"DownloadGrace"`
	RetryDelay          Duration `mapstructure:"RetryDelay"`
	VerifyContentHash   bool     `mapstructure:"VerifyContentHash"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// ScopePath 返回规范化后的 scope 路径，始终以 / 开头并以 / 结尾。
func (w WorkerConfig) ScopePath() string {
	scope := strings.TrimSpace(w.Scope)
	if scope == "" {
		return "/"
	}
	if !strings.HasPrefix(scope, "/") {
		scope = "/" + scope
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return scope
}
