package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/asset-worker/internal/profile"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、运行时 profile 与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	if err := applyWorkerDefaults(&cfg.Worker); err != nil {
		return nil, err
	}

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "0s")
	v.SetDefault("EnableMetrics", true)
	v.SetDefault("Worker.Scope", "/")
	v.SetDefault("Worker.CacheName", "webfx-pwa-cache")
	v.SetDefault("Worker.Profile", profile.DefaultKey())
	v.SetDefault("Worker.PrefetchConcurrency", 6)
	v.SetDefault("Worker.DownloadGrace", "30s")
	v.SetDefault("Worker.RetryDelay", "0s")
	v.SetDefault("Worker.VerifyContentHash", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		g.UpstreamTimeout = Duration(0)
	}
}

// applyWorkerDefaults 用 profile 默认值填充未显式配置的字段。
func applyWorkerDefaults(w *WorkerConfig) error {
	key := strings.ToLower(strings.TrimSpace(w.Profile))
	if key == "" {
		key = profile.DefaultKey()
	}
	meta, ok := profile.Resolve(key)
	if !ok {
		return newFieldError("Worker.Profile", "未注册的 profile: "+w.Profile)
	}
	w.Profile = meta.Key
	w.Scope = w.ScopePath()

	if strings.TrimSpace(w.ManifestPath) == "" {
		w.ManifestPath = meta.ManifestPath
	}
	if strings.TrimSpace(w.BuildMarker) == "" {
		w.BuildMarker = meta.BuildMarker
	}
	if strings.TrimSpace(w.BootstrapSuffix) == "" {
		w.BootstrapSuffix = meta.BootstrapSuffix
	}
	if w.InstallPrecache == nil {
		w.InstallPrecache = append([]string(nil), meta.InstallPrecache...)
	}
	if w.PrefetchConcurrency <= 0 {
		w.PrefetchConcurrency = 6
	}
	if w.DownloadGrace.DurationValue() < 0 {
		w.DownloadGrace = Duration(0)
	}
	return nil
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
