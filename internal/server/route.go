package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/asset-worker/internal/config"
)

// Route 将 origin 与 scope 配置聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type Route struct {
	// Origin 仅保留 scheme 与 host。
	Origin *url.URL
	// ScopePath 始终以 / 开头并以 / 结尾。
	ScopePath string
	// ScopeURL 是作用域根的绝对地址，即缓存 key 的公共前缀。
	ScopeURL *url.URL
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
}

// NewRoute 根据配置构建 Route。调用方应在启动阶段创建一次并复用。
func NewRoute(cfg *config.Config) (*Route, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	parsed, err := url.Parse(strings.TrimSpace(cfg.Worker.Origin))
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", cfg.Worker.Origin)
	}
	origin := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	scopePath := cfg.Worker.ScopePath()
	return &Route{
		Origin:     origin,
		ScopePath:  scopePath,
		ScopeURL:   &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: scopePath},
		ListenPort: cfg.Global.ListenPort,
	}, nil
}

// Contains 判断请求路径是否落在作用域内；"/app" 视同 "/app/"。
func (r *Route) Contains(path string) bool {
	if r == nil {
		return false
	}
	if strings.HasPrefix(path, r.ScopePath) {
		return true
	}
	return path+"/" == r.ScopePath
}

// ManifestPath 将请求路径换算为 manifest 使用的作用域相对路径，始终以 / 开头。
func (r *Route) ManifestPath(path string) string {
	if path == "" {
		return "/"
	}
	if r == nil || r.ScopePath == "/" {
		return path
	}
	if path+"/" == r.ScopePath {
		return "/"
	}
	if strings.HasPrefix(path, r.ScopePath) {
		return "/" + strings.TrimPrefix(path, r.ScopePath)
	}
	return path
}
