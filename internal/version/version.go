package version

import "fmt"

// Version/Commit/BuildTimestamp 可在构建时通过 -ldflags 注入，默认使用开发占位符。
// BuildTimestamp 与入口文档中的构建时间戳 meta 对应，配置中的 BuildTimestamp 优先。
var (
	Version        = "0.1.0"
	Commit         = "dev"
	BuildTimestamp = ""
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	if BuildTimestamp != "" {
		return fmt.Sprintf("asset-worker %s (%s, build %s)", Version, Commit, BuildTimestamp)
	}
	return fmt.Sprintf("asset-worker %s (%s)", Version, Commit)
}
