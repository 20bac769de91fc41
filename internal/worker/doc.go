// Package worker 组装一次激活（manifest、进度、下载协调器、版本检测与路由），
// 并由 Runtime 在检测到新构建时整体替换。
package worker
