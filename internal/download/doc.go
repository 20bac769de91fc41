// Package download 协调资产下载：同一路径的并发请求只触发一次网络获取，
// 所有请求方共享同一份正文缓冲；下载过程中逐块累计进度并在完成后按 hash 持久化。
package download
