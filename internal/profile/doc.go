// Package profile 聚合不同前端运行时（GWT/webfx、通用 SPA 等）的约定，并提供统一的注册入口。
//
// 每个 profile 描述：
//  1. 入口文档之外还需 network-first 的 bootstrap 脚本后缀；
//  2. 资产 manifest 在 origin 上的路径；
//  3. 入口文档中嵌入构建时间戳的 meta 名称；
//  4. install 阶段需要立即缓存的文件列表。
//
// 配置中的显式字段优先于 profile 默认值。
package profile
