// Package progress 维护全局下载进度并向订阅客户端广播。
//
// Tracker 是唯一的进度状态持有者，所有修改都经过同一个访问器；Reporter 负责把快照编码为
// loading_progress / status 消息并交给 Hub 分发。
package progress
