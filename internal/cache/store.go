package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Storage 管理多个具名缓存，磁盘布局：
//
//	<StoragePath>/<cache name>/<blake3(key)>.body   # 响应正文
//	<StoragePath>/<cache name>/<blake3(key)>.meta   # Entry JSON（key、状态码、响应头等）
type Storage interface {
	// Open 打开（必要时创建）具名缓存。
	Open(name string) (Cache, error)
	// Names 返回已存在的缓存名称。
	Names() ([]string, error)
	// Delete 删除整个具名缓存，不存在时返回 false。
	Delete(name string) (bool, error)
}

// Cache 以请求 key 为索引读写响应。
type Cache interface {
	Name() string

	// Match 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key string) (*ReadResult, error)

	// Put 写入正文与元数据。实现需通过临时文件 + rename 保证写入原子性，
	// 并在失败时清理临时文件。重复写入同一 key 会覆盖旧条目。
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error)

	// Delete 删除条目，不存在时返回 false。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 枚举所有已存储条目的 key。
	Keys(ctx context.Context) ([]string, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	Status int
	Header http.Header
	// Tag 是调用方附加的身份标记：hash 条目为内容 hash，入口文档为构建时间戳。
	Tag string
}

// Entry 描述一个已持久化的响应。
type Entry struct {
	Key       string      `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	SizeBytes int64       `json:"size_bytes"`
	Tag       string      `json:"tag,omitempty"`
	StoredAt  time.Time   `json:"stored_at"`
	FilePath  string      `json:"-"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Response 转换为通用响应，Body 的所有权随之转移。
func (r *ReadResult) Response() *Response {
	return &Response{
		Status:        r.Entry.Status,
		Header:        r.Entry.Header.Clone(),
		Body:          r.Reader,
		ContentLength: r.Entry.SizeBytes,
	}
}

// Response 是路由、下载协调器与缓存之间传递的响应值。
// 每个 Response 的 Body 只能被一个消费者读取。
type Response struct {
	Status        int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// OK 对应 fetch 语义中的 response.ok。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Close 关闭正文，nil 安全。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
