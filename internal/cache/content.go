package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

var hashSegment = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// buildTagPrefix 标记入口文档条目，后接文档内嵌的构建时间戳。
const buildTagPrefix = "build:"

// BuildTag 返回入口文档条目使用的 Tag；时间戳为空时返回空串。
func BuildTag(timestamp string) string {
	if timestamp == "" {
		return ""
	}
	return buildTagPrefix + timestamp
}

// BuildOf 解析入口文档 Tag 中的构建时间戳。
func BuildOf(tag string) (string, bool) {
	if !strings.HasPrefix(tag, buildTagPrefix) {
		return "", false
	}
	return strings.TrimPrefix(tag, buildTagPrefix), true
}

// ContentStore 在具名缓存之上提供按内容 hash 寻址的读写，key 形如 <scope><hash>。
type ContentStore struct {
	cache     Cache
	scope     *url.URL
	scopeBase string
	logger    *logrus.Logger
}

// NewContentStore 构造 ContentStore，scope 需为带尾部斜杠的绝对 URL。
func NewContentStore(c Cache, scope *url.URL, logger *logrus.Logger) (*ContentStore, error) {
	if c == nil {
		return nil, errors.New("cache required")
	}
	if scope == nil || !scope.IsAbs() {
		return nil, errors.New("absolute scope url required")
	}
	clone := *scope
	clone.RawQuery = ""
	clone.Fragment = ""
	if !strings.HasSuffix(clone.Path, "/") {
		clone.Path += "/"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ContentStore{
		cache:     c,
		scope:     &clone,
		scopeBase: clone.String(),
		logger:    logger,
	}, nil
}

// Cache 返回底层具名缓存。
func (s *ContentStore) Cache() Cache {
	return s.cache
}

// Scope 返回作用域根 URL（含尾部斜杠）。
func (s *ContentStore) Scope() string {
	return s.scopeBase
}

// HashKey 返回 hash 对应的缓存 key。
func (s *ContentStore) HashKey(hash string) string {
	return s.scopeBase + hash
}

// ScopedKey 将站内路径解析为作用域下的缓存 key，"/index.html" → <scope>index.html。
func (s *ContentStore) ScopedKey(path string) string {
	return s.scopeBase + strings.TrimPrefix(path, "/")
}

// GetByHash 读取 hash 条目，未命中返回 ErrNotFound。
func (s *ContentStore) GetByHash(ctx context.Context, hash string) (*Response, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	return s.GetExact(ctx, s.HashKey(hash))
}

// HasHash 仅判断条目是否存在。
func (s *ContentStore) HasHash(ctx context.Context, hash string) bool {
	resp, err := s.GetByHash(ctx, hash)
	if err != nil {
		return false
	}
	resp.Close()
	return true
}

// PutByHash 以 hash 为 key 写入正文，Tag 缺省为 hash 本身。
func (s *ContentStore) PutByHash(ctx context.Context, hash string, body io.Reader, opts PutOptions) (*Entry, error) {
	if hash == "" {
		return nil, errors.New("content hash required")
	}
	if opts.Tag == "" {
		opts.Tag = hash
	}
	return s.cache.Put(ctx, s.HashKey(hash), body, opts)
}

// GetByPath 按作用域下的路径 key 读取。
func (s *ContentStore) GetByPath(ctx context.Context, path string) (*Response, error) {
	return s.GetExact(ctx, s.ScopedKey(path))
}

// GetExact 按完整请求 URL 读取。
func (s *ContentStore) GetExact(ctx context.Context, key string) (*Response, error) {
	result, err := s.cache.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	return result.Response(), nil
}

// Stat 返回条目元数据而不保留正文句柄。
func (s *ContentStore) Stat(ctx context.Context, key string) (*Entry, error) {
	result, err := s.cache.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	result.Reader.Close()
	entry := result.Entry
	return &entry, nil
}

// PutExact 以完整请求 URL 为 key 写入。
func (s *ContentStore) PutExact(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	return s.cache.Put(ctx, key, body, opts)
}

// Delete 删除指定 key。
func (s *ContentStore) Delete(ctx context.Context, key string) (bool, error) {
	return s.cache.Delete(ctx, key)
}

// Keys 枚举底层缓存的全部 key。
func (s *ContentStore) Keys(ctx context.Context) ([]string, error) {
	return s.cache.Keys(ctx)
}

// HashOf 判断 key 是否为作用域正下方的 64 位十六进制 hash 条目，是则返回该 hash。
func (s *ContentStore) HashOf(key string) (string, bool) {
	u, err := url.Parse(key)
	if err != nil || u.Scheme != s.scope.Scheme || u.Host != s.scope.Host {
		return "", false
	}
	if !strings.HasPrefix(u.Path, s.scope.Path) {
		return "", false
	}
	suffix := u.Path[len(s.scope.Path):]
	if !hashSegment.MatchString(suffix) {
		return "", false
	}
	return suffix, true
}

// DeleteHashesNotIn 删除不在 allowed 中的 hash 条目，返回删除数量。
// 非 hash 形态的 key（入口文档、旧版路径 key 等）不受影响。
func (s *ContentStore) DeleteHashesNotIn(ctx context.Context, allowed map[string]struct{}) (int, error) {
	keys, err := s.cache.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	deleted := 0
	var firstErr error
	for _, key := range keys {
		hash, ok := s.HashOf(key)
		if !ok {
			continue
		}
		if _, keep := allowed[hash]; keep {
			continue
		}
		removed, err := s.cache.Delete(ctx, key)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"action": "gc_delete",
				"key":    key,
			}).WithError(err).Warn("删除过期缓存失败")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if removed {
			deleted++
		}
	}
	return deleted, firstErr
}
