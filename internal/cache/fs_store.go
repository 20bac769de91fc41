package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewStorage 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		caches:   make(map[string]*fileCache),
	}, nil
}

type fileStorage struct {
	basePath string

	mu     sync.Mutex
	caches map[string]*fileCache
}

func (s *fileStorage) Open(name string) (Cache, error) {
	if err := validateCacheName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	c := &fileCache{
		name:  name,
		dir:   dir,
		locks: make(map[string]*entryLock),
	}
	s.caches[name] = c
	return c, nil
}

func (s *fileStorage) Names() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(name string) (bool, error) {
	if err := validateCacheName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	delete(s.caches, name)
	s.mu.Unlock()

	dir := filepath.Join(s.basePath, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func validateCacheName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid cache name %q", name)
	}
	return nil
}

// fileCache 通过 entryLock 避免同一 key 并发写入。
type fileCache struct {
	name string
	dir  string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, key string) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	base := c.entryBase(key)
	entry, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		// blake3 碰撞或手工篡改的 sidecar，视为未命中。
		return nil, ErrNotFound
	}

	bodyPath := base + bodySuffix
	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	entry.FilePath = bodyPath
	entry.SizeBytes = info.Size()
	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	if key == "" {
		return nil, errors.New("cache key required")
	}
	unlock := c.lockEntry(key)
	defer unlock()

	base := c.entryBase(key)
	tempFile, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	entry := Entry{
		Key:       key,
		Status:    status,
		Header:    opts.Header.Clone(),
		SizeBytes: written,
		Tag:       opts.Tag,
		StoredAt:  time.Now().UTC(),
	}

	// 先替换正文再替换 sidecar：Match 以 sidecar 为准，旧 sidecar 与新正文同时存在的窗口内
	// 读者拿到的是完整的新正文。
	if err := os.Rename(tempName, base+bodySuffix); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	if err := writeMeta(c.dir, base+metaSuffix, entry); err != nil {
		return nil, err
	}

	entry.FilePath = base + bodySuffix
	return &entry, nil
}

func (c *fileCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := c.lockEntry(key)
	defer unlock()

	base := c.entryBase(key)
	metaErr := os.Remove(base + metaSuffix)
	bodyErr := os.Remove(base + bodySuffix)
	if metaErr != nil && !errors.Is(metaErr, fs.ErrNotExist) {
		return false, metaErr
	}
	if bodyErr != nil && !errors.Is(bodyErr, fs.ErrNotExist) {
		return false, bodyErr
	}
	return metaErr == nil, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries)/2)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *fileCache) lockEntry(key string) func() {
	c.mu.Lock()
	lock := c.locks[key]
	if lock == nil {
		lock = &entryLock{}
		c.locks[key] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

func (c *fileCache) entryBase(key string) string {
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}

func readMeta(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode cache meta %s: %w", filepath.Base(path), err)
	}
	return entry, nil
}

func writeMeta(dir, path string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, ".meta-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
