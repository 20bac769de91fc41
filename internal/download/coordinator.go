package download

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	sha256 "github.com/minio/sha256-simd"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/cache"
	"github.com/any-hub/asset-worker/internal/logging"
	"github.com/any-hub/asset-worker/internal/manifest"
	"github.com/any-hub/asset-worker/internal/metrics"
	"github.com/any-hub/asset-worker/internal/progress"
	"github.com/any-hub/asset-worker/internal/upstream"
)

const chunkSize = 32 * 1024

// ErrHashMismatch 表示下载内容与 manifest 声明的 sha256 不一致。
var ErrHashMismatch = errors.New("content hash mismatch")

var sha256Hex = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// Options 描述 Coordinator 的依赖。
type Options struct {
	Fetcher  *upstream.Fetcher
	Store    *cache.ContentStore
	Index    manifest.Index
	Reporter *progress.Reporter
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	// Grace 是下载结束后 flight 继续保留、供晚到请求复用的时长。
	Grace       time.Duration
	Concurrency int
	Verify      bool
}

// Coordinator 持有 in-flight 下载表。
type Coordinator struct {
	fetcher     *upstream.Fetcher
	store       *cache.ContentStore
	index       manifest.Index
	reporter    *progress.Reporter
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	grace       time.Duration
	concurrency int
	verify      bool

	// base 与请求方的 ctx 解耦：观察者断开不会取消共享下载。
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	flights map[string]*flight
	timers  map[*flight]*time.Timer
}

type flight struct {
	hash  string
	asset manifest.Asset

	ready  chan struct{}
	status int
	header http.Header
	length int64
	err    error
	buf    *buffer
}

// New 构造 Coordinator。
func New(opts Options) (*Coordinator, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.Store == nil {
		return nil, errors.New("content store required")
	}
	if opts.Reporter == nil {
		return nil, errors.New("progress reporter required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 6
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		fetcher:     opts.Fetcher,
		store:       opts.Store,
		index:       opts.Index,
		reporter:    opts.Reporter,
		logger:      logger,
		metrics:     opts.Metrics,
		grace:       opts.Grace,
		concurrency: concurrency,
		verify:      opts.Verify,
		base:        base,
		cancel:      cancel,
		flights:     make(map[string]*flight),
		timers:      make(map[*flight]*time.Timer),
	}, nil
}

// GetOrFetch 返回资产响应；同一路径已有下载时复用，否则发起新的下载。
// ctx 只约束等待响应头的过程，取消后下载仍在后台继续。
func (c *Coordinator) GetOrFetch(ctx context.Context, hash string, asset manifest.Asset) (*cache.Response, error) {
	f, joined := c.flightFor(hash, asset)
	if joined {
		c.metrics.DownloadJoined()
	}

	select {
	case <-f.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &cache.Response{
		Status:        f.status,
		Header:        f.header.Clone(),
		Body:          f.buf.NewReader(),
		ContentLength: f.length,
	}, nil
}

// InFlight 返回仍在 flight 表中的路径数量。
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

// Close 取消所有进行中的下载并等待其退出。
func (c *Coordinator) Close() {
	c.cancel()
	c.mu.Lock()
	for f, timer := range c.timers {
		timer.Stop()
		delete(c.timers, f)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Wait 等待所有已发起的下载结束。
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) flightFor(hash string, asset manifest.Asset) (*flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[asset.Path]; ok {
		return f, true
	}
	f := &flight{
		hash:  hash,
		asset: asset,
		ready: make(chan struct{}),
		buf:   newBuffer(),
	}
	c.flights[asset.Path] = f
	c.wg.Add(1)
	c.metrics.DownloadStarted()
	go c.run(f)
	return f, false
}

func (c *Coordinator) run(f *flight) {
	defer c.wg.Done()
	defer c.settle(f)

	fields := logging.AssetFields("download", f.hash, f.asset.Path)
	header := http.Header{}
	header.Set("Cache-Control", "no-cache")
	header.Set("Accept-Encoding", "gzip")

	// manifest 路径相对作用域，下载地址与 ScopedKey 一致。
	resp, err := c.fetcher.Get(c.base, c.store.ScopedKey(f.asset.Path), header)
	if err != nil {
		c.fail(f, fmt.Errorf("fetch %s: %w", f.asset.Path, err))
		c.logger.WithFields(fields).WithError(err).Warn("资产下载失败")
		return
	}
	defer resp.Body.Close()

	f.status = resp.StatusCode
	f.header = upstream.StripHopByHop(resp.Header)
	f.length = resp.ContentLength

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 非 2xx 原样交给请求方，不计入进度也不持久化。
		close(f.ready)
		_, err := io.Copy(f.buf, resp.Body)
		f.buf.CloseWithError(err)
		c.metrics.DownloadFailed()
		c.logger.WithFields(fields).WithField("status", resp.StatusCode).Warn("资产下载返回非成功状态")
		return
	}

	actual := actualSize(resp, f.asset)
	c.reporter.Apply(func(t *progress.Tracker) progress.Snapshot {
		return t.Resize(f.hash, actual)
	}, false)
	close(f.ready)

	chunk := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			f.buf.Write(chunk[:n])
			c.metrics.BytesDownloaded(n)
			c.reporter.Apply(func(t *progress.Tracker) progress.Snapshot {
				return t.Add(int64(n))
			}, false)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			c.metrics.DownloadFailed()
			c.logger.WithFields(fields).WithError(readErr).Warn("资产下载中断")
			f.buf.CloseWithError(readErr)
			return
		}
	}

	c.persist(f)
	c.reporter.Apply(func(t *progress.Tracker) progress.Snapshot {
		return t.Settle(f.hash)
	}, false)
	f.buf.CloseWithError(nil)
}

// persist 在关闭缓冲前写入缓存，保证读完正文的请求方随后能从缓存命中；
// 进度结算同样先于关闭，读者看到 EOF 时 downloaded 已包含该资产的全部差额。
func (c *Coordinator) persist(f *flight) {
	fields := logging.AssetFields("download_persist", f.hash, f.asset.Path)
	body := f.buf.Bytes()
	if c.verify {
		if err := verifyContent(f.hash, f.header, body); err != nil {
			c.metrics.DownloadRejected()
			c.logger.WithFields(fields).WithError(err).Warn("资产内容校验失败，跳过缓存")
			return
		}
	}
	header := f.header.Clone()
	header.Set("Content-Length", strconv.Itoa(len(body)))
	if _, err := c.store.PutByHash(c.base, f.hash, bytes.NewReader(body), cache.PutOptions{
		Status: f.status,
		Header: header,
	}); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("资产写入缓存失败")
		return
	}
	c.logger.WithFields(fields).WithField("bytes", len(body)).Debug("资产已缓存")
}

func (c *Coordinator) fail(f *flight, err error) {
	f.err = err
	close(f.ready)
	f.buf.CloseWithError(err)
	c.metrics.DownloadFailed()
}

// settle 在 grace 后将 flight 移出表；grace 为 0 时立即移除。
func (c *Coordinator) settle(f *flight) {
	evict := func() {
		c.mu.Lock()
		if current, ok := c.flights[f.asset.Path]; ok && current == f {
			delete(c.flights, f.asset.Path)
		}
		delete(c.timers, f)
		c.mu.Unlock()
	}
	if c.grace <= 0 || c.base.Err() != nil {
		evict()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[f] = time.AfterFunc(c.grace, evict)
}

// actualSize 推断线上传输字节数：Content-Length，其次 gzip 编码时的 gzipSize，最后原始 size。
func actualSize(resp *http.Response, asset manifest.Asset) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "gzip") && asset.GzipSize > 0 {
		return asset.GzipSize
	}
	return asset.Size
}

// verifyContent 对 64 位十六进制 hash 做 sha256 校验，其他形式的 hash 不校验。
func verifyContent(hash string, header http.Header, body []byte) error {
	if !sha256Hex.MatchString(hash) {
		return nil
	}
	content := body
	if strings.Contains(strings.ToLower(header.Get("Content-Encoding")), "gzip") {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("decode gzip body: %w", err)
		}
		defer zr.Close()
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return fmt.Errorf("decode gzip body: %w", err)
		}
		content = decoded
	}
	sum := sha256.Sum256(content)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), hash) {
		return fmt.Errorf("%w: want %s", ErrHashMismatch, hash)
	}
	return nil
}
