package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/cache"
	"github.com/any-hub/asset-worker/internal/config"
	"github.com/any-hub/asset-worker/internal/download"
	"github.com/any-hub/asset-worker/internal/gc"
	"github.com/any-hub/asset-worker/internal/manifest"
	"github.com/any-hub/asset-worker/internal/metrics"
	"github.com/any-hub/asset-worker/internal/progress"
	"github.com/any-hub/asset-worker/internal/proxy"
	"github.com/any-hub/asset-worker/internal/server"
	"github.com/any-hub/asset-worker/internal/update"
	"github.com/any-hub/asset-worker/internal/upstream"
)

// Options 描述构建一个 Worker 所需的依赖。
type Options struct {
	Config   config.WorkerConfig
	Build    string
	Document *manifest.Document
	Storage  cache.Storage
	Store    *cache.ContentStore
	Fetcher  *upstream.Fetcher
	Hub      *progress.Hub
	Updater  update.Updater
	Loader   update.ManifestLoader
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

// Worker 是一次激活：构建时间戳与 manifest 在其生命周期内不变。
type Worker struct {
	cfg       config.WorkerConfig
	build     string
	index     manifest.Index
	store     *cache.ContentStore
	fetcher   *upstream.Fetcher
	reporter  *progress.Reporter
	coord     *download.Coordinator
	detector  *update.Detector
	collector *gc.Collector
	router    *proxy.Router
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	createdAt time.Time

	base       context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	prefetched atomic.Bool
}

// New 组装 Worker，不发起任何网络请求。
func New(opts Options) (*Worker, error) {
	if opts.Store == nil || opts.Fetcher == nil || opts.Hub == nil {
		return nil, errors.New("store, fetcher and hub are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var index manifest.Index
	if opts.Document != nil {
		index = opts.Document.Index
	}

	w := &Worker{
		cfg:       opts.Config,
		build:     opts.Build,
		index:     index,
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		logger:    logger,
		metrics:   opts.Metrics,
		createdAt: time.Now(),
	}
	w.base, w.cancel = context.WithCancel(context.Background())
	w.collector = gc.NewCollector(opts.Storage, opts.Store, logger, opts.Metrics)
	w.reporter = progress.NewReporter(progress.NewTracker(), opts.Hub, w.criticalCached, logger)

	coord, err := download.New(download.Options{
		Fetcher:     opts.Fetcher,
		Store:       opts.Store,
		Index:       index,
		Reporter:    w.reporter,
		Logger:      logger,
		Metrics:     opts.Metrics,
		Grace:       opts.Config.DownloadGrace.DurationValue(),
		Concurrency: opts.Config.PrefetchConcurrency,
		Verify:      opts.Config.VerifyContentHash,
	})
	if err != nil {
		return nil, err
	}
	w.coord = coord

	w.detector, err = update.NewDetector(update.Options{
		Marker:       opts.Config.BuildMarker,
		CurrentBuild: opts.Build,
		Updater:      opts.Updater,
		Loader:       opts.Loader,
		Collector:    w.collector,
		Logger:       logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		coord.Close()
		return nil, err
	}

	w.router, err = proxy.NewRouter(proxy.RouterOptions{
		Index:           index,
		Store:           opts.Store,
		Coordinator:     coord,
		Detector:        w.detector,
		Fetcher:         opts.Fetcher,
		BootstrapSuffix: opts.Config.BootstrapSuffix,
		RetryDelay:      opts.Config.RetryDelay.DurationValue(),
		Logger:          logger,
	})
	if err != nil {
		coord.Close()
		return nil, err
	}
	return w, nil
}

// Build 返回该激活的构建时间戳。
func (w *Worker) Build() string {
	return w.build
}

// Index 返回该激活使用的 manifest 索引。
func (w *Worker) Index() manifest.Index {
	return w.index
}

// Install 先同步缓存 InstallPrecache 中的少量关键文件，再在后台启动预取。
// 关键文件失败只记录日志，离线可用优先于安装完整性。
func (w *Worker) Install(ctx context.Context) {
	for _, name := range w.cfg.InstallPrecache {
		w.precache(ctx, name)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.coord.Prefetch(w.base); err != nil {
			w.logger.WithFields(logrus.Fields{"action": "install", "build": w.build}).
				WithError(err).Warn("后台预取中止")
			return
		}
		w.prefetched.Store(true)
	}()
}

func (w *Worker) precache(ctx context.Context, name string) {
	path := "/" + strings.TrimPrefix(strings.TrimSpace(name), "/")
	key := w.store.ScopedKey(path)
	fields := logrus.Fields{"action": "install_precache", "key": key}

	header := http.Header{}
	header.Set("Cache-Control", "no-cache")
	resp, err := w.fetcher.Get(ctx, key, header)
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("安装预缓存失败")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.logger.WithFields(fields).WithField("status", resp.StatusCode).Warn("安装预缓存返回非成功状态")
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("安装预缓存读取失败")
		return
	}

	opts := cache.PutOptions{Status: resp.StatusCode, Header: upstream.StripHopByHop(resp.Header)}
	if build, ok := w.detector.Build(body); ok {
		opts.Tag = cache.BuildTag(build)
	}
	if _, err := w.store.PutExact(ctx, key, bytes.NewReader(body), opts); err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("安装预缓存写入失败")
	}
}

// Activate 清理其他具名缓存、过期 hash 条目与旧构建的入口文档。
// manifest 为空时跳过清理，避免误删全部缓存。
func (w *Worker) Activate(ctx context.Context) gc.Result {
	w.metrics.Activated()
	if w.index.Len() == 0 {
		w.logger.WithFields(logrus.Fields{"action": "activate", "build": w.build}).
			Warn("manifest 为空，跳过缓存清理")
		return gc.Result{}
	}
	res := w.collector.Activate(ctx, w.index.HashSet(), w.build)
	w.logger.WithFields(logrus.Fields{
		"action":    "activate",
		"build":     w.build,
		"hashes":    res.Hashes,
		"documents": res.EntryDocuments,
		"caches":    res.Caches,
	}).Info("worker 已激活")
	return res
}

// Fetch 处理作用域内的 GET 请求。
func (w *Worker) Fetch(c fiber.Ctx, route *server.Route) error {
	return w.router.Handle(c, route)
}

// Message 处理客户端消息。
func (w *Worker) Message(ctx context.Context, msg progress.ClientMessage) *progress.StatusMessage {
	return w.reporter.HandleMessage(ctx, msg)
}

// Progress 返回当前进度消息（不广播）。
func (w *Worker) Progress() progress.ProgressMessage {
	snap := w.reporter.Tracker().Snapshot()
	return progress.ProgressMessage{
		Type:              progress.TypeLoadingProgress,
		Current:           snap.Downloaded,
		Total:             snap.Total,
		Completed:         w.prefetched.Load(),
		CriticalCompleted: snap.CriticalCompleted,
	}
}

// Wait 等待后台预取与版本检测任务结束。
func (w *Worker) Wait() {
	w.wg.Wait()
	w.detector.Wait()
}

// Retire 用于被替换的激活：停止发起新的预取，等待已开始的下载写完缓存后释放资源。
func (w *Worker) Retire() {
	w.cancel()
	w.wg.Wait()
	w.coord.Wait()
	w.coord.Close()
	w.detector.Wait()
}

// Close 取消后台预取与进行中的下载。
func (w *Worker) Close() {
	w.cancel()
	w.coord.Close()
	w.Wait()
}

func (w *Worker) criticalCached(ctx context.Context) bool {
	for _, entry := range w.index.CriticalList() {
		if !w.store.HasHash(ctx, entry.Hash) {
			return false
		}
	}
	return true
}
