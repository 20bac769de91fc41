package worker

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/asset-worker/internal/cache"
	"github.com/any-hub/asset-worker/internal/config"
	"github.com/any-hub/asset-worker/internal/manifest"
	"github.com/any-hub/asset-worker/internal/metrics"
	"github.com/any-hub/asset-worker/internal/progress"
	"github.com/any-hub/asset-worker/internal/server"
	"github.com/any-hub/asset-worker/internal/upstream"
)

// RuntimeOptions 描述进程级依赖。
type RuntimeOptions struct {
	Config  *config.Config
	Route   *server.Route
	Storage cache.Storage
	Fetcher *upstream.Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

// Runtime 持有当前激活；新构建安装并激活后原子替换，旧激活在后台关闭。
type Runtime struct {
	cfg     config.WorkerConfig
	storage cache.Storage
	store   *cache.ContentStore
	fetcher *upstream.Fetcher
	hub     *progress.Hub
	logger  *logrus.Logger
	metrics *metrics.Metrics

	current atomic.Pointer[Worker]
	updates singleflight.Group
	wg      sync.WaitGroup
}

// NewRuntime 打开配置的具名缓存并构造 Runtime，尚未安装任何激活。
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Config == nil || opts.Route == nil || opts.Storage == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("config, route, storage and fetcher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	named, err := opts.Storage.Open(opts.Config.Worker.CacheName)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", opts.Config.Worker.CacheName, err)
	}
	store, err := cache.NewContentStore(named, opts.Route.ScopeURL, logger)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:     opts.Config.Worker,
		storage: opts.Storage,
		store:   store,
		fetcher: opts.Fetcher,
		hub:     progress.NewHub(),
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Start 加载初始 manifest，安装并激活第一个 Worker。manifest 不可用时以空索引启动。
func (r *Runtime) Start(ctx context.Context) error {
	doc, err := r.initialManifest(ctx)
	if err != nil {
		r.logger.WithField("action", "runtime_start").WithError(err).Warn("manifest 不可用，以空索引启动")
		doc = &manifest.Document{}
	}
	build := r.cfg.BuildTimestamp
	if build == "" {
		build = doc.BuildTimestamp
	}
	w, err := r.newWorker(doc, build)
	if err != nil {
		return err
	}
	w.Install(ctx)
	w.Activate(ctx)
	r.current.Store(w)
	r.logger.WithFields(logrus.Fields{
		"action": "runtime_start",
		"build":  build,
		"assets": doc.Index.Len(),
	}).Info("worker 已就绪")
	return nil
}

// Current 返回当前激活，Start 之前为 nil。
func (r *Runtime) Current() *Worker {
	return r.current.Load()
}

// Store 返回共享的内容缓存。
func (r *Runtime) Store() *cache.ContentStore {
	return r.store
}

// Hub 返回进程级广播中心，新旧激活共用，已连接客户端不会丢失。
func (r *Runtime) Hub() *progress.Hub {
	return r.hub
}

// Handle 实现 server.ProxyHandler，将请求交给当前激活。
func (r *Runtime) Handle(c fiber.Ctx, route *server.Route) error {
	w := r.current.Load()
	if w == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_not_ready"})
	}
	return w.Fetch(c, route)
}

// Message 将客户端消息交给当前激活。
func (r *Runtime) Message(ctx context.Context, msg progress.ClientMessage) *progress.StatusMessage {
	w := r.current.Load()
	if w == nil {
		return nil
	}
	return w.Message(ctx, msg)
}

// RequestUpdate 实现 update.Updater：在后台检查新构建，不阻塞调用方。
func (r *Runtime) RequestUpdate(ctx context.Context, build string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.Update(ctx, build); err != nil {
			r.logger.WithField("action", "runtime_update").WithError(err).Warn("检查新构建失败")
		}
	}()
}

// Update 从 origin 拉取 manifest；构建时间戳或资产索引与当前激活不同时安装、激活并替换。
// detected 是入口文档中识别到的构建时间戳，manifest 未携带时间戳时用它标识新激活，可为空。
// 并发调用合并为一次检查。返回是否发生了替换。
func (r *Runtime) Update(ctx context.Context, detected string) (bool, error) {
	swapped, err, _ := r.updates.Do("update", func() (interface{}, error) {
		return r.update(ctx, detected)
	})
	if err != nil {
		return false, err
	}
	return swapped.(bool), nil
}

func (r *Runtime) update(ctx context.Context, detected string) (bool, error) {
	doc, err := r.remoteManifest(ctx)
	if err != nil {
		return false, err
	}
	build := doc.BuildTimestamp
	if build == "" {
		build = detected
	}
	current := r.current.Load()
	if current != nil {
		if build == "" {
			build = current.Build()
		}
		if build == current.Build() && sameIndex(current.Index(), doc.Index) {
			return false, nil
		}
	}
	if doc.Index.Len() == 0 {
		// 空 manifest 多半是 origin 故障，保留当前激活。
		r.logger.WithFields(logrus.Fields{"action": "runtime_update", "build": build}).
			Warn("新 manifest 为空，跳过激活")
		return false, nil
	}
	next, err := r.newWorker(doc, build)
	if err != nil {
		return false, err
	}
	next.Install(ctx)
	next.Activate(ctx)

	previous := r.current.Swap(next)
	r.logger.WithFields(logrus.Fields{
		"action": "runtime_update",
		"build":  build,
		"assets": doc.Index.Len(),
	}).Info("新构建已激活")
	if previous != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			previous.Retire()
		}()
	}
	return true, nil
}

// Wait 等待后台更新与当前激活的后台任务结束，主要供测试使用。
func (r *Runtime) Wait() {
	r.wg.Wait()
	if w := r.current.Load(); w != nil {
		w.Wait()
	}
}

// Close 关闭当前激活并结束所有事件流订阅。
func (r *Runtime) Close() {
	r.wg.Wait()
	if w := r.current.Load(); w != nil {
		w.Close()
	}
	r.hub.Close()
}

func (r *Runtime) newWorker(doc *manifest.Document, build string) (*Worker, error) {
	return New(Options{
		Config:   r.cfg,
		Build:    build,
		Document: doc,
		Storage:  r.storage,
		Store:    r.store,
		Fetcher:  r.fetcher,
		Hub:      r.hub,
		Updater:  r,
		Loader:   r.remoteManifest,
		Logger:   r.logger,
		Metrics:  r.metrics,
	})
}

// sameIndex 判断两份索引是否描述同一组资产。
func sameIndex(a, b manifest.Index) bool {
	return maps.Equal(a.Paths, b.Paths) && maps.Equal(a.Hashes, b.Hashes)
}

// initialManifest 优先读取本地 ManifestFile，否则从 origin 拉取。
func (r *Runtime) initialManifest(ctx context.Context) (*manifest.Document, error) {
	if r.cfg.ManifestFile == "" {
		return r.remoteManifest(ctx)
	}
	data, err := os.ReadFile(r.cfg.ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("read manifest file: %w", err)
	}
	doc, err := manifest.Parse(data, r.cfg.DefaultPreCache)
	if err != nil {
		// 解析失败时 Parse 仍返回空文档，记录后继续。
		r.logger.WithFields(logrus.Fields{"action": "manifest_load", "file": r.cfg.ManifestFile}).
			WithError(err).Warn("manifest 解析失败")
	}
	return doc, nil
}

func (r *Runtime) remoteManifest(ctx context.Context) (*manifest.Document, error) {
	header := http.Header{}
	header.Set("Cache-Control", "no-cache")
	data, err := r.fetcher.ReadAll(ctx, r.cfg.ManifestPath, header)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", r.cfg.ManifestPath, err)
	}
	doc, err := manifest.Parse(data, r.cfg.DefaultPreCache)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Status 是 /-/status 返回的运行时快照。
type Status struct {
	Build       string                   `json:"build"`
	Scope       string                   `json:"scope"`
	Assets      int                      `json:"assets"`
	Subscribers int                      `json:"subscribers"`
	ActivatedAt time.Time                `json:"activatedAt"`
	Progress    progress.ProgressMessage `json:"progress"`
}

// Status 汇总当前激活的状态。
func (r *Runtime) Status() Status {
	status := Status{
		Scope:       r.store.Scope(),
		Subscribers: r.hub.Count(),
		Progress:    progress.ProgressMessage{Type: progress.TypeLoadingProgress},
	}
	if w := r.current.Load(); w != nil {
		status.Build = w.Build()
		status.Assets = w.Index().Len()
		status.ActivatedAt = w.createdAt
		status.Progress = w.Progress()
	}
	return status
}
