// Package update 从入口文档中识别构建时间戳变化，并触发更新与缓存清理。
package update

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/gc"
	"github.com/any-hub/asset-worker/internal/manifest"
	"github.com/any-hub/asset-worker/internal/metrics"
)

// Updater 接收"存在新版本"的通知，实现方需自行异步化。
// build 是入口文档中识别到的构建时间戳，manifest 自身不带时间戳时由它标识新激活。
type Updater interface {
	RequestUpdate(ctx context.Context, build string)
}

// UpdaterFunc 将函数适配为 Updater。
type UpdaterFunc func(ctx context.Context, build string)

// RequestUpdate makes UpdaterFunc satisfy Updater.
func (f UpdaterFunc) RequestUpdate(ctx context.Context, build string) {
	f(ctx, build)
}

// ManifestLoader 从 origin 拉取最新 manifest。
type ManifestLoader func(ctx context.Context) (*manifest.Document, error)

// Options 描述 Detector 的依赖。
type Options struct {
	Marker       string
	CurrentBuild string
	Updater      Updater
	Loader       ManifestLoader
	Collector    *gc.Collector
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
}

// Detector 比较入口文档中的构建时间戳与当前激活的构建。
type Detector struct {
	pattern   *regexp.Regexp
	current   string
	updater   Updater
	loader    ManifestLoader
	collector *gc.Collector
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	wg      sync.WaitGroup
	mu      sync.Mutex
	handled map[string]struct{}
}

// NewDetector 构造 Detector。
func NewDetector(opts Options) (*Detector, error) {
	if strings.TrimSpace(opts.Marker) == "" {
		return nil, errors.New("build marker required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Detector{
		pattern:   markerPattern(opts.Marker),
		current:   opts.CurrentBuild,
		updater:   opts.Updater,
		loader:    opts.Loader,
		collector: opts.Collector,
		logger:    logger,
		metrics:   opts.Metrics,
		handled:   make(map[string]struct{}),
	}, nil
}

func markerPattern(marker string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)<meta\s+name=["']` + regexp.QuoteMeta(marker) +
		`["']\s+content=["']([^"']+)["']\s*/?>(?:\s*</meta>)?`)
}

// Extract 返回文档中 marker 对应的构建时间戳。
func Extract(marker string, body []byte) (string, bool) {
	return extract(markerPattern(marker), body)
}

func extract(pattern *regexp.Regexp, body []byte) (string, bool) {
	match := pattern.FindSubmatch(body)
	if match == nil {
		return "", false
	}
	return string(match[1]), true
}

// Build 返回文档中的构建时间戳。
func (d *Detector) Build(body []byte) (string, bool) {
	return extract(d.pattern, body)
}

// Current 返回当前激活的构建时间戳。
func (d *Detector) Current() string {
	return d.current
}

// Inspect 检查入口文档；发现新构建时异步请求更新并清理缓存，立即返回，不阻塞响应。
// 返回文档中的构建时间戳（可能为空）以及是否发生变化。
func (d *Detector) Inspect(ctx context.Context, body []byte) (string, bool) {
	build, ok := d.Build(body)
	if !ok || build == d.current {
		return build, false
	}

	d.mu.Lock()
	_, seen := d.handled[build]
	d.handled[build] = struct{}{}
	d.mu.Unlock()
	if seen {
		return build, true
	}

	d.metrics.VersionChanged()
	d.logger.WithFields(logrus.Fields{
		"action":   "version_change",
		"current":  d.current,
		"detected": build,
	}).Info("检测到新构建")

	detached := context.WithoutCancel(ctx)
	if d.updater != nil {
		d.updater.RequestUpdate(detached, build)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.prune(detached, build)
	}()
	return build, true
}

// Wait 等待所有后台清理任务结束。
func (d *Detector) Wait() {
	d.wg.Wait()
}

func (d *Detector) prune(ctx context.Context, detected string) {
	if d.loader == nil || d.collector == nil {
		return
	}
	fields := logrus.Fields{"action": "version_prune", "detected": detected}
	doc, err := d.loader(ctx)
	if err != nil {
		d.logger.WithFields(fields).WithError(err).Warn("拉取新 manifest 失败，跳过清理")
		return
	}
	if doc.Index.Len() == 0 {
		d.logger.WithFields(fields).Warn("新 manifest 为空，跳过清理")
		return
	}
	validBuild := doc.BuildTimestamp
	if validBuild == "" {
		validBuild = detected
	}
	d.collector.Collect(ctx, doc.Index.HashSet(), validBuild)
}
