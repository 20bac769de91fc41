// Package metrics 汇总 asset-worker 的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 持有独立 registry，避免测试间共享全局状态。
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	downloads       *prometheus.CounterVec
	downloadedBytes prometheus.Counter
	gcDeleted       *prometheus.CounterVec
	versionChanges  prometheus.Counter
	activations     prometheus.Counter
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_worker_requests_total",
			Help: "Requests served, partitioned by response source and status code",
		}, []string{"source", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "asset_worker_request_duration_seconds",
			Help: "Request latencies in seconds",
		}, []string{"method"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_worker_downloads_total",
			Help: "Coordinated downloads, partitioned by outcome (started, joined, failed, rejected)",
		}, []string{"outcome"}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asset_worker_downloaded_bytes_total",
			Help: "Bytes received from the origin by coordinated downloads",
		}),
		gcDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_worker_gc_deleted_total",
			Help: "Cache entries removed by garbage collection, partitioned by kind",
		}, []string{"kind"}),
		versionChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asset_worker_version_changes_total",
			Help: "Build timestamp changes observed in entry documents",
		}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asset_worker_activations_total",
			Help: "Worker activations installed",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.downloads,
		m.downloadedBytes,
		m.gcDeleted,
		m.versionChanges,
		m.activations,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry 返回底层 registry。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /-/metrics 使用的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware 记录请求耗时与响应来源；nil Metrics 时为直通。
func (m *Metrics) Middleware(sourceHeader string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if m == nil {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()

		source := string(c.Response().Header.Peek(sourceHeader))
		if source == "" {
			source = "none"
		}
		m.requests.WithLabelValues(source, strconv.Itoa(c.Response().StatusCode())).Inc()
		m.requestDuration.WithLabelValues(c.Method()).Observe(time.Since(start).Seconds())
		return err
	}
}

// 以下方法均允许 nil 接收者，便于未启用指标时直接调用。

func (m *Metrics) DownloadStarted() {
	if m != nil {
		m.downloads.WithLabelValues("started").Inc()
	}
}

func (m *Metrics) DownloadJoined() {
	if m != nil {
		m.downloads.WithLabelValues("joined").Inc()
	}
}

func (m *Metrics) DownloadFailed() {
	if m != nil {
		m.downloads.WithLabelValues("failed").Inc()
	}
}

// DownloadRejected 记录 hash 校验失败而未持久化的下载。
func (m *Metrics) DownloadRejected() {
	if m != nil {
		m.downloads.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) BytesDownloaded(n int) {
	if m != nil && n > 0 {
		m.downloadedBytes.Add(float64(n))
	}
}

func (m *Metrics) GCDeleted(kind string, n int) {
	if m != nil && n > 0 {
		m.gcDeleted.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) VersionChanged() {
	if m != nil {
		m.versionChanges.Inc()
	}
}

func (m *Metrics) Activated() {
	if m != nil {
		m.activations.Inc()
	}
}
