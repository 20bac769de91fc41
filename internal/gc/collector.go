// Package gc 清理不再属于当前 manifest 的缓存条目。
package gc

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/cache"
	"github.com/any-hub/asset-worker/internal/metrics"
)

// Result 汇总一次清理删除的数量。
type Result struct {
	Hashes         int `json:"hashes"`
	EntryDocuments int `json:"entry_documents"`
	Caches         int `json:"caches"`
}

// Collector 的所有失败都只记录日志，不会中断激活或更新流程。
type Collector struct {
	storage cache.Storage
	store   *cache.ContentStore
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewCollector 构造 Collector，storage 仅在 Activate 时使用，可为 nil。
func NewCollector(storage cache.Storage, store *cache.ContentStore, logger *logrus.Logger, m *metrics.Metrics) *Collector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Collector{storage: storage, store: store, logger: logger, metrics: m}
}

// Collect 删除不在 valid 中的 hash 条目；validBuild 非空时，
// 同时删除构建时间戳与之不同的入口文档条目。重复执行不会再删除任何内容。
func (c *Collector) Collect(ctx context.Context, valid map[string]struct{}, validBuild string) Result {
	var res Result
	fields := logrus.Fields{"action": "gc", "valid_hashes": len(valid), "build": validBuild}

	deleted, err := c.store.DeleteHashesNotIn(ctx, valid)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("清理过期 hash 条目失败")
	}
	res.Hashes = deleted
	c.metrics.GCDeleted("hash", deleted)

	if validBuild != "" {
		res.EntryDocuments = c.collectEntryDocuments(ctx, validBuild)
		c.metrics.GCDeleted("entry_document", res.EntryDocuments)
	}

	if res.Hashes > 0 || res.EntryDocuments > 0 {
		c.logger.WithFields(fields).WithFields(logrus.Fields{
			"deleted_hashes":    res.Hashes,
			"deleted_documents": res.EntryDocuments,
		}).Info("缓存清理完成")
	}
	return res
}

// Activate 在 Collect 之外删除除当前缓存以外的所有具名缓存。
func (c *Collector) Activate(ctx context.Context, valid map[string]struct{}, validBuild string) Result {
	var removed int
	if c.storage != nil {
		removed = c.deleteOtherCaches()
	}
	res := c.Collect(ctx, valid, validBuild)
	res.Caches = removed
	return res
}

func (c *Collector) deleteOtherCaches() int {
	own := c.store.Cache().Name()
	names, err := c.storage.Names()
	if err != nil {
		c.logger.WithField("action", "gc_caches").WithError(err).Warn("枚举缓存失败")
		return 0
	}
	removed := 0
	for _, name := range names {
		if name == own {
			continue
		}
		ok, err := c.storage.Delete(name)
		if err != nil {
			c.logger.WithFields(logrus.Fields{"action": "gc_caches", "cache": name}).WithError(err).Warn("删除旧缓存失败")
			continue
		}
		if ok {
			removed++
			c.logger.WithFields(logrus.Fields{"action": "gc_caches", "cache": name}).Info("已删除旧缓存")
		}
	}
	c.metrics.GCDeleted("cache", removed)
	return removed
}

func (c *Collector) collectEntryDocuments(ctx context.Context, validBuild string) int {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		c.logger.WithField("action", "gc_documents").WithError(err).Warn("枚举缓存条目失败")
		return 0
	}
	removed := 0
	for _, key := range keys {
		if _, isHash := c.store.HashOf(key); isHash {
			continue
		}
		entry, err := c.store.Stat(ctx, key)
		if err != nil {
			continue
		}
		build, ok := cache.BuildOf(entry.Tag)
		if !ok || build == validBuild {
			continue
		}
		deleted, err := c.store.Delete(ctx, key)
		if err != nil {
			c.logger.WithFields(logrus.Fields{"action": "gc_documents", "key": key}).WithError(err).Warn("删除过期入口文档失败")
			continue
		}
		if deleted {
			removed++
		}
	}
	return removed
}
