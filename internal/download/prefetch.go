package download

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/asset-worker/internal/logging"
	"github.com/any-hub/asset-worker/internal/manifest"
	"github.com/any-hub/asset-worker/internal/progress"
)

// Prefetch 按优先级分两批预取资产：CRITICAL 批次全部结束后标记 criticalCompleted，
// 再处理其余资产，最后广播 completed。单个资产失败只记录日志。
func (c *Coordinator) Prefetch(ctx context.Context) error {
	list := c.index.PrefetchList()
	assumed := make(map[string]int64, len(list))
	var critical, background []manifest.Entry
	for _, entry := range list {
		assumed[entry.Hash] = entry.Asset.AssumedSize()
		if entry.Asset.Critical() {
			critical = append(critical, entry)
		} else {
			background = append(background, entry)
		}
	}

	c.reporter.Apply(func(t *progress.Tracker) progress.Snapshot {
		return t.Plan(assumed)
	}, false)
	c.logger.WithFields(logrus.Fields{
		"action":     "prefetch",
		"critical":   len(critical),
		"background": len(background),
	}).Info("开始预取资产")

	if err := c.processList(ctx, critical); err != nil {
		return err
	}
	c.reporter.Apply((*progress.Tracker).MarkCriticalDone, false)

	if err := c.processList(ctx, background); err != nil {
		return err
	}
	c.reporter.Report(true)
	c.logger.WithField("action", "prefetch").Info("资产预取完成")
	return nil
}

// processList 并发处理一批资产，只有 ctx 取消会返回错误。
func (c *Coordinator) processList(ctx context.Context, entries []manifest.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c.prefetchOne(gctx, entry)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Coordinator) prefetchOne(ctx context.Context, entry manifest.Entry) {
	fields := logging.AssetFields("prefetch", entry.Hash, entry.Asset.Path)
	if c.store.HasHash(ctx, entry.Hash) {
		c.reporter.Apply(func(t *progress.Tracker) progress.Snapshot {
			return t.Credit(entry.Hash)
		}, false)
		return
	}
	resp, err := c.GetOrFetch(ctx, entry.Hash, entry.Asset)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("预取失败")
		return
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("预取正文读取失败")
		return
	}
	if !resp.OK() {
		c.logger.WithFields(fields).WithField("status", resp.Status).Warn("预取返回非成功状态")
	}
}
