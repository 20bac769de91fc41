package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/cache"
	"github.com/any-hub/asset-worker/internal/download"
	"github.com/any-hub/asset-worker/internal/logging"
	"github.com/any-hub/asset-worker/internal/manifest"
	"github.com/any-hub/asset-worker/internal/server"
	"github.com/any-hub/asset-worker/internal/update"
	"github.com/any-hub/asset-worker/internal/upstream"
)

const (
	classEntry     = "entry"
	classBootstrap = "bootstrap"
	classAsset     = "asset"
	classOther     = "other"
)

// RouterOptions 描述一次激活内 Router 的依赖。
type RouterOptions struct {
	Index           manifest.Index
	Store           *cache.ContentStore
	Coordinator     *download.Coordinator
	Detector        *update.Detector
	Fetcher         *upstream.Fetcher
	BootstrapSuffix string
	RetryDelay      time.Duration
	Logger          *logrus.Logger
}

// Router 按固定顺序解析作用域内的 GET 请求：
// 入口文档 network-first → 已知资产走缓存/下载协调器 → 旧版缓存与导航回退 → 带一次重试的网络请求。
type Router struct {
	index       manifest.Index
	store       *cache.ContentStore
	coordinator *download.Coordinator
	detector    *update.Detector
	fetcher     *upstream.Fetcher
	suffix      string
	retryDelay  time.Duration
	logger      *logrus.Logger
}

// NewRouter 构造 Router，Detector 可为 nil（不做版本检测）。
func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("content store required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("download coordinator required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{
		index:       opts.Index,
		store:       opts.Store,
		coordinator: opts.Coordinator,
		detector:    opts.Detector,
		fetcher:     opts.Fetcher,
		suffix:      opts.BootstrapSuffix,
		retryDelay:  opts.RetryDelay,
		logger:      logger,
	}, nil
}

// request 是一次请求在解析过程中需要的全部信息。
type request struct {
	id          string
	path        string
	mpath       string
	uri         string
	key         string
	class       string
	header      http.Header
	navigate    bool
	acceptsGzip bool
}

// Handle 实现 server.ProxyHandler。
func (r *Router) Handle(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	ctx := requestContext(c)
	req := r.describe(c, route)

	res := r.resolve(ctx, req)
	if res.outcome != outcomeHit {
		r.logResult(req, res, started)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	r.logResult(req, res, started)
	return writeResponse(c, res, req.acceptsGzip, r.logger)
}

func (r *Router) describe(c fiber.Ctx, route *server.Route) *request {
	path := requestPath(c)
	uri := string(c.Request().URI().RequestURI())
	if uri == "" {
		uri = path
	}
	header := buildForwardHeader(c, route)
	req := &request{
		id:          server.RequestID(c),
		path:        path,
		mpath:       route.ManifestPath(path),
		uri:         uri,
		key:         r.fetcher.Resolve(uri),
		header:      header,
		navigate:    isNavigation(header),
		acceptsGzip: strings.Contains(strings.ToLower(header.Get("Accept-Encoding")), "gzip"),
	}
	switch {
	case isEntryDocument(req.mpath):
		req.class = classEntry
	case r.suffix != "" && strings.HasSuffix(req.mpath, r.suffix):
		req.class = classBootstrap
	default:
		if _, _, ok := r.index.Lookup(req.mpath); ok {
			req.class = classAsset
		} else {
			req.class = classOther
		}
	}
	return req
}

func (r *Router) resolve(ctx context.Context, req *request) result {
	switch req.class {
	case classEntry, classBootstrap:
		if res := r.networkFirst(ctx, req); res.outcome == outcomeHit {
			return res
		}
	case classAsset:
		hash, asset, _ := r.index.Lookup(req.mpath)
		return r.knownAsset(ctx, req, hash, asset)
	default:
		if res := r.legacyMatch(ctx, req); res.outcome == outcomeHit {
			return res
		}
	}
	if req.navigate {
		if res := r.navigationFallback(ctx); res.outcome == outcomeHit {
			return res
		}
	}
	return r.network(ctx, req)
}

// networkFirst 处理入口文档与 bootstrap 脚本：优先网络，成功时检测版本并写入缓存，失败时回退缓存。
func (r *Router) networkFirst(ctx context.Context, req *request) result {
	header := req.header.Clone()
	header.Set("Cache-Control", "no-cache")
	header.Del("Accept-Encoding")

	resp, err := r.fetcher.Get(ctx, req.uri, header)
	if err == nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr == nil {
			stored := upstream.StripHopByHop(resp.Header)
			r.persistDocument(ctx, req, resp.StatusCode, stored, body)
			return hit(&cache.Response{
				Status:        resp.StatusCode,
				Header:        stored,
				Body:          io.NopCloser(bytes.NewReader(body)),
				ContentLength: int64(len(body)),
			}, SourceNetwork)
		}
		err = readErr
	} else if err == nil {
		resp.Body.Close()
		err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	r.logger.WithFields(r.fields(req)).WithError(err).Warn("入口文档网络请求失败，尝试缓存")

	candidates := []func() result{
		func() result { return r.matchExact(ctx, req.key) },
		func() result { return r.matchHashOfPath(ctx, req.mpath) },
		func() result { return r.matchPath(ctx, req.mpath) },
	}
	if req.class == classEntry {
		candidates = append(candidates, func() result { return r.matchPath(ctx, "/index.html") })
	}
	for _, candidate := range candidates {
		if res := candidate(); res.outcome == outcomeHit {
			return res
		}
	}
	return miss()
}

// persistDocument 写缓存失败只记录日志。入口文档以构建时间戳为 Tag，供版本清理识别。
func (r *Router) persistDocument(ctx context.Context, req *request, status int, header http.Header, body []byte) {
	ctx = context.WithoutCancel(ctx)
	tag := ""
	if req.class == classEntry && r.detector != nil {
		build, _ := r.detector.Inspect(ctx, decodeForInspection(r.logger, header, body))
		tag = cache.BuildTag(build)
	}
	opts := cache.PutOptions{Status: status, Header: header.Clone(), Tag: tag}
	opts.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))

	keys := []string{req.key}
	if req.class == classEntry {
		if scoped := r.store.ScopedKey("/index.html"); scoped != req.key {
			keys = append(keys, scoped)
		}
	}
	for _, key := range keys {
		if _, err := r.store.PutExact(ctx, key, bytes.NewReader(body), opts); err != nil {
			r.logger.WithFields(r.fields(req)).WithField("key", key).WithError(err).Warn("入口文档写入缓存失败")
		}
	}
	if req.class == classBootstrap {
		if hash, ok := r.index.Paths[req.mpath]; ok {
			if _, err := r.store.PutByHash(ctx, hash, bytes.NewReader(body), opts); err != nil {
				r.logger.WithFields(r.fields(req)).WithError(err).Warn("bootstrap 写入 hash 缓存失败")
			}
		}
	}
}

// knownAsset: exact → hash → 下载协调器 → 网络。
func (r *Router) knownAsset(ctx context.Context, req *request, hash string, asset manifest.Asset) result {
	if res := r.matchExact(ctx, req.key); res.outcome == outcomeHit {
		return res
	}
	if res := r.matchHash(ctx, hash); res.outcome == outcomeHit {
		return res
	}
	resp, err := r.coordinator.GetOrFetch(ctx, hash, asset)
	if err == nil {
		return hit(resp, SourceDownload)
	}
	r.logger.WithFields(r.fields(req)).WithError(err).Warn("下载协调器失败，回退网络")
	return r.network(ctx, req)
}

// legacyMatch 兼容旧版缓存：完整请求 URL，其次作用域下的路径 key。
func (r *Router) legacyMatch(ctx context.Context, req *request) result {
	if res := r.matchExact(ctx, req.key); res.outcome == outcomeHit {
		return res
	}
	return r.matchPath(ctx, req.mpath)
}

// navigationFallback 依次尝试 "/" 与 "/index.html"，每个候选先按 hash 再按路径。
func (r *Router) navigationFallback(ctx context.Context) result {
	for _, p := range []string{"/", "/index.html"} {
		if res := r.matchHashOfPath(ctx, p); res.outcome == outcomeHit {
			res.source = SourceFallback
			return res
		}
		if res := r.matchPath(ctx, p); res.outcome == outcomeHit {
			res.source = SourceFallback
			return res
		}
	}
	return miss()
}

// network 发起带一次重试的网络请求；仍失败时导航请求回退到缓存的入口文档。
func (r *Router) network(ctx context.Context, req *request) result {
	resp, source, err := r.fetchWithRetry(ctx, req)
	if err == nil {
		return hit(&cache.Response{
			Status:        resp.StatusCode,
			Header:        upstream.StripHopByHop(resp.Header),
			Body:          resp.Body,
			ContentLength: resp.ContentLength,
		}, source)
	}
	r.logger.WithFields(r.fields(req)).WithError(err).Warn("网络请求失败")
	if req.navigate {
		for _, p := range []string{"/index.html", "/"} {
			if res := r.matchPath(ctx, p); res.outcome == outcomeHit {
				res.source = SourceFallback
				return res
			}
		}
	}
	return failed(err)
}

func (r *Router) matchExact(ctx context.Context, key string) result {
	return r.match(ctx, key, SourceCacheExact)
}

func (r *Router) matchPath(ctx context.Context, path string) result {
	return r.match(ctx, r.store.ScopedKey(path), SourceCachePath)
}

func (r *Router) matchHash(ctx context.Context, hash string) result {
	if hash == "" {
		return miss()
	}
	return r.match(ctx, r.store.HashKey(hash), SourceCacheHash)
}

func (r *Router) matchHashOfPath(ctx context.Context, path string) result {
	return r.matchHash(ctx, r.index.Paths[path])
}

func (r *Router) match(ctx context.Context, key string, source Source) result {
	resp, err := r.store.GetExact(ctx, key)
	switch {
	case err == nil:
		return hit(resp, source)
	case errors.Is(err, cache.ErrNotFound):
		return miss()
	default:
		r.logger.WithFields(logrus.Fields{"action": "cache_match", "key": key}).WithError(err).Warn("缓存读取失败")
		return failed(err)
	}
}

func (r *Router) fields(req *request) logrus.Fields {
	fields := logging.RequestFields(r.store.Scope(), req.path, req.class, "", false)
	fields["action"] = "fetch"
	if req.id != "" {
		fields["request_id"] = req.id
	}
	return fields
}

func (r *Router) logResult(req *request, res result, started time.Time) {
	source := string(res.source)
	cacheHit := res.source == SourceCacheExact || res.source == SourceCacheHash ||
		res.source == SourceCachePath || res.source == SourceFallback
	fields := logging.RequestFields(r.store.Scope(), req.path, req.class, source, cacheHit)
	fields["action"] = "fetch"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if req.id != "" {
		fields["request_id"] = req.id
	}
	if res.resp != nil {
		fields["status"] = res.resp.Status
	}
	if res.outcome != outcomeHit {
		if res.err != nil {
			fields["error"] = res.err.Error()
		}
		r.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	r.logger.WithFields(fields).Info("fetch_complete")
}

func isEntryDocument(mpath string) bool {
	return mpath == "/" || mpath == "/index.html"
}

func isNavigation(header http.Header) bool {
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	return strings.Contains(header.Get("Accept"), "text/html")
}
