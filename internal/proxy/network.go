package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/server"
	"github.com/any-hub/asset-worker/internal/upstream"
)

// fetchWithRetry 最多发起两次请求，第二次附带 Cache-Control: no-store 绕过中间缓存。
func (r *Router) fetchWithRetry(ctx context.Context, req *request) (*http.Response, Source, error) {
	var (
		resp     *http.Response
		attempts int
	)
	operation := func() error {
		header := req.header.Clone()
		if attempts > 0 {
			header.Set("Cache-Control", "no-store")
		}
		attempts++
		out, err := r.fetcher.Get(ctx, req.uri, header)
		if err != nil {
			return err
		}
		resp = out
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), 1),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		fields := r.fields(req)
		fields["retry_in_ms"] = wait.Milliseconds()
		r.logger.WithFields(fields).WithError(err).Warn("网络请求失败，准备重试")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, "", err
	}
	if attempts > 1 {
		return resp, SourceNetworkRetry, nil
	}
	return resp, SourceNetwork, nil
}

// buildForwardHeader 复制客户端请求头（去掉逐跳头与 Host），并补充 X-Forwarded-* 信息。
func buildForwardHeader(c fiber.Ctx, route *server.Route) http.Header {
	header := http.Header{}
	upstream.CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del("Host")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", routePort(route))
	return header
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func routePort(route *server.Route) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}

func isGzipEncoded(header http.Header) bool {
	return strings.Contains(strings.ToLower(header.Get("Content-Encoding")), "gzip")
}

// decodeForInspection 在上游仍返回 gzip 时解压入口文档，解压失败则原样返回。
func decodeForInspection(logger *logrus.Logger, header http.Header, body []byte) []byte {
	if !isGzipEncoded(header) {
		return body
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		logger.WithField("action", "inspect_decode").WithError(err).Debug("入口文档 gzip 解压失败")
		return body
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		logger.WithField("action", "inspect_decode").WithError(err).Debug("入口文档 gzip 解压失败")
		return body
	}
	return decoded
}
