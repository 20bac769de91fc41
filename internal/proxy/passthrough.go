package proxy

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/cache"
	"github.com/any-hub/asset-worker/internal/logging"
	"github.com/any-hub/asset-worker/internal/server"
	"github.com/any-hub/asset-worker/internal/upstream"
)

// Passthrough 将不拦截的请求（非 GET 或作用域外）原样转发到 origin，不读写缓存。
type Passthrough struct {
	fetcher *upstream.Fetcher
	logger  *logrus.Logger
}

// NewPassthrough 创建 Passthrough。
func NewPassthrough(fetcher *upstream.Fetcher, logger *logrus.Logger) *Passthrough {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Passthrough{fetcher: fetcher, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (p *Passthrough) Handle(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	path := requestPath(c)
	uri := string(c.Request().URI().RequestURI())
	if uri == "" {
		uri = path
	}
	method := c.Method()

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	resp, err := p.fetcher.Do(requestContext(c), method, uri, buildForwardHeader(c, route), body)

	fields := logging.RequestFields(scopeOf(route), path, "passthrough", string(SourcePassthrough), false)
	fields["action"] = "passthrough"
	fields["method"] = method
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if id := server.RequestID(c); id != "" {
		fields["request_id"] = id
	}
	if err != nil {
		p.logger.WithFields(fields).WithError(err).Error("passthrough_failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	fields["status"] = resp.StatusCode
	p.logger.WithFields(fields).Info("passthrough_complete")

	out := &cache.Response{
		Status:        resp.StatusCode,
		Header:        upstream.StripHopByHop(resp.Header),
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}
	if method == http.MethodHead {
		resp.Body.Close()
		out.Body = nil
	}
	// 原样转发：客户端声明的编码即上游返回的编码，不做解压。
	return writeResponse(c, hit(out, SourcePassthrough), true, p.logger)
}

func scopeOf(route *server.Route) string {
	if route == nil || route.ScopeURL == nil {
		return ""
	}
	return route.ScopeURL.String()
}
